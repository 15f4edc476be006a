package inventory

import (
	"encoding/json"
	"maps"
	"strconv"
)

// ChangeType represents the classification of a scanned instance.
type ChangeType string

const (
	// ChangeNew indicates an instance observed for the first time.
	ChangeNew ChangeType = "new"
	// ChangeUpdated indicates a watched field changed or a stale instance reappeared.
	ChangeUpdated ChangeType = "updated"
	// ChangeRemoved indicates an instance was marked stale.
	ChangeRemoved ChangeType = "removed"
	// ChangePurged indicates a stale instance was deleted after its grace period.
	ChangePurged ChangeType = "purged"
)

// Change represents a single field change.
// The field name is the map key in DetectChanges' result.
type Change struct {
	Previous string
	Current  string
}

// DetectChanges compares the watched fields of two observations of the same
// instance. LastSeenAt and other bookkeeping fields are not watched.
func DetectChanges(prev, curr InstanceRecord) map[string]Change {
	changes := make(map[string]Change)

	if prev.Status != curr.Status {
		changes["status"] = Change{Previous: prev.Status, Current: curr.Status}
	}
	if prev.InstanceClass != curr.InstanceClass {
		changes["instance_class"] = Change{Previous: prev.InstanceClass, Current: curr.InstanceClass}
	}
	if prev.StorageGB != curr.StorageGB {
		changes["storage_gb"] = Change{
			Previous: strconv.Itoa(int(prev.StorageGB)),
			Current:  strconv.Itoa(int(curr.StorageGB)),
		}
	}
	if prev.MultiAZ != curr.MultiAZ {
		changes["multi_az"] = Change{
			Previous: strconv.FormatBool(prev.MultiAZ),
			Current:  strconv.FormatBool(curr.MultiAZ),
		}
	}
	if prev.EngineVersion != curr.EngineVersion {
		changes["engine_version"] = Change{Previous: prev.EngineVersion, Current: curr.EngineVersion}
	}
	if !tagsEqual(prev.Tags, curr.Tags) {
		changes["tags"] = Change{Previous: mapToJSON(prev.Tags), Current: mapToJSON(curr.Tags)}
	}

	return changes
}

// nil and empty tag sets are equal.
func tagsEqual(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}

// mapToJSON converts a map to a deterministic JSON string for comparison.
// JSON marshaling sorts keys alphabetically.
func mapToJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}
