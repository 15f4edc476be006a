// Package persist reconciles one account/region scan against the stored
// inventory: it classifies records as new, updated or unchanged, marks
// vanished records stale and purges them after a grace period.
package persist

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dbsentry/internal/resilience"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Store is the inventory store used by the persister.
type Store interface {
	Snapshot(accountID, region string) map[string]inventory.InstanceRecord
	ApplyPair(upserts []inventory.InstanceRecord, deletes []string) error
}

// Delta is the change set of one pair. All lists hold identity keys.
type Delta struct {
	New       []string
	Updated   []string
	Unchanged []string
	Removed   []string
	Purged    []string
}

// Seen returns how many scanned records the pair holds after the apply.
func (d Delta) Seen() int {
	return len(d.New) + len(d.Updated) + len(d.Unchanged)
}

// Persister applies scan results pair by pair.
type Persister struct {
	store Store
	grace time.Duration
}

// New creates a persister. Stale records are purged once they have been
// stale for at least grace.
func New(store Store, grace time.Duration) *Persister {
	return &Persister{store: store, grace: grace}
}

// Apply reconciles a successful scan of one pair by the listers named in
// sources. Only call it for pairs whose scan succeeded: every stored record
// of the pair produced by one of sources and missing from scanned is marked
// stale. Records of other sources are left alone.
//
// The write is retried once; a second failure returns a region-scope
// PersistenceError and nothing is reported as changed.
func (p *Persister) Apply(ctx context.Context, accountID, region string, sources []string, scanned []inventory.InstanceRecord, now time.Time) (Delta, error) {
	prior := p.store.Snapshot(accountID, region)
	maps.DeleteFunc(prior, func(_ string, rec inventory.InstanceRecord) bool {
		return !slices.Contains(sources, rec.Source)
	})
	delta, upserts, deletes := p.plan(prior, accountID, region, scanned, now)

	if len(upserts) == 0 && len(deletes) == 0 {
		return delta, nil
	}

	err := resilience.RetryOnce(ctx, func(context.Context) error {
		return p.store.ApplyPair(upserts, deletes)
	})
	if err != nil {
		return Delta{}, inventory.ScanError{
			Scope:       inventory.ScopeRegion,
			AccountID:   accountID,
			Region:      region,
			Kind:        inventory.KindPersistence,
			Message:     fmt.Sprintf("write inventory: %v", err),
			Remediation: "Check the inventory store; the pair is retried on the next run.",
		}
	}

	log.Debug().
		Str("account", accountID).
		Str("region", region).
		Int("new", len(delta.New)).
		Int("updated", len(delta.Updated)).
		Int("unchanged", len(delta.Unchanged)).
		Int("removed", len(delta.Removed)).
		Int("purged", len(delta.Purged)).
		Msg("inventory pair applied")

	return delta, nil
}

func (p *Persister) plan(prior map[string]inventory.InstanceRecord, accountID, region string, scanned []inventory.InstanceRecord, now time.Time) (Delta, []inventory.InstanceRecord, []string) {
	var delta Delta
	var upserts []inventory.InstanceRecord
	var deletes []string

	current := make(map[string]inventory.InstanceRecord, len(scanned))
	for _, rec := range scanned {
		rec.AccountID = accountID
		rec.Region = region
		current[rec.Key()] = rec
	}

	for _, key := range sortedKeys(current) {
		rec := current[key]
		prev, known := prior[key]

		if !known {
			rec.FirstSeenAt = now
			rec.LastSeenAt = now
			rec.StaleSince = nil
			upserts = append(upserts, rec)
			delta.New = append(delta.New, key)
			continue
		}

		if rec.Degraded {
			rec = fillDefaulted(prev, rec)
		}
		rec.FirstSeenAt = prev.FirstSeenAt
		rec.LastSeenAt = now
		rec.StaleSince = nil
		upserts = append(upserts, rec)

		changes := inventory.DetectChanges(prev, rec)
		switch {
		case prev.IsStale():
			delta.Updated = append(delta.Updated, key)
			log.Info().Str("instance", key).Msg("stale instance reappeared")
		case len(changes) > 0:
			delta.Updated = append(delta.Updated, key)
			for field, c := range changes {
				log.Debug().Str("instance", key).Str("field", field).
					Str("previous", c.Previous).Str("current", c.Current).Msg("instance changed")
			}
		default:
			delta.Unchanged = append(delta.Unchanged, key)
		}
	}

	for _, key := range sortedKeys(prior) {
		if _, seen := current[key]; seen {
			continue
		}
		prev := prior[key]

		if !prev.IsStale() {
			at := now
			prev.StaleSince = &at
			upserts = append(upserts, prev)
			delta.Removed = append(delta.Removed, key)
			continue
		}
		if now.Sub(*prev.StaleSince) >= p.grace {
			deletes = append(deletes, key)
			delta.Purged = append(delta.Purged, key)
		}
	}

	return delta, upserts, deletes
}

// fillDefaulted keeps the previously known value of fields the scanner
// could not read this time.
func fillDefaulted(prev, curr inventory.InstanceRecord) inventory.InstanceRecord {
	const unknown = "unknown"
	if curr.Engine == unknown {
		curr.Engine = prev.Engine
	}
	if curr.EngineVersion == unknown {
		curr.EngineVersion = prev.EngineVersion
	}
	if curr.InstanceClass == unknown {
		curr.InstanceClass = prev.InstanceClass
	}
	if curr.Status == unknown {
		curr.Status = prev.Status
	}
	if len(curr.Tags) == 0 {
		curr.Tags = prev.Tags
	}
	for _, field := range curr.Defaulted {
		switch field {
		case inventory.FieldStorageGB:
			curr.StorageGB = prev.StorageGB
		case inventory.FieldMultiAZ:
			curr.MultiAZ = prev.MultiAZ
		}
	}
	return curr
}

func sortedKeys(m map[string]inventory.InstanceRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
