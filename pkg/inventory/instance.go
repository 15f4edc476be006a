// Package inventory defines the managed database inventory model for dbsentry.
package inventory

import "time"

// Record fields that can hold a zero value standing in for a missing
// provider value. Absent strings use "unknown" instead.
const (
	FieldStorageGB = "storage_gb"
	FieldMultiAZ   = "multi_az"
)

// InstanceRecord is one managed database instance as last observed.
// Identity is (AccountID, Region, InstanceID); see Key.
type InstanceRecord struct {
	AccountID     string            `json:"account_id"`
	Region        string            `json:"region"`
	InstanceID    string            `json:"instance_id"`
	Engine        string            `json:"engine"`         // e.g. "postgres", "redshift", "redis"
	EngineVersion string            `json:"engine_version"` // e.g. "15.4"
	InstanceClass string            `json:"instance_class"` // e.g. "db.r6g.large"
	Status        string            `json:"status"`         // provider status, e.g. "available"
	Tags          map[string]string `json:"tags"`
	MultiAZ       bool              `json:"multi_az"`
	StorageGB     int32             `json:"storage_gb"`
	Endpoint      string            `json:"endpoint"`

	// Source is the lister that produced the record ("rds", "redshift", "memorydb").
	Source string `json:"source"`

	// Degraded is set when some fields could not be extracted and defaults were used.
	Degraded bool `json:"degraded,omitempty"`
	// Defaulted lists the non-string fields (FieldStorageGB, FieldMultiAZ)
	// that hold a zero value because the provider omitted them.
	Defaulted []string `json:"defaulted,omitempty"`

	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	StaleSince  *time.Time `json:"stale_since,omitempty"`
}

// Key returns the globally unique identity of the record.
func (r InstanceRecord) Key() string {
	return Key(r.AccountID, r.Region, r.InstanceID)
}

// IsStale reports whether the record was absent from its most recent scan.
func (r InstanceRecord) IsStale() bool {
	return r.StaleSince != nil
}

// Key builds an identity key from its parts.
func Key(accountID, region, instanceID string) string {
	return accountID + "/" + region + "/" + instanceID
}

// PairKey identifies one account/region scan unit.
func PairKey(accountID, region string) string {
	return accountID + "/" + region
}
