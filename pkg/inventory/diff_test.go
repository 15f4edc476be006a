package inventory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecord(id, status string, tags map[string]string) InstanceRecord {
	return InstanceRecord{
		AccountID:     "123456789012",
		Region:        "us-east-1",
		InstanceID:    id,
		Engine:        "postgres",
		EngineVersion: "15.4",
		InstanceClass: "db.t3.micro",
		Status:        status,
		Tags:          tags,
		StorageGB:     20,
		LastSeenAt:    time.Now(),
	}
}

func TestDetectChanges_NoChanges(t *testing.T) {
	prev := makeRecord("db-1", "available", map[string]string{"team": "core"})
	curr := prev
	curr.LastSeenAt = prev.LastSeenAt.Add(time.Hour)
	curr.Endpoint = "moved.example.com"

	assert.Empty(t, DetectChanges(prev, curr))
}

func TestDetectChanges_NilAndEmptyTagsEqual(t *testing.T) {
	prev := makeRecord("db-1", "available", nil)
	curr := makeRecord("db-1", "available", map[string]string{})

	assert.Empty(t, DetectChanges(prev, curr))
}

func TestDetectChanges_WatchedFields(t *testing.T) {
	prev := makeRecord("db-1", "available", map[string]string{"team": "core"})
	curr := prev
	curr.Status = "modifying"
	curr.InstanceClass = "db.r6g.large"
	curr.StorageGB = 100
	curr.MultiAZ = true
	curr.EngineVersion = "16.1"
	curr.Tags = map[string]string{"team": "platform"}

	changes := DetectChanges(prev, curr)

	require.Len(t, changes, 6)
	assert.Equal(t, Change{Previous: "available", Current: "modifying"}, changes["status"])
	assert.Equal(t, Change{Previous: "20", Current: "100"}, changes["storage_gb"])
	assert.Equal(t, Change{Previous: "false", Current: "true"}, changes["multi_az"])
	assert.Equal(t, `{"team":"core"}`, changes["tags"].Previous)
	assert.Equal(t, `{"team":"platform"}`, changes["tags"].Current)
}

func TestKey(t *testing.T) {
	r := makeRecord("db-1", "available", nil)

	assert.Equal(t, "123456789012/us-east-1/db-1", r.Key())
	assert.Equal(t, "123456789012/us-east-1", PairKey(r.AccountID, r.Region))
}

func TestScanResult_AccountErrorsDistinct(t *testing.T) {
	r := ScanResult{Errors: []ScanError{
		{Scope: ScopeAccount, AccountID: "111", Kind: KindAccessDenied},
		{Scope: ScopeAccount, AccountID: "111", Kind: KindTimeout},
		{Scope: ScopeRegion, AccountID: "222", Region: "us-east-1", Kind: KindProvider},
	}}

	assert.Equal(t, 1, r.AccountErrors())
	assert.Equal(t, StatusCompletedWithErrors, StatusFor(r.Errors))
	assert.Equal(t, StatusCompleted, StatusFor(nil))
}

func TestScanError_Error(t *testing.T) {
	e := ScanError{Scope: ScopeRegion, AccountID: "111", Region: "eu-west-1", Kind: KindTimeout, Message: "deadline exceeded"}
	assert.Equal(t, "Timeout [region 111/eu-west-1]: deadline exceeded", e.Error())
}
