package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(account, region, id string) inventory.InstanceRecord {
	return inventory.InstanceRecord{AccountID: account, Region: region, InstanceID: id, Engine: "postgres", Status: "available"}
}

func TestStore_ApplyPairAndSnapshot(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.ApplyPair([]inventory.InstanceRecord{
		rec("111111111111", "us-east-1", "db-1"),
		rec("111111111111", "us-east-1", "db-2"),
		rec("111111111111", "us-east-2", "db-3"),
		rec("222222222222", "us-east-1", "db-4"),
	}, nil))

	snap := s.Snapshot("111111111111", "us-east-1")
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "111111111111/us-east-1/db-1")
	assert.NotContains(t, snap, "111111111111/us-east-2/db-3")

	require.NoError(t, s.ApplyPair(nil, []string{"111111111111/us-east-1/db-1"}))
	assert.Len(t, s.Snapshot("111111111111", "us-east-1"), 1)

	_, ok := s.GetInstance("111111111111/us-east-1/db-1")
	assert.False(t, ok)
}

func TestStore_ApplyPairIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	batch := []inventory.InstanceRecord{rec("111111111111", "us-east-1", "db-1")}

	require.NoError(t, s.ApplyPair(batch, nil))
	require.NoError(t, s.ApplyPair(batch, nil))

	assert.Len(t, s.ListInstances(true), 1)
}

func TestStore_ListInstancesSkipsStale(t *testing.T) {
	s := openTestStore(t)
	stale := rec("111111111111", "us-east-1", "db-old")
	now := time.Now()
	stale.StaleSince = &now

	require.NoError(t, s.ApplyPair([]inventory.InstanceRecord{rec("111111111111", "us-east-1", "db-1"), stale}, nil))

	assert.Len(t, s.ListInstances(false), 1)
	assert.Len(t, s.ListInstances(true), 2)
}

func TestStore_IndexRebuiltOnOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.ApplyPair([]inventory.InstanceRecord{rec("111111111111", "eu-west-1", "db-1")}, nil))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, ok := reopened.GetInstance("111111111111/eu-west-1/db-1")
	require.True(t, ok)
	assert.Equal(t, "postgres", got.Engine)
}

func TestStore_ApplyPairAfterClose(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.ApplyPair([]inventory.InstanceRecord{rec("111111111111", "us-east-1", "db-1")}, nil)
	assert.Error(t, err)
}

func TestStore_SaveAlertWithTransition(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	state := health.AlertState{
		InstanceKey:           "111111111111/us-east-1/db-1",
		RuleID:                "cpu-high",
		Status:                health.StatusViolating,
		ConsecutiveViolations: 1,
		UpdatedAt:             now,
	}
	tr := &health.Transition{InstanceKey: state.InstanceKey, RuleID: "cpu-high", From: health.StatusOK, To: health.StatusViolating, At: now}
	require.NoError(t, s.SaveAlert(state, tr))

	state.ConsecutiveViolations = 2
	require.NoError(t, s.SaveAlert(state, nil))

	got, ok, err := s.GetAlert(state.InstanceKey, "cpu-high")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.ConsecutiveViolations)

	trs, err := s.Transitions("", 0)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, health.StatusViolating, trs[0].To)

	_, ok, err = s.GetAlert(state.InstanceKey, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_TransitionsFilterAndLimit(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for i, to := range []health.Status{health.StatusViolating, health.StatusActive, health.StatusResolved} {
		state := health.AlertState{InstanceKey: "a/r/db-1", RuleID: "cpu", Status: to}
		tr := &health.Transition{InstanceKey: "a/r/db-1", RuleID: "cpu", To: to, At: now.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.SaveAlert(state, tr))
	}
	require.NoError(t, s.SaveAlert(
		health.AlertState{InstanceKey: "a/r/db-2", RuleID: "cpu", Status: health.StatusViolating},
		&health.Transition{InstanceKey: "a/r/db-2", RuleID: "cpu", To: health.StatusViolating, At: now},
	))

	trs, err := s.Transitions("a/r/db-1", 2)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, health.StatusActive, trs[0].To)
	assert.Equal(t, health.StatusResolved, trs[1].To)

	alerts, err := s.ListAlerts()
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestStore_LastScanResult(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LastScanResult()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveScanResult(inventory.ScanResult{ScanID: "scan-1", ExecutionStatus: inventory.StatusCompleted}))
	got, ok, err := s.LastScanResult()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "scan-1", got.ScanID)
}
