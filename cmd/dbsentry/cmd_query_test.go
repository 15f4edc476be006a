package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

func TestPrintInstances(t *testing.T) {
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stale := seen.Add(time.Hour)
	records := []inventory.InstanceRecord{
		{AccountID: "111111111111", Region: "us-east-1", InstanceID: "orders", Engine: "postgres", EngineVersion: "15.4",
			InstanceClass: "db.r6g.large", Status: "available", MultiAZ: true, StorageGB: 100, LastSeenAt: seen},
		{AccountID: "111111111111", Region: "us-east-1", InstanceID: "legacy", Engine: "mysql",
			Status: "available", LastSeenAt: seen, StaleSince: &stale, Degraded: true},
	}

	var buf bytes.Buffer
	require.NoError(t, printInstances(&buf, records))

	out := buf.String()
	assert.Contains(t, out, "INSTANCE")
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "postgres 15.4")
	assert.Contains(t, out, "100GB")
	assert.Contains(t, out, "stale since 2024-03-01T13:00:00Z, degraded")
	assert.Contains(t, out, "2 instance(s)")
}

func TestPrintAlerts_SortedByKey(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []health.AlertState{
		{InstanceKey: "b", RuleID: "cpu", Status: health.StatusOK, UpdatedAt: now},
		{InstanceKey: "a", RuleID: "cpu", Status: health.StatusActive, Severity: health.SeverityCritical,
			ConsecutiveViolations: 3, LastValue: 95, NotifiedAt: &now, UpdatedAt: now},
	}

	var buf bytes.Buffer
	require.NoError(t, printAlerts(&buf, alerts))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "a "))
	assert.Contains(t, lines[1], "95")
	assert.True(t, strings.HasPrefix(lines[2], "b "))
}

func TestWriteJSON_Indents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]int{"n": 1}))
	assert.Equal(t, "{\n  \"n\": 1\n}\n", buf.String())
}
