package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

func TestProvider_ObserveInventory(t *testing.T) {
	p, reader := newTestProvider(t)
	stale := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []inventory.InstanceRecord{
		{AccountID: "111111111111", Region: "us-east-1", InstanceID: "orders", Engine: "postgres", Status: "available", InstanceClass: "db.r6g.large"},
		{AccountID: "111111111111", Region: "us-east-1", InstanceID: "legacy", Engine: "mysql", Status: "available", StaleSince: &stale},
	}
	require.NoError(t, p.ObserveInventory(func() []inventory.InstanceRecord { return records }))

	m, ok := collect(t, reader)["dbsentry_instance_info"]
	require.True(t, ok)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 2)

	staleByInstance := map[string]string{}
	for _, dp := range gauge.DataPoints {
		id, _ := dp.Attributes.Value(attribute.Key("instance"))
		s, _ := dp.Attributes.Value(attribute.Key("stale"))
		staleByInstance[id.AsString()] = s.AsString()
		assert.Equal(t, int64(1), dp.Value)
	}
	assert.Equal(t, map[string]string{"orders": "false", "legacy": "true"}, staleByInstance)

	// Later collections follow the inventory.
	records = records[:1]
	gauge = collect(t, reader)["dbsentry_instance_info"].Data.(metricdata.Gauge[int64])
	assert.Len(t, gauge.DataPoints, 1)
}

func TestInstanceAttributes_OmitsEmptyOptionalFields(t *testing.T) {
	attrs := attribute.NewSet(instanceAttributes(inventory.InstanceRecord{InstanceID: "db"})...)
	_, hasClass := attrs.Value("class")
	_, hasVersion := attrs.Value("engine_version")
	assert.False(t, hasClass)
	assert.False(t, hasVersion)
}
