package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_RecordRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.RecordRun(ctx, RunDiscovery, "completed", finished)
	m.RecordRun(ctx, RunDiscovery, "completed", finished.Add(time.Hour))
	m.RecordRun(ctx, RunHealth, "completed_with_errors", finished)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var foundRuns, foundLast bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch metric.Name {
			case "dbsentry.daemon.runs":
				foundRuns = true
				sum := metric.Data.(metricdata.Sum[int64])
				require.Len(t, sum.DataPoints, 2)
				for _, dp := range sum.DataPoints {
					attrs := dp.Attributes.ToSlice()
					if assert.NotEmpty(t, attrs) && dp.Attributes.HasValue("run") {
						v, _ := dp.Attributes.Value("run")
						if v.AsString() == RunDiscovery {
							assert.Equal(t, int64(2), dp.Value)
							assert.Contains(t, attrs, attribute.String("status", "completed"))
						}
					}
				}
			case "dbsentry.daemon.last_run":
				foundLast = true
				gauge := metric.Data.(metricdata.Gauge[int64])
				for _, dp := range gauge.DataPoints {
					v, _ := dp.Attributes.Value("run")
					if v.AsString() == RunDiscovery {
						assert.Equal(t, finished.Add(time.Hour).Unix(), dp.Value)
					}
				}
			}
		}
	}
	assert.True(t, foundRuns, "runs metric not found")
	assert.True(t, foundLast, "last_run metric not found")
}
