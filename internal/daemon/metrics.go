package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Run kinds scheduled by the daemon.
const (
	RunDiscovery = "discovery"
	RunHealth    = "health"
)

// Metrics holds scheduler metrics using OTEL semantic conventions.
type Metrics struct {
	runs    metric.Int64Counter
	lastRun metric.Int64Gauge
}

// NewMetrics creates scheduler metrics on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetricsWithProvider(otel.GetMeterProvider())
}

func newMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("dbsentry.daemon")

	runs, err := meter.Int64Counter(
		"dbsentry.daemon.runs",
		metric.WithDescription("Number of scheduled runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	lastRun, err := meter.Int64Gauge(
		"dbsentry.daemon.last_run",
		metric.WithDescription("Unix time the last scheduled run finished"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{runs: runs, lastRun: lastRun}, nil
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(ctx context.Context, run, status string, finished time.Time) {
	m.runs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("run", run),
			attribute.String("status", status),
		),
	)
	m.lastRun.Record(ctx, finished.Unix(),
		metric.WithAttributes(
			attribute.String("run", run),
		),
	)
}
