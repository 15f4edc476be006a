// Package telemetry provides OpenTelemetry instrumentation for dbsentry.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/dbsentry/internal/config"
	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Run kinds used as the "run" attribute.
const (
	RunDiscovery = "discovery"
	RunHealth    = "health"
)

// Provider wraps OTEL tracer and meter providers and the run-level
// instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	runs                metric.Int64Counter
	runDuration         metric.Float64Histogram
	instancesDiscovered metric.Int64Gauge
	accountsAttempted   metric.Int64Gauge
	accountsScanned     metric.Int64Gauge
	instanceChanges     metric.Int64Counter
	scanErrors          metric.Int64Counter
	instancesChecked    metric.Int64Gauge
	cacheHitRate        metric.Float64Gauge
	alertTransitions    metric.Int64Counter
	notifications       metric.Int64Counter
}

// NewProvider creates a telemetry provider. Metrics are always exported
// through a Prometheus registry; OTLP export is optional. Extra readers
// are attached to the meter provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, readers ...sdkmetric.Reader) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{registry: promclient.NewRegistry()}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, readers); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.tracer = p.tracerProvider.Tracer("dbsentry")

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, readers []sdkmetric.Reader) error {
	promExporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("dbsentry")

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.runs, err = p.meter.Int64Counter(
		"dbsentry_runs_total",
		metric.WithDescription("Discovery and health check runs by execution status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return fmt.Errorf("create runs: %w", err)
	}

	p.runDuration, err = p.meter.Float64Histogram(
		"dbsentry_run_duration_seconds",
		metric.WithDescription("Duration of discovery and health check runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.instancesDiscovered, err = p.meter.Int64Gauge(
		"dbsentry_instances_discovered",
		metric.WithDescription("Instances found by the last discovery run"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return fmt.Errorf("create instances_discovered: %w", err)
	}

	p.accountsAttempted, err = p.meter.Int64Gauge(
		"dbsentry_accounts_attempted",
		metric.WithDescription("Accounts attempted by the last discovery run"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return fmt.Errorf("create accounts_attempted: %w", err)
	}

	p.accountsScanned, err = p.meter.Int64Gauge(
		"dbsentry_accounts_scanned",
		metric.WithDescription("Accounts scanned without an account-level error by the last discovery run"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return fmt.Errorf("create accounts_scanned: %w", err)
	}

	p.instanceChanges, err = p.meter.Int64Counter(
		"dbsentry_instance_changes_total",
		metric.WithDescription("Instance changes detected by discovery"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return fmt.Errorf("create instance_changes: %w", err)
	}

	p.scanErrors, err = p.meter.Int64Counter(
		"dbsentry_errors_total",
		metric.WithDescription("Structured run errors by kind and scope"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return fmt.Errorf("create errors: %w", err)
	}

	p.instancesChecked, err = p.meter.Int64Gauge(
		"dbsentry_instances_checked",
		metric.WithDescription("Instances evaluated by the last health check"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return fmt.Errorf("create instances_checked: %w", err)
	}

	p.cacheHitRate, err = p.meter.Float64Gauge(
		"dbsentry_cache_hit_ratio",
		metric.WithDescription("Metric cache hit rate of the last health check"),
	)
	if err != nil {
		return fmt.Errorf("create cache_hit_ratio: %w", err)
	}

	p.alertTransitions, err = p.meter.Int64Counter(
		"dbsentry_alert_transitions_total",
		metric.WithDescription("Alert status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return fmt.Errorf("create alert_transitions: %w", err)
	}

	p.notifications, err = p.meter.Int64Counter(
		"dbsentry_notifications_total",
		metric.WithDescription("Critical notifications by delivery outcome"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return fmt.Errorf("create notifications: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Handler serves the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordScan publishes the run-level counters of a discovery run.
func (p *Provider) RecordScan(ctx context.Context, r inventory.ScanResult) {
	status := attribute.String("status", string(r.ExecutionStatus))
	run := attribute.String("run", RunDiscovery)

	p.runs.Add(ctx, 1, metric.WithAttributes(run, status))
	p.runDuration.Record(ctx, r.Duration().Seconds(), metric.WithAttributes(run, status))

	p.instancesDiscovered.Record(ctx, int64(r.TotalInstances))
	p.accountsAttempted.Record(ctx, int64(r.AccountsAttempted))
	p.accountsScanned.Record(ctx, int64(r.AccountsScanned))

	changes := map[inventory.ChangeType]int{
		inventory.ChangeNew:     len(r.NewInstances),
		inventory.ChangeUpdated: len(r.UpdatedInstances),
		inventory.ChangeRemoved: len(r.RemovedInstances),
		inventory.ChangePurged:  len(r.PurgedInstances),
	}
	for change, n := range changes {
		if n == 0 {
			continue
		}
		p.instanceChanges.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("change", string(change)),
		))
	}

	p.recordErrors(ctx, RunDiscovery, r.Errors)
}

// RecordHealthCheck publishes the run-level counters of a health check.
func (p *Provider) RecordHealthCheck(ctx context.Context, r health.Result) {
	status := attribute.String("status", string(r.ExecutionStatus))
	run := attribute.String("run", RunHealth)

	p.runs.Add(ctx, 1, metric.WithAttributes(run, status))
	p.runDuration.Record(ctx, r.FinishedAt.Sub(r.StartedAt).Seconds(), metric.WithAttributes(run, status))

	p.instancesChecked.Record(ctx, int64(r.InstancesChecked))
	p.cacheHitRate.Record(ctx, r.CacheHitRate)

	for _, t := range r.Transitions {
		p.alertTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(t.To)),
			attribute.String("severity", string(t.Severity)),
		))
	}

	if r.NotificationsSent > 0 {
		p.notifications.Add(ctx, int64(r.NotificationsSent), metric.WithAttributes(attribute.String("outcome", "sent")))
	}
	if r.NotificationsFailed > 0 {
		p.notifications.Add(ctx, int64(r.NotificationsFailed), metric.WithAttributes(attribute.String("outcome", "failed")))
	}

	p.recordErrors(ctx, RunHealth, r.Errors)
}

func (p *Provider) recordErrors(ctx context.Context, run string, errs []inventory.ScanError) {
	for _, e := range errs {
		p.scanErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("run", run),
			attribute.String("kind", string(e.Kind)),
			attribute.String("scope", string(e.Scope)),
		))
	}
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
