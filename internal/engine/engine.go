// Package engine runs discovery and health checks. Both entry points always
// return a structured result; failures are reported inside it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/dbsentry/internal/broker"
	"github.com/yairfalse/dbsentry/internal/cache"
	"github.com/yairfalse/dbsentry/internal/config"
	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/internal/metrics"
	"github.com/yairfalse/dbsentry/internal/notify"
	"github.com/yairfalse/dbsentry/internal/persist"
	"github.com/yairfalse/dbsentry/internal/plugin"
	awsplugin "github.com/yairfalse/dbsentry/internal/plugin/aws"
	"github.com/yairfalse/dbsentry/internal/telemetry"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

var tracer = otel.Tracer("github.com/yairfalse/dbsentry/internal/engine")

// CredentialBroker returns account-scoped credentials.
type CredentialBroker interface {
	Credentials(ctx context.Context, a config.AccountScope) (aws.Config, error)
}

// BrokerFactory returns a broker whose sessions are named after runID.
type BrokerFactory func(runID string) CredentialBroker

// Discoverer resolves regions of an account and accounts of an organization.
type Discoverer interface {
	Regions(ctx context.Context, cfg aws.Config) ([]string, error)
	Accounts(ctx context.Context, cfg aws.Config) ([]string, error)
}

// Store is the inventory, alert and scan-result store.
type Store interface {
	persist.Store
	health.Inventory
	health.AlertStore
	SaveScanResult(result inventory.ScanResult) error
}

// Archiver keeps a copy of every scan result.
type Archiver interface {
	Archive(ctx context.Context, result inventory.ScanResult) error
}

// SourceFactory builds the per-run metric source on brokered credentials.
type SourceFactory func(creds metrics.CredentialsFunc) metrics.Source

// Engine wires the components of both entry points.
type Engine struct {
	cfg       *config.Config
	base      aws.Config
	store     Store
	persister *persist.Persister

	brokers   BrokerFactory
	discovery Discoverer
	registry  *plugin.Registry
	sources   SourceFactory
	cache     cache.Cache
	notifier  notify.Notifier
	telemetry *telemetry.Provider
	archiver  Archiver
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBrokers replaces the STS-backed broker.
func WithBrokers(f BrokerFactory) Option {
	return func(e *Engine) { e.brokers = f }
}

// WithDiscovery replaces EC2/Organizations discovery.
func WithDiscovery(d Discoverer) Option {
	return func(e *Engine) { e.discovery = d }
}

// WithRegistry replaces the AWS lister registry.
func WithRegistry(r *plugin.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithSources replaces the CloudWatch metric source.
func WithSources(f SourceFactory) Option {
	return func(e *Engine) { e.sources = f }
}

// WithCache sets the metric cache shared across health checks.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithNotifier sets the critical alert channel.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithTelemetry publishes run-level metrics.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

// WithArchiver archives every scan result.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. base is the home identity used for brokering and
// organization discovery.
func New(cfg *config.Config, base aws.Config, store Store, opts ...Option) *Engine {
	c := *cfg
	c.ApplyDefaults()
	cfg = &c

	e := &Engine{
		cfg:       cfg,
		base:      base,
		store:     store,
		persister: persist.New(store, cfg.Discovery.StaleGracePeriod),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.brokers == nil {
		root := broker.NewFromConfig(base, broker.Options{
			Partition:       cfg.AWS.Partition,
			SessionDuration: cfg.Discovery.SessionDuration,
		})
		e.brokers = func(runID string) CredentialBroker { return root.ForRun(runID) }
	}
	if e.discovery == nil {
		e.discovery = awsplugin.Discovery{MaxAttempts: cfg.Discovery.MaxAttempts}
	}
	if e.registry == nil {
		e.registry = plugin.NewRegistry()
		awsplugin.Register(e.registry, cfg.Discovery.MaxAttempts)
	}
	if e.sources == nil {
		maxAttempts := cfg.Discovery.MaxAttempts
		e.sources = func(creds metrics.CredentialsFunc) metrics.Source {
			return metrics.NewCloudWatch(metrics.NewBrokeredClients(creds, maxAttempts).Client)
		}
	}
	if e.cache == nil {
		e.cache = cache.NewMemory(cache.WithClock(e.now))
	}

	return e
}

// RunHealthCheck evaluates every configured rule for the given instances
// (all non-stale instances when ids is empty).
func (e *Engine) RunHealthCheck(ctx context.Context, ids []string) (result health.Result) {
	ctx, span := tracer.Start(ctx, "health_check", trace.WithAttributes(attribute.Int("requested", len(ids))))
	defer span.End()

	started := e.now()
	defer func() {
		if p := recover(); p != nil {
			result = health.Result{
				CheckID:         uuid.NewString(),
				StartedAt:       started,
				FinishedAt:      e.now(),
				ExecutionStatus: inventory.StatusFailed,
				Errors:          []inventory.ScanError{internalFault(p)},
			}
		}
		if result.ExecutionStatus == inventory.StatusFailed {
			span.SetStatus(codes.Error, "health check failed")
		}
		if e.telemetry != nil {
			e.telemetry.RecordHealthCheck(ctx, result)
		}
	}()

	b := e.brokers(uuid.NewString())
	creds := func(ctx context.Context, accountID string) (aws.Config, error) {
		return b.Credentials(ctx, e.cfg.Scope.DefaultAccount(accountID))
	}
	source := metrics.NewCachedSource(e.sources(creds), e.cache, e.cfg.Health.Cache.TTL)

	checker := health.NewChecker(health.CheckerConfig{
		Rules:                e.cfg.Health.Rules,
		Concurrency:          e.cfg.Health.Concurrency,
		Timeout:              e.cfg.Health.Timeout,
		NotificationCooldown: e.cfg.Health.NotificationCooldown,
	}, e.store, e.store, source, e.notifier)

	result = checker.Run(ctx, ids)
	if p, ok := e.cache.(cache.Pruner); ok {
		if n := p.Prune(); n > 0 {
			log.Debug().Int("entries", n).Msg("pruned expired metric samples")
		}
	}
	span.SetAttributes(
		attribute.String("check_id", result.CheckID),
		attribute.Int("transitions", len(result.Transitions)),
	)
	return result
}

func internalFault(p any) inventory.ScanError {
	log.Error().
		Interface("panic", p).
		Bytes("stack", debug.Stack()).
		Msg("recovered panic in run")
	return inventory.ScanError{
		Scope:   inventory.ScopeRun,
		Kind:    inventory.KindInternal,
		Message: fmt.Sprintf("unexpected fault: %v", p),
	}
}

// sortErrors orders errors by scope, account, region, instance, kind.
func sortErrors(errs []inventory.ScanError) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.Scope != b.Scope {
			return scopeRank(a.Scope) < scopeRank(b.Scope)
		}
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.Region != b.Region {
			return a.Region < b.Region
		}
		if a.InstanceID != b.InstanceID {
			return a.InstanceID < b.InstanceID
		}
		return a.Kind < b.Kind
	})
}

func scopeRank(s inventory.ErrorScope) int {
	switch s {
	case inventory.ScopeRun:
		return 0
	case inventory.ScopeAccount:
		return 1
	case inventory.ScopeRegion:
		return 2
	default:
		return 3
	}
}

// asScanError unwraps a ScanError carried by err, or classifies err.
func asScanError(err error) inventory.ScanError {
	var scoped interface{ ScanError() inventory.ScanError }
	if errors.As(err, &scoped) {
		return scoped.ScanError()
	}
	return awsplugin.ClassifyError(err)
}
