// Package daemon schedules discovery and health checks on fixed intervals.
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dbsentry/internal/config"
	"github.com/yairfalse/dbsentry/internal/health"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Runner executes the two entry points.
type Runner interface {
	RunDiscovery(ctx context.Context, scope config.Scope) inventory.ScanResult
	RunHealthCheck(ctx context.Context, ids []string) health.Result
}

// Config holds daemon configuration.
type Config struct {
	Scope             config.Scope
	DiscoveryInterval time.Duration
	HealthInterval    time.Duration
}

// Daemon runs discovery and health checks until its context ends. Runs are
// serialized: a health check never overlaps a discovery run.
type Daemon struct {
	cfg       Config
	runner    Runner
	metrics   *Metrics
	startTime time.Time

	discoveryCount atomic.Int64
	healthCount    atomic.Int64
	ready          atomic.Bool

	mu            sync.RWMutex
	lastDiscovery inventory.ExecutionStatus
	lastHealth    inventory.ExecutionStatus
}

// NewDaemon creates a daemon instance.
func NewDaemon(cfg Config, runner Runner) (*Daemon, error) {
	m, err := NewMetrics()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:       cfg,
		runner:    runner,
		metrics:   m,
		startTime: time.Now(),
	}, nil
}

// Start runs discovery and a health check immediately, then on their
// intervals. It returns nil when ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	log.Info().
		Dur("discovery_interval", d.cfg.DiscoveryInterval).
		Dur("health_interval", d.cfg.HealthInterval).
		Msg("daemon starting")

	d.runDiscovery(ctx)
	d.runHealthCheck(ctx)
	d.ready.Store(true)

	discovery := time.NewTicker(d.cfg.DiscoveryInterval)
	defer discovery.Stop()
	checks := time.NewTicker(d.cfg.HealthInterval)
	defer checks.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("daemon stopping")
			return nil
		case <-discovery.C:
			d.runDiscovery(ctx)
		case <-checks.C:
			d.runHealthCheck(ctx)
		}
	}
}

func (d *Daemon) runDiscovery(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result := d.runner.RunDiscovery(ctx, d.cfg.Scope)
	d.discoveryCount.Add(1)
	d.metrics.RecordRun(ctx, RunDiscovery, string(result.ExecutionStatus), result.FinishedAt)

	d.mu.Lock()
	d.lastDiscovery = result.ExecutionStatus
	d.mu.Unlock()
}

func (d *Daemon) runHealthCheck(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result := d.runner.RunHealthCheck(ctx, nil)
	d.healthCount.Add(1)
	d.metrics.RecordRun(ctx, RunHealth, string(result.ExecutionStatus), result.FinishedAt)

	d.mu.Lock()
	d.lastHealth = result.ExecutionStatus
	d.mu.Unlock()
}

// HealthStatus represents daemon health.
type HealthStatus struct {
	Status        string `json:"status"`
	Uptime        int64  `json:"uptime_seconds"`
	DiscoveryRuns int64  `json:"discovery_runs"`
	HealthChecks  int64  `json:"health_checks"`
	LastDiscovery string `json:"last_discovery,omitempty"`
	LastHealth    string `json:"last_health_check,omitempty"`
}

// Health returns daemon health status. The daemon is healthy while it is
// scheduling runs, whatever their outcome.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return HealthStatus{
		Status:        "healthy",
		Uptime:        int64(time.Since(d.startTime).Seconds()),
		DiscoveryRuns: d.discoveryCount.Load(),
		HealthChecks:  d.healthCount.Load(),
		LastDiscovery: string(d.lastDiscovery),
		LastHealth:    string(d.lastHealth),
	}
}

// Ready reports whether the first discovery and health check have run.
func (d *Daemon) Ready() bool {
	return d.ready.Load()
}

// DiscoveryCount returns total discovery runs.
func (d *Daemon) DiscoveryCount() int64 {
	return d.discoveryCount.Load()
}

// HealthCheckCount returns total health checks.
func (d *Daemon) HealthCheckCount() int64 {
	return d.healthCount.Load()
}

// RegisterRoutes adds /health, /-/healthy and /-/ready to mux.
func (d *Daemon) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	})
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !d.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}
