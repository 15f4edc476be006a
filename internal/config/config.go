// Package config handles YAML configuration for dbsentry.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/dbsentry/internal/health"
)

// Engines that have a lister.
const (
	EngineRDS      = "rds"
	EngineRedshift = "redshift"
	EngineMemoryDB = "memorydb"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// Config is the root configuration structure.
type Config struct {
	AWS       AWSConfig       `yaml:"aws"`
	Scope     Scope           `yaml:"scope"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Storage   StorageConfig   `yaml:"storage"`
	Notify    NotifyConfig    `yaml:"notify"`
	Archive   ArchiveConfig   `yaml:"archive"`
	OTEL      OTELConfig      `yaml:"otel"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// AWSConfig holds settings for the orchestrating (home) identity.
type AWSConfig struct {
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"`
	Partition string `yaml:"partition"`
}

// Scope selects which accounts and regions a discovery run covers.
type Scope struct {
	OrganizationWide  bool           `yaml:"organization_wide"`
	Accounts          []AccountScope `yaml:"accounts"`
	Regions           []string       `yaml:"regions"`
	Engines           []string       `yaml:"engines"`
	DefaultRoleName   string         `yaml:"default_role_name"`
	DefaultExternalID string         `yaml:"default_external_id"`
}

// AccountScope is the per-account input for the access broker.
type AccountScope struct {
	AccountID  string   `yaml:"account_id"`
	RoleName   string   `yaml:"role_name"`
	ExternalID string   `yaml:"external_id"`
	Regions    []string `yaml:"regions"`
}

// DiscoveryConfig tunes run_discovery.
type DiscoveryConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	Timeout          time.Duration `yaml:"timeout"`
	StaleGracePeriod time.Duration `yaml:"stale_grace_period"`
	MaxAttempts      int           `yaml:"max_attempts"`
	SessionDuration  time.Duration `yaml:"session_duration"`
	Interval         time.Duration `yaml:"interval"`
}

// HealthConfig tunes run_health_check.
type HealthConfig struct {
	Concurrency          int           `yaml:"concurrency"`
	Timeout              time.Duration `yaml:"timeout"`
	Interval             time.Duration `yaml:"interval"`
	NotificationCooldown time.Duration `yaml:"notification_cooldown"`
	Cache                CacheConfig   `yaml:"cache"`
	Rules                []health.Rule `yaml:"rules"`
}

// CacheConfig selects the metric cache backend.
type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds the inventory/alert store location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig selects notification channels.
type NotifyConfig struct {
	Log         bool   `yaml:"log"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
}

// ArchiveConfig enables S3 archival of scan results.
type ArchiveConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	Prefix   string `yaml:"prefix"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `yaml:"endpoint"`
	Insecure    bool         `yaml:"insecure"`
	ServiceName string       `yaml:"service_name"`
	Traces      TracesConfig `yaml:"traces"`
	Metrics     OTLPMetrics  `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// OTLPMetrics toggles OTLP metric export.
type OTLPMetrics struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig holds the Prometheus scrape endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.AWS.Partition == "" {
		c.AWS.Partition = "aws"
	}
	c.Scope.ApplyDefaults()

	d := &c.Discovery
	if d.Concurrency <= 0 {
		d.Concurrency = 8
	}
	if d.Timeout <= 0 {
		d.Timeout = 10 * time.Minute
	}
	if d.StaleGracePeriod <= 0 {
		d.StaleGracePeriod = 24 * time.Hour
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.SessionDuration <= 0 {
		d.SessionDuration = time.Hour
	}
	if d.Interval <= 0 {
		d.Interval = time.Hour
	}

	h := &c.Health
	if h.Concurrency <= 0 {
		h.Concurrency = 16
	}
	if h.Timeout <= 0 {
		h.Timeout = 5 * time.Minute
	}
	if h.Interval <= 0 {
		h.Interval = time.Minute
	}
	if h.Cache.Backend == "" {
		h.Cache.Backend = CacheMemory
	}
	if h.Cache.TTL <= 0 {
		h.Cache.TTL = 5 * time.Minute
	}
	for i := range h.Rules {
		h.Rules[i].ApplyDefaults()
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "./data"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "scans"
	}
	if c.OTEL.ServiceName == "" {
		c.OTEL.ServiceName = "dbsentry"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks the configuration is valid. All problems are reported.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.Scope.validate()...)

	if c.Discovery.SessionDuration < 15*time.Minute {
		errs = append(errs, fmt.Errorf("discovery: session_duration must be at least 15m (got %s)", c.Discovery.SessionDuration))
	}

	switch c.Health.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Health.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("health.cache: redis.addr required for redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("health.cache: backend %q must be memory or redis", c.Health.Cache.Backend))
	}

	if c.Health.Interval >= c.Health.Cache.TTL {
		errs = append(errs, fmt.Errorf("health: interval %s must be shorter than cache.ttl %s", c.Health.Interval, c.Health.Cache.TTL))
	}

	if c.Health.NotificationCooldown < 0 {
		errs = append(errs, errors.New("health: notification_cooldown must not be negative"))
	}

	ids := make(map[string]bool)
	for _, r := range c.Health.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("health: %w", err))
		}
		if ids[r.ID] {
			errs = append(errs, fmt.Errorf("health: duplicate rule id %q", r.ID))
		}
		ids[r.ID] = true
	}

	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log: format %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills the engine list and per-account role settings. A scope
// passed straight to a run gets the same defaults as a loaded one.
func (s *Scope) ApplyDefaults() {
	if len(s.Engines) == 0 {
		s.Engines = []string{EngineRDS}
	}
	for i := range s.Accounts {
		a := &s.Accounts[i]
		if a.RoleName == "" {
			a.RoleName = s.DefaultRoleName
		}
		if a.ExternalID == "" {
			a.ExternalID = s.DefaultExternalID
		}
	}
}

func (s Scope) validate() []error {
	var errs []error

	if !s.OrganizationWide && len(s.Accounts) == 0 {
		errs = append(errs, errors.New("scope: accounts required unless organization_wide is set"))
	}
	if s.OrganizationWide && s.DefaultRoleName == "" {
		errs = append(errs, errors.New("scope: default_role_name required when organization_wide is set"))
	}

	seen := make(map[string]bool)
	for _, a := range s.Accounts {
		if !accountIDPattern.MatchString(a.AccountID) {
			errs = append(errs, fmt.Errorf("scope: account_id %q must be 12 digits", a.AccountID))
		}
		if seen[a.AccountID] {
			errs = append(errs, fmt.Errorf("scope: duplicate account_id %q", a.AccountID))
		}
		seen[a.AccountID] = true
		if a.RoleName == "" {
			errs = append(errs, fmt.Errorf("scope: account %s has no role_name and no default_role_name", a.AccountID))
		}
	}

	for _, e := range s.Engines {
		switch e {
		case EngineRDS, EngineRedshift, EngineMemoryDB:
		default:
			errs = append(errs, fmt.Errorf("scope: engine %q must be one of rds, redshift, memorydb", e))
		}
	}

	return errs
}

// AccountByID returns the configured scope for an account.
func (s Scope) AccountByID(id string) (AccountScope, bool) {
	for _, a := range s.Accounts {
		if a.AccountID == id {
			return a, true
		}
	}
	return AccountScope{}, false
}

// DefaultAccount builds an AccountScope for an account discovered through
// the organization, using the scope defaults.
func (s Scope) DefaultAccount(id string) AccountScope {
	if a, ok := s.AccountByID(id); ok {
		return a
	}
	return AccountScope{
		AccountID:  id,
		RoleName:   s.DefaultRoleName,
		ExternalID: s.DefaultExternalID,
	}
}

// RegionsFor returns the regions to scan for an account. An empty result
// means regions must be discovered from the account itself.
func (s Scope) RegionsFor(a AccountScope) []string {
	if len(a.Regions) > 0 {
		return a.Regions
	}
	return s.Regions
}
