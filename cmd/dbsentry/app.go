package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dbsentry/internal/archive"
	"github.com/yairfalse/dbsentry/internal/cache"
	"github.com/yairfalse/dbsentry/internal/config"
	"github.com/yairfalse/dbsentry/internal/engine"
	"github.com/yairfalse/dbsentry/internal/notify"
	awsplugin "github.com/yairfalse/dbsentry/internal/plugin/aws"
	"github.com/yairfalse/dbsentry/internal/storage"
	"github.com/yairfalse/dbsentry/internal/telemetry"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	store     *storage.Store
	telemetry *telemetry.Provider
	engine    *engine.Engine
	closers   []func() error
}

// newApp opens the store and builds the engine from configuration.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	base, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = tp
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })
	if err := tp.ObserveInventory(func() []inventory.InstanceRecord { return store.ListInstances(true) }); err != nil {
		_ = a.Close()
		return nil, err
	}

	metricCache, err := a.newCache(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	opts := []engine.Option{
		engine.WithTelemetry(tp),
		engine.WithCache(metricCache),
		engine.WithNotifier(newNotifier(cfg.Notify, base, cfg.Discovery.MaxAttempts)),
	}
	if cfg.Archive.S3Bucket != "" {
		client := s3.NewFromConfig(awsplugin.WithRetryer(base, cfg.Discovery.MaxAttempts))
		opts = append(opts, engine.WithArchiver(archive.NewS3Archiver(client, cfg.Archive.S3Bucket, cfg.Archive.Prefix)))
	}

	a.engine = engine.New(cfg, base, store, opts...)
	return a, nil
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
	}
	if c.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func (a *app) newCache(ctx context.Context) (cache.Cache, error) {
	c := a.cfg.Health.Cache
	if c.Backend != config.CacheRedis {
		return cache.NewMemory(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)

	rc := cache.NewRedis(client)
	if err := rc.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect redis cache: %w", err)
	}
	return rc, nil
}

func newNotifier(c config.NotifyConfig, base aws.Config, maxAttempts int) notify.Notifier {
	var channels []notify.Notifier
	if c.Log {
		channels = append(channels, notify.LogNotifier{})
	}
	if c.SQSQueueURL != "" {
		client := sqs.NewFromConfig(awsplugin.WithRetryer(base, maxAttempts))
		channels = append(channels, notify.NewSQSNotifier(client, c.SQSQueueURL))
	}
	if len(channels) == 0 {
		log.Warn().Msg("no notification channel configured; critical alerts are only recorded")
		return nil
	}
	return notify.NewMultiNotifier(channels...)
}

// Close releases everything newApp opened, last opened first.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
