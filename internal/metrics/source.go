// Package metrics fetches the latest metric values for inventory instances.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/dbsentry/internal/cache"
	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// ErrNoData means the provider returned no datapoints for the window.
var ErrNoData = errors.New("no datapoints")

// Query selects one metric series.
type Query struct {
	Metric    string
	Statistic string
	Period    time.Duration
}

// Source returns the most recent value of a metric for an instance.
type Source interface {
	Fetch(ctx context.Context, inst inventory.InstanceRecord, q Query) (float64, error)
}

// CachedSource is a read-through cache in front of another Source.
// Only successful fetches are cached.
type CachedSource struct {
	next  Source
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedSource wraps next with c. ttl <= 0 uses the cache default.
func NewCachedSource(next Source, c cache.Cache, ttl time.Duration) *CachedSource {
	return &CachedSource{next: next, cache: c, ttl: ttl}
}

// Fetch serves from the cache when fresh, otherwise fetches and stores.
func (s *CachedSource) Fetch(ctx context.Context, inst inventory.InstanceRecord, q Query) (float64, error) {
	key := cache.Key{InstanceKey: inst.Key(), Metric: q.Metric + "/" + q.Statistic, Period: q.Period}
	if v, ok := s.cache.Get(ctx, key); ok {
		return v, nil
	}

	v, err := s.next.Fetch(ctx, inst, q)
	if err != nil {
		return 0, err
	}
	s.cache.Put(ctx, key, v, s.ttl)
	return v, nil
}

// Stats exposes the underlying cache counters.
func (s *CachedSource) Stats() cache.Stats {
	return s.cache.Stats()
}
