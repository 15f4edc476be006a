// Package cache holds recently fetched metric values for a TTL so repeated
// health checks do not hit the metrics provider for every evaluation.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTTL is used when a Put passes a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Key identifies one cached metric value.
type Key struct {
	InstanceKey string
	Metric      string
	Period      time.Duration
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.InstanceKey, k.Metric, int64(k.Period/time.Second))
}

// Entry is a cached value. It is valid while now - FetchedAt < TTL.
type Entry struct {
	Value     float64       `json:"value"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Valid reports whether the entry is still fresh at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Cache is a TTL cache of metric values. Refreshing a key overwrites it.
type Cache interface {
	Get(ctx context.Context, key Key) (float64, bool)
	Put(ctx context.Context, key Key, value float64, ttl time.Duration)
	Stats() Stats
}

// Pruner is a cache that holds expired entries until asked to drop them.
type Pruner interface {
	Prune() int
}

// Stats counts lookups.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate returns hits / lookups, or 0 when there were no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Sub returns the lookups made since prev.
func (s Stats) Sub(prev Stats) Stats {
	return Stats{Hits: s.Hits - prev.Hits, Misses: s.Misses - prev.Misses}
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
