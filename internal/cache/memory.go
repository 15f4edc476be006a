package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	now     func() time.Time
	counters
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{entries: make(map[Key]Entry), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a fresh value for key.
func (m *Memory) Get(_ context.Context, key Key) (float64, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	hit := ok && e.Valid(m.now())
	m.record(hit)
	if !hit {
		return 0, false
	}
	return e.Value, true
}

// Put stores value for ttl, replacing any previous entry.
func (m *Memory) Put(_ context.Context, key Key, value float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.entries[key] = Entry{Value: value, FetchedAt: m.now(), TTL: ttl}
	m.mu.Unlock()
}

// Stats returns lookup counters.
func (m *Memory) Stats() Stats {
	return m.stats()
}

// Prune drops expired entries and returns how many were removed.
func (m *Memory) Prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if !e.Valid(now) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}
