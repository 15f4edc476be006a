package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "dbsentry:metric:"

// Redis is a cache shared between processes. Entries expire server-side
// after their TTL and are also checked against FetchedAt on read.
type Redis struct {
	client *redis.Client
	now    func() time.Time
	counters
}

// NewRedis wraps a go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Get returns a fresh value for key. Redis errors count as misses.
func (r *Redis) Get(ctx context.Context, key Key) (float64, bool) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key.String()).Msg("redis cache get failed")
		}
		r.record(false)
		return 0, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("redis cache entry corrupt")
		r.record(false)
		return 0, false
	}

	hit := e.Valid(r.now())
	r.record(hit)
	if !hit {
		return 0, false
	}
	return e.Value, true
}

// Put stores value for ttl. Failures are logged; the next lookup misses.
func (r *Redis) Put(ctx context.Context, key Key, value float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	data, err := json.Marshal(Entry{Value: value, FetchedAt: r.now(), TTL: ttl})
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key.String(), data, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("redis cache put failed")
	}
}

// Stats returns lookup counters for this process.
func (r *Redis) Stats() Stats {
	return r.stats()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
