package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/robomo/pulse/config"
)

const cacheKey = "pulse:snapshot:last"

// SnapshotCache keeps the last successfully fetched snapshot. The cache is
// advisory: it answers "what did the broker look like recently" for widgets
// and diagnostics, and must never be consulted for correctness. Concurrent
// pollers may overwrite each other's entries.
type SnapshotCache struct {
	mu      sync.RWMutex
	devices []Device
	at      time.Time

	redis *redis.Client
	ttl   time.Duration

	logger zerolog.Logger
}

// NewSnapshotCache builds the in-memory cache, mirrored to Redis when the
// cache configuration enables it.
func NewSnapshotCache(cfg config.CacheConfig, logger zerolog.Logger) *SnapshotCache {
	cache := &SnapshotCache{
		ttl:    cfg.TTL.Duration,
		logger: logger.With().Str("component", "snapshot_cache").Logger(),
	}
	if cfg.Enabled {
		cache.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return cache
}

// Store records the snapshot. Redis mirroring is best effort; a failed write
// is logged and forgotten.
func (c *SnapshotCache) Store(ctx context.Context, devices []Device) {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.devices = devices
	c.at = now
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(devices)
	if err != nil {
		c.logger.Warn().Err(err).Msg("encode snapshot for cache")
		return
	}
	if err := c.redis.Set(ctx, cacheKey, payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("mirror snapshot to redis")
	}
}

// Last returns the most recent snapshot and its capture time. The boolean is
// false when nothing has been cached yet.
func (c *SnapshotCache) Last(ctx context.Context) ([]Device, time.Time, bool) {
	if c == nil {
		return nil, time.Time{}, false
	}
	c.mu.RLock()
	devices, at := c.devices, c.at
	c.mu.RUnlock()
	if devices != nil {
		return devices, at, true
	}
	if c.redis == nil {
		return nil, time.Time{}, false
	}
	payload, err := c.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Msg("read snapshot from redis")
		}
		return nil, time.Time{}, false
	}
	var cached []Device
	if err := json.Unmarshal(payload, &cached); err != nil {
		c.logger.Warn().Err(err).Msg("decode cached snapshot")
		return nil, time.Time{}, false
	}
	return cached, time.Time{}, true
}

// Close releases the Redis connection, if any.
func (c *SnapshotCache) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}
