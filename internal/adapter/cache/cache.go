// Package cache adapts Redis as the coordination substrate: content
// addressed generation records, quota counters, job progress, and the
// social hot path. Writes are best-effort; a cache outage degrades
// latency, never correctness.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizdom-app/backend/internal/adapter/observability"
)

// NewRedisClient parses the DSN (redis:// or rediss:// with TLS and
// token) and returns a connected client. The caller owns Close.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=cache.NewRedisClient parse: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Cache wraps a Redis client with the key namespace and the swallow-on
// -error policy the read/write contracts require.
type Cache struct {
	rdb    *redis.Client
	keys   Keys
	logger *slog.Logger
}

// New builds a Cache. logger may be nil.
func New(rdb *redis.Client, keys Keys, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{rdb: rdb, keys: keys, logger: logger}
}

// Keys exposes the namespace for adapters that run their own pipelines.
func (c *Cache) Keys() Keys { return c.keys }

// Client exposes the raw client for adapters that run their own
// pipelines (feed store, notification plane, pub/sub bridge).
func (c *Cache) Client() *redis.Client { return c.rdb }

// Ping verifies substrate reachability at startup.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=cache.Ping: %w", err)
	}
	return nil
}

// GetJSON loads key into dest. found=false covers both a miss and a
// store failure; failures are logged, never surfaced.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.CacheMiss(c.keys.Family(key))
		return false
	}
	if err != nil {
		c.warn("get", key, err)
		observability.CacheMiss(c.keys.Family(key))
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.warn("decode", key, err)
		observability.CacheMiss(c.keys.Family(key))
		return false
	}
	observability.CacheHit(c.keys.Family(key))
	return true
}

// SetJSON stores v under key with ttl, best-effort.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.warn("encode", key, err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.warn("set", key, err)
	}
}

// Delete removes keys, best-effort. Used for invalidation on counter
// change and soft-delete.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.warn("del", keys[0], err)
	}
}

// Increment returns the post-increment value. On value==1 the caller
// is responsible for setting the TTL. Unlike reads, the error is
// returned: quota accounting decides its own fail-open policy.
func (c *Cache) Increment(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=cache.Increment key=%s: %w", c.keys.Family(key), err)
	}
	return n, nil
}

// GetInt reads an integer counter; missing key yields (0, nil).
func (c *Cache) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=cache.GetInt key=%s: %w", c.keys.Family(key), err)
	}
	return n, nil
}

// Expire sets the TTL on an existing key, best-effort.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		c.warn("expire", key, err)
	}
}

// Publish sends a message on a channel, best-effort. family labels the
// telemetry counter.
func (c *Cache) Publish(ctx context.Context, channel string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.warn("encode-publish", channel, err)
		return
	}
	if err := c.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		c.warn("publish", channel, err)
		return
	}
	observability.PubSubPublishedTotal.WithLabelValues(c.keys.Family(channel)).Inc()
}

func (c *Cache) warn(op, key string, err error) {
	c.logger.Warn("cache degraded",
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("error", err))
}
