// Package cache wraps the Redis client behind the handful of primitives the
// hot path needs: dedup set-if-absent, windowed counters, TTL'd lookups, and
// prefix scans. Every value is a string; callers own serialization.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a thin veneer over a Redis client.
type Cache struct {
	rdb *redis.Client
}

// New connects to Redis at addr. The connection is lazy; use Ping to verify.
func New(addr, password string, db int) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Ping verifies the connection.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value at key. The second return is false when the key does
// not exist.
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value at key with the given TTL. A zero TTL stores without
// expiry.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value at key only if the key is absent, returning true when
// the write happened. This is the dedup primitive: false means the
// fingerprint was already seen inside the TTL window.
func (c *Cache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Incr increments the counter at key and returns the new value. The TTL is
// applied only when the increment created the key, so a correlation window
// expires relative to its first event rather than its latest.
func (c *Cache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n, nil
}

// Del removes keys. Missing keys are not an error.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// ScanKeys returns all keys matching pattern. Only used off the hot path
// (threat-intel stats), so a full scan is acceptable.
func (c *Cache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
