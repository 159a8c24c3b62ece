// Package cache provides a small JSON cache over Redis for the public
// read endpoints.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache keys for the public read views.
const (
	KeyPublicSchemes      = "public:schemes"
	KeyPublicTransactions = "public:transactions"
)

// Cache wraps a Redis client. A nil Cache is valid and behaves as a
// permanent miss, so callers never need to branch on whether Redis is
// configured.
type Cache struct {
	client *redis.Client
	log    *logrus.Logger
}

// Connect dials Redis. An empty URL returns a nil Cache.
func Connect(ctx context.Context, url string, log *logrus.Logger) (*Cache, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Cache{client: client, log: log}, nil
}

// Get unmarshals the cached value for key into dest. Returns false on
// a miss or any Redis failure.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	if c == nil || c.client == nil {
		return false
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache read failed")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache entry corrupt, dropping")
		c.client.Del(ctx, key)
		return false
	}
	return true
}

// Set stores value under key with a TTL. Failures are logged, never
// returned.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("failed to marshal cache entry")
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

// Invalidate removes keys. Used after writes that change public views.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || c.client == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).Warn("cache invalidation failed")
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
