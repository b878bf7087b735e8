package credentials

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the read-through credential cache. Values live under a
// per-entry TTL; Rotate and Put invalidate through Delete.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache over an existing redis client.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "docuflow:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns the cached value and whether it was present.
func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores a value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Delete invalidates a cache entry.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
