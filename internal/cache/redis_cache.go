// Package cache wraps Redis for small derived values (currently the stock
// list). Callers treat it as best-effort: an unavailable cache degrades to a
// live fetch, never a failed run.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{client: rdb}
}

// GetJSON unmarshals the cached value into dest. The second return is false
// on a clean miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Ping reports whether Redis is reachable; used at wiring time to decide
// between cached and direct stock-list fetches.
func (c *RedisCache) Ping(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}
