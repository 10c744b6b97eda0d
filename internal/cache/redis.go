package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is an alternate backend to MemoryCache, letting multiple
// Pusher processes share idempotent-resubmit state instead of each keeping
// its own in-memory view.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "taskflow:pusher:seen:"}
}

func (c *RedisCache) SeenRecently(ctx context.Context, key string) (bool, error) {
	full := c.prefix + key
	// SetNX reports false if the key already existed, meaning it was seen.
	ok, err := c.client.SetNX(ctx, full, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	// Already present: refresh the TTL and report it was seen.
	c.client.Expire(ctx, full, c.ttl)
	return true, nil
}
