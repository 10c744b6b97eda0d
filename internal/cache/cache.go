// Package cache guards idempotent resubmission in the Pusher: once a task
// instance has been submitted to a remote executor, a cache entry prevents
// a concurrent or retried Pusher invocation from submitting it twice before
// the Store reflects the pushed status.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is the minimal contract the Pusher needs.
type Cache interface {
	// SeenRecently reports whether key was marked within the last ttl
	// (the TTL the cache was constructed with), and marks it seen now
	// regardless.
	SeenRecently(ctx context.Context, key string) (bool, error)
}

// MemoryCache is an in-memory TTL cache: a map guarded by a mutex with lazy
// expiry scans.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]time.Time)}
}

func (c *MemoryCache) SeenRecently(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.evictLocked(now)
	expiry, ok := c.entries[key]
	seen := ok && now.Before(expiry)
	c.entries[key] = now.Add(c.ttl)
	return seen, nil
}

func (c *MemoryCache) evictLocked(now time.Time) {
	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
}
