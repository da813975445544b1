package policy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores evaluation results keyed by policy path plus the canonical
// hash of the input document. Expired entries are treated as misses.
type Cache interface {
	Get(ctx context.Context, key string) (*DecisionResponse, bool)
	Set(ctx context.Context, key string, resp *DecisionResponse, ttl time.Duration)
}

type memoryCacheEntry struct {
	resp      *DecisionResponse
	expiresAt time.Time
}

// MemoryCache is a mutex-guarded in-process TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	clock   func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCache) WithClock(clock func() time.Time) *MemoryCache {
	c.clock = clock
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) (*DecisionResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(entry.expiresAt) {
		// Expired entries are misses, never served stale.
		delete(c.entries, key)
		return nil, false
	}
	return entry.resp, true
}

func (c *MemoryCache) Set(_ context.Context, key string, resp *DecisionResponse, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{
		resp:      resp,
		expiresAt: c.clock().Add(ttl),
	}
}

// RedisCache shares evaluation results across guard instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache on an existing redis client.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "aegis:policy:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*DecisionResponse, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		// Cache unavailability degrades to a miss, never to an error.
		return nil, false
	}
	var resp DecisionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *DecisionResponse, ttl time.Duration) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}
