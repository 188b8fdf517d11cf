// Package metacache provides a TTL cache with stale-on-error fallback, used
// for OAuth discovery documents and other slow-changing metadata.
package metacache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is the default entry lifetime.
const DefaultTTL = time.Hour

// Fetcher loads the value for a key on miss or expiry.
type Fetcher func(ctx context.Context, key string) (any, error)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a cache-aside TTL cache. A single mutex serializes structural
// changes, which also coalesces the initial fill.
type Cache struct {
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures the cache.
type Option func(*Cache)

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache with the given TTL. A non-positive TTL uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		logger:  slog.Default().With("component", "metacache"),
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, fetching on miss or expiry. When the
// fetch fails and a stale entry exists, the stale value is returned and a
// warning is logged; with no entry at all, the fetch error propagates.
func (c *Cache) Get(ctx context.Context, key string, fetch Fetcher) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cached, exists := c.entries[key]
	if exists && now.Before(cached.expiresAt) {
		return cached.value, nil
	}

	value, err := fetch(ctx, key)
	if err != nil {
		if exists {
			c.logger.Warn("fetch failed, serving stale entry",
				"key", key,
				"stale_for", now.Sub(cached.expiresAt).String(),
				"error", err)
			return cached.value, nil
		}
		return nil, err
	}

	c.entries[key] = entry{value: value, expiresAt: now.Add(c.ttl)}
	return value, nil
}

// Invalidate removes the entry for key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of entries, expired included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
