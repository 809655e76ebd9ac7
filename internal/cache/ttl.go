// Package cache provides an in-memory TTL cache with explicit invalidation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry holds a cached value and its expiry.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map whose entries expire after a fixed duration.
type TTL[K comparable, V any] struct {
	name      string
	ttl       time.Duration
	entries   map[K]*entry[V]
	mu        sync.RWMutex
	group     singleflight.Group
	now       func() time.Time
	onEvict   []func(K, V)
	onEvictMu sync.RWMutex
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](name string, ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		name:    name,
		ttl:     ttl,
		entries: make(map[K]*entry[V]),
		now:     o.now,
	}
}

// Name returns the cache name used in logs and metrics.
func (c *TTL[K, V]) Name() string { return c.name }

// TTL returns the entry lifetime.
func (c *TTL[K, V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the cache TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = &entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// GetOrLoad returns the cached value, or calls load once per key across
// concurrent callers and caches a successful result.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// OnInvalidate registers a hook called for every entry removed by Invalidate,
// InvalidateAll or Prune.
func (c *TTL[K, V]) OnInvalidate(fn func(K, V)) {
	c.onEvictMu.Lock()
	c.onEvict = append(c.onEvict, fn)
	c.onEvictMu.Unlock()
}

// Invalidate removes key.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok {
		c.notify(key, e.value)
	}
}

// InvalidateAll empties the cache.
func (c *TTL[K, V]) InvalidateAll() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[K]*entry[V])
	c.mu.Unlock()

	for k, e := range old {
		c.notify(k, e.value)
	}
}

// Prune drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Prune() int {
	now := c.now()
	removed := make(map[K]V)

	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			removed[k] = e.value
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	for k, v := range removed {
		c.notify(k, v)
	}
	return len(removed)
}

// Len returns the number of stored entries, including expired ones not yet pruned.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTL[K, V]) notify(key K, value V) {
	c.onEvictMu.RLock()
	hooks := c.onEvict
	c.onEvictMu.RUnlock()

	for _, fn := range hooks {
		fn(key, value)
	}
}

// Pruner is implemented by every TTL cache regardless of type parameters.
type Pruner interface {
	Name() string
	Prune() int
}
