// Package cache provides the bounded, per-entry TTL cache shared by the
// discovery, key-set and tenant-profile lookups.
//
// A Cache holds at most Capacity entries and evicts the least recently used
// one when full. Every entry carries its own expiry; an expired entry is
// treated as absent and dropped on access. Failed loads are never cached.
//
// Concurrent misses for the same key may each run the loader unless the cache
// is built with [WithSingleFlight], in which case one loader call per key is
// in flight at a time and its result is shared.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Observer receives cache events, typically to export metrics. Methods must
// be safe for concurrent use and must not block.
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheEvict(cache string)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Loads       uint64
	LoadErrors  uint64
}

// Loader produces the value for a missing key.
type Loader[V any] func(ctx context.Context) (V, error)

// ExpiringLoader produces the value for a missing key and the time it goes
// stale upstream. A zero time means the cache TTL applies.
type ExpiringLoader[V any] func(ctx context.Context) (V, time.Time, error)

// Option configures a Cache.
type Option func(*options)

type options struct {
	name         string
	now          func() time.Time
	observer     Observer
	singleFlight bool
}

// WithName labels the cache in observer callbacks.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithClock replaces time.Now. Tests use it to step past expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithSingleFlight coalesces concurrent GetOrLoad misses per key.
func WithSingleFlight() Option {
	return func(o *options) { o.singleFlight = true }
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a bounded LRU keyed by string with per-entry expiry. It is safe
// for concurrent use.
type Cache[V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, entry[V]]
	ttl time.Duration
	opt options

	group singleflight.Group

	hits, misses, evictions, expirations, loads, loadErrors atomic.Uint64
}

// New creates a cache holding at most capacity entries, each valid for ttl
// after it is stored.
func New[V any](capacity int, ttl time.Duration, opts ...Option) (*Cache[V], error) {
	if capacity < 1 {
		return nil, sserr.Newf(sserr.CodeValidation, "cache: capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		return nil, sserr.Newf(sserr.CodeValidation, "cache: ttl must be positive, got %s", ttl)
	}
	o := options{name: "default", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	lru, err := simplelru.NewLRU[string, entry[V]](capacity, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "cache: failed to create LRU")
	}
	return &Cache[V]{lru: lru, ttl: ttl, opt: o}, nil
}

// TTL returns the default entry lifetime.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.lru.Get(key)
	if ok && !c.opt.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		c.expirations.Add(1)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		if c.opt.observer != nil {
			c.opt.observer.CacheMiss(c.opt.name)
		}
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	if c.opt.observer != nil {
		c.opt.observer.CacheHit(c.opt.name)
	}
	return e.value, true
}

// Set stores value for the cache TTL starting now.
func (c *Cache[V]) Set(key string, value V) {
	c.SetUntil(key, value, c.opt.now().Add(c.ttl))
}

// SetUntil stores value until expiresAt. A time not after now stores
// nothing.
func (c *Cache[V]) SetUntil(key string, value V, expiresAt time.Time) {
	if !expiresAt.After(c.opt.now()) {
		return
	}
	c.mu.Lock()
	evicted := c.lru.Add(key, entry[V]{value: value, expiresAt: expiresAt})
	c.mu.Unlock()

	if evicted {
		c.evictions.Add(1)
		if c.opt.observer != nil {
			c.opt.observer.CacheEvict(c.opt.name)
		}
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Len returns the number of stored entries, including expired ones not yet
// dropped.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Loads:       c.loads.Load(),
		LoadErrors:  c.loadErrors.Load(),
	}
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. The entry expires one TTL after the time load was started, so a
// slow upstream does not extend the validity window. Errors from load are
// returned as-is and nothing is cached.
//
// With single-flight enabled, waiting callers share the first caller's
// result, including its error, and the load runs under the first caller's
// context.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, error) {
	return c.GetOrLoadUntil(ctx, key, func(ctx context.Context) (V, time.Time, error) {
		v, err := load(ctx)
		return v, time.Time{}, err
	})
}

// GetOrLoadUntil is [Cache.GetOrLoad] for loaders that know when their
// value goes stale, such as another cache tier. The entry expires at the
// earlier of that time and one TTL after the load started, so layering
// caches never stretches staleness past one TTL.
func (c *Cache[V]) GetOrLoadUntil(ctx context.Context, key string, load ExpiringLoader[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if !c.opt.singleFlight {
		return c.load(ctx, key, load)
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have filled the entry between our miss
		// and acquiring the flight.
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		return c.load(ctx, key, load)
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[V]) load(ctx context.Context, key string, load ExpiringLoader[V]) (V, error) {
	fetchedAt := c.opt.now()
	c.loads.Add(1)
	v, staleAt, err := load(ctx)
	if err != nil {
		c.loadErrors.Add(1)
		var zero V
		return zero, err
	}
	expiresAt := fetchedAt.Add(c.ttl)
	if !staleAt.IsZero() && staleAt.Before(expiresAt) {
		expiresAt = staleAt
	}
	c.SetUntil(key, v, expiresAt)
	return v, nil
}

// peek is Get without touching counters or recency.
func (c *Cache[V]) peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok || !c.opt.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}
