package cache

import (
	"context"
	"sync"
	"time"
)

// Cache defines the basic operations for a cache layer.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	// A zero TTL keeps the entry until it is invalidated or evicted.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is a bounded map cache for processes that run without
// ristretto. Expired entries are dropped lazily on access. When the cache is
// full, Set first drops every expired entry and then evicts the entry that
// would expire soonest, so entries without a TTL are evicted last.
type InMemoryCache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	limit   int
	now     func() time.Time
	stats   Stats
}

type entry[T any] struct {
	value    T
	deadline time.Time
}

func (e entry[T]) live(now time.Time) bool {
	return e.deadline.IsZero() || now.Before(e.deadline)
}

// sooner orders entries by deadline; a zero deadline sorts last.
func (e entry[T]) sooner(o entry[T]) bool {
	switch {
	case e.deadline.IsZero():
		return false
	case o.deadline.IsZero():
		return true
	default:
		return e.deadline.Before(o.deadline)
	}
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption func(*inMemoryConfig)

type inMemoryConfig struct {
	limit int
	now   func() time.Time
}

// WithMaxEntries bounds the number of entries. A non-positive value leaves
// the cache unbounded.
func WithMaxEntries(n int) InMemoryOption {
	return func(c *inMemoryConfig) { c.limit = n }
}

// WithClock replaces the time source used for expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(c *inMemoryConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// NewInMemory returns an empty InMemoryCache.
func NewInMemory[T any](opts ...InMemoryOption) *InMemoryCache[T] {
	cfg := inMemoryConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryCache[T]{
		entries: make(map[string]entry[T]),
		limit:   cfg.limit,
		now:     cfg.now,
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && !e.live(c.now()) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		return zero, false, nil
	}
	c.stats.Hits++
	return e.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := c.now()
	e := entry[T]{value: value}
	if ttl > 0 {
		e.deadline = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && c.limit > 0 && len(c.entries) >= c.limit {
		c.makeRoom(now)
	}
	c.entries[key] = e
	return nil
}

// makeRoom frees at least one slot. c.mu must be held.
func (c *InMemoryCache[T]) makeRoom(now time.Time) {
	for k, e := range c.entries {
		if !e.live(now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.limit {
		return
	}
	var (
		victim string
		first  entry[T]
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.sooner(first) {
			victim, first, found = k, e, true
		}
	}
	delete(c.entries, victim)
	c.stats.Evictions++
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Stats reports cache usage.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Metrics returns current usage counters.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}
