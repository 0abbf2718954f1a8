// Package cache provides the bounded, concurrency-safe caching primitives
// shared by every corpusd component: an LRU with TTL, a cancellation-safe
// single-flight group, a versioned factory, and per-key locks.
package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// ErrCacheCorruption marks a cached or shared value that does not have its
// expected shape. In-process caches log it at DPanic, which panics under a
// development logger, then drop the entry so it is recomputed. Shared state
// records return it to the caller.
var ErrCacheCorruption = errors.New("cache entry corrupted")

// Option configures an LRU or a Flight.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger that reports corrupted entries.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
	Capacity  int
}

// LRU is a fixed-capacity least-recently-used cache with optional TTL.
//
// Get refreshes recency. When full, Add evicts the least recently used
// entry. Operations hold an internal mutex only for in-memory bookkeeping
// and never across I/O, so a hit never waits on a computation.
type LRU[K comparable, V any] struct {
	name     string
	capacity int
	lru      *expirable.LRU[K, V]
	logger   *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewLRU creates an LRU holding at most capacity entries. A ttl of zero
// disables expiry. name labels the exported metrics.
func NewLRU[K comparable, V any](name string, capacity int, ttl time.Duration, opts ...Option) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	c := &LRU[K, V]{name: name, capacity: capacity, logger: buildOptions(opts).logger}
	c.lru = expirable.NewLRU[K, V](capacity, func(K, V) {
		c.evictions.Add(1)
		Evictions.WithLabelValues(name).Inc()
	}, ttl)
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		Hits.WithLabelValues(c.name).Inc()
	} else {
		c.misses.Add(1)
		Misses.WithLabelValues(c.name).Inc()
	}
	return v, ok
}

// GetChecked is Get for values that can be malformed, such as a vector of
// the wrong length. A value failing check is removed, logged at DPanic with
// ErrCacheCorruption and reported as a miss, so the caller recomputes it.
func (c *LRU[K, V]) GetChecked(key K, check func(V) error) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		if err := check(v); err != nil {
			c.lru.Remove(key)
			Entries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
			Corruptions.WithLabelValues(c.name).Inc()
			var zero V
			v, ok = zero, false
			c.logger.DPanic("dropping corrupted cache entry",
				zap.String("cache", c.name),
				zap.Any("key", key),
				zap.Error(fmt.Errorf("%w: %w", ErrCacheCorruption, err)))
		}
	}
	if ok {
		c.hits.Add(1)
		Hits.WithLabelValues(c.name).Inc()
	} else {
		c.misses.Add(1)
		Misses.WithLabelValues(c.name).Inc()
	}
	return v, ok
}

// Peek returns the value for key without touching recency or counters.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

// Add inserts or replaces key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
	Entries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

// Remove deletes key. It reports whether the key was present.
func (c *LRU[K, V]) Remove(key K) bool {
	ok := c.lru.Remove(key)
	Entries.WithLabelValues(c.name).Set(float64(c.lru.Len()))
	return ok
}

// Keys returns keys from least to most recently used.
func (c *LRU[K, V]) Keys() []K {
	return c.lru.Keys()
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.lru.Purge()
	Entries.WithLabelValues(c.name).Set(0)
}

// Stats returns a snapshot of the cache counters.
func (c *LRU[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
	}
}
