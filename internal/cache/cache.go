// Package cache provides the bounded in-memory cache that backs per-scope
// rule lookups in the filter pipeline. Entries expire lazily after a fixed
// TTL and the cache as a whole is capped: inserting into a full cache evicts
// the least recently accessed entry across all scopes.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/clock"
)

type entry[V any] struct {
	value          V
	expiresAt      time.Time
	lastAccessedAt time.Time
	seq            uint64
}

// Config carries the construction parameters for a Cache.
type Config[V any] struct {
	// TTL is the fixed lifetime of every entry. Must be positive.
	TTL time.Duration
	// MaxEntries caps the total entry count across all scopes. Must be
	// positive.
	MaxEntries int
	// Clone, when set, is applied to values on Set and Get so callers and
	// the cache never share mutable state. Leave nil for value types.
	Clone func(V) V
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Cache is a scope-segmented TTL cache with a global LRU bound. The zero
// value is not usable; construct with New.
type Cache[V any] struct {
	ttl   time.Duration
	max   int
	clone func(V) V
	clk   clock.Clock
	log   *slog.Logger

	mu     sync.RWMutex
	scopes map[string]map[string]*entry[V]
	size   int
	seq    uint64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Stats is a point-in-time snapshot of cache contents and counters.
// Counters survive invalidation; they reset only with the process.
type Stats struct {
	Entries     int     `json:"entries"`
	Scopes      int     `json:"scopes"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	HitRate     float64 `json:"hitRate"`
}

// New validates cfg and returns an empty cache. Non-positive TTL or
// MaxEntries are configuration errors and are rejected, not clamped.
func New[V any](cfg Config[V]) (*Cache[V], error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache: ttl must be positive, got %s", cfg.TTL)
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache: max entries must be positive, got %d", cfg.MaxEntries)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache[V]{
		ttl:    cfg.TTL,
		max:    cfg.MaxEntries,
		clone:  cfg.Clone,
		clk:    clk,
		log:    log,
		scopes: make(map[string]map[string]*entry[V]),
	}, nil
}

// Get returns the value stored under scope/key. Expired entries are removed
// on access and reported as misses. A hit refreshes the entry's LRU
// position and returns an independent copy when a Clone func is configured.
func (c *Cache[V]) Get(scope, key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	e, ok := c.live(scope, key, now)
	if !ok {
		c.misses++
		return zero, false
	}
	e.lastAccessedAt = now
	c.hits++
	return c.cloneValue(e.value), true
}

// Set stores value under scope/key with a fresh TTL. Overwriting an
// existing key never evicts. Inserting a new entry into a full cache first
// evicts the entry with the oldest last access time across all scopes; the
// entry being written is never the eviction victim.
func (c *Cache[V]) Set(scope, key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	bucket, ok := c.scopes[scope]
	if !ok {
		bucket = make(map[string]*entry[V])
		c.scopes[scope] = bucket
	}
	if e, exists := bucket[key]; exists {
		e.value = c.cloneValue(value)
		e.expiresAt = now.Add(c.ttl)
		e.lastAccessedAt = now
		return
	}
	if c.size >= c.max {
		c.evictOldest()
	}
	c.seq++
	bucket[key] = &entry[V]{
		value:          c.cloneValue(value),
		expiresAt:      now.Add(c.ttl),
		lastAccessedAt: now,
		seq:            c.seq,
	}
	c.size++
}

// Has reports whether scope/key holds a live entry. Expired entries are
// removed exactly as in Get, but Has never refreshes LRU position and never
// counts toward hits or misses.
func (c *Cache[V]) Has(scope, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(scope, key, c.clk.Now())
	return ok
}

// Invalidate removes one entry and reports whether it was present.
func (c *Cache[V]) Invalidate(scope, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.scopes[scope]
	if !ok {
		return false
	}
	if _, ok := bucket[key]; !ok {
		return false
	}
	c.remove(scope, key, bucket)
	return true
}

// InvalidateScope removes every entry in scope and returns the count.
func (c *Cache[V]) InvalidateScope(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.scopes[scope]
	if !ok {
		return 0
	}
	n := len(bucket)
	delete(c.scopes, scope)
	c.size -= n
	return n
}

// InvalidateAll clears the cache and returns the number of entries removed.
// Counters are untouched.
func (c *Cache[V]) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.size
	c.scopes = make(map[string]map[string]*entry[V])
	c.size = 0
	return n
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Entries:     c.size,
		Scopes:      len(c.scopes),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	return s
}

// live returns the entry at scope/key if present and unexpired, removing
// and counting it when expired. Caller holds mu.
func (c *Cache[V]) live(scope, key string, now time.Time) (*entry[V], bool) {
	bucket, ok := c.scopes[scope]
	if !ok {
		return nil, false
	}
	e, ok := bucket[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		c.remove(scope, key, bucket)
		c.expirations++
		return nil, false
	}
	return e, true
}

// evictOldest drops the entry with the oldest last access time across all
// scopes, breaking ties by insertion order. Caller holds mu.
func (c *Cache[V]) evictOldest() {
	var (
		victimScope string
		victimKey   string
		victim      *entry[V]
	)
	for scope, bucket := range c.scopes {
		for key, e := range bucket {
			if victim == nil ||
				e.lastAccessedAt.Before(victim.lastAccessedAt) ||
				(e.lastAccessedAt.Equal(victim.lastAccessedAt) && e.seq < victim.seq) {
				victimScope, victimKey, victim = scope, key, e
			}
		}
	}
	if victim == nil {
		return
	}
	c.remove(victimScope, victimKey, c.scopes[victimScope])
	c.evictions++
	c.log.Debug("cache entry evicted",
		slog.String("scope", victimScope),
		slog.String("key", victimKey))
}

func (c *Cache[V]) remove(scope, key string, bucket map[string]*entry[V]) {
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(c.scopes, scope)
	}
	c.size--
}

func (c *Cache[V]) cloneValue(v V) V {
	if c.clone == nil {
		return v
	}
	return c.clone(v)
}
