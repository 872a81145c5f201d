// Package cache provides the TTL cache of validation outcomes shared across
// validation runs. Entries are keyed by a digest of provider and key, never
// by the raw key.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/keyward/internal/clock"
	"github.com/jkaninda/keyward/internal/provider"
)

const (
	// DefaultTTL is the default lifetime of a cached outcome.
	DefaultTTL = time.Hour
	// DefaultMaxEntries is the default capacity.
	DefaultMaxEntries = 10000
)

// Cache stores provider outcomes for a bounded time. Safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	outcome   provider.Outcome
	expiresAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(cc *Cache) { cc.clock = clock.OrSystem(c) }
}

// WithMaxEntries bounds the number of entries.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// New creates a cache with the given TTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: DefaultMaxEntries,
		clock:      clock.System{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cache key for a provider and raw key: hex SHA-256 of "provider:key".
func Key(providerName, rawKey string) string {
	h := sha256.Sum256([]byte(providerName + ":" + rawKey))
	return hex.EncodeToString(h[:])
}

// Get returns a cached outcome if present and unexpired. Expired entries are
// treated as absent and removed.
func (c *Cache) Get(providerName, rawKey string) (provider.Outcome, bool) {
	key := Key(providerName, rawKey)
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && !now.Before(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return provider.Outcome{}, false
	}
	c.hits.Add(1)
	return e.outcome, true
}

// Set stores an outcome. At capacity, expired entries are dropped first, then
// the entry closest to expiry is evicted.
func (c *Cache) Set(providerName, rawKey string, out provider.Outcome) {
	key := Key(providerName, rawKey)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = &entry{outcome: out, expiresAt: now.Add(c.ttl)}
}

func (c *Cache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Purge removes all expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
