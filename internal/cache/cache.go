// Package cache memoizes completed searches by fingerprint. The in-memory
// tier is bounded by size (least recently accessed entry evicted first) and
// by per-entry TTL. An optional Mirror shares entries across processes.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placescout/backend/internal/domain"
)

// Mirror is a shared second tier behind the in-memory map. Failures are
// logged and otherwise ignored.
type Mirror interface {
	Get(ctx context.Context, key string) ([]domain.Listing, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []domain.Listing, ttl time.Duration) error
}

type entry struct {
	value      []domain.Listing
	expiresAt  time.Time
	lastAccess time.Time
}

// ResultCache is a TTL + LRU cache of search results
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *zap.Logger
}

// Option configures a ResultCache
type Option func(*ResultCache)

// WithMirror adds a shared second tier.
func WithMirror(m Mirror) Option {
	return func(c *ResultCache) { c.mirror = m }
}

// New creates a cache holding at most maxSize entries. ttl is used by
// callers that do not pass their own to Set.
func New(maxSize int, ttl time.Duration, logger *zap.Logger, opts ...Option) *ResultCache {
	c := &ResultCache{
		entries:       make(map[string]*entry),
		maxSize:       maxSize,
		ttl:           ttl,
		now:           time.Now,
		mirrorTimeout: 2 * time.Second,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached value. Expired entries are purged and
// reported absent. On a memory miss the mirror is consulted and a hit there
// is promoted into memory with its remaining TTL.
func (c *ResultCache) Get(key string) ([]domain.Listing, bool) {
	if v, ok := c.getLocal(key); ok {
		return v, true
	}
	if c.mirror == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()
	v, remaining, ok, err := c.mirror.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache mirror read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok || remaining <= 0 {
		return nil, false
	}
	c.setLocal(key, v, remaining)
	return cloneListings(v), true
}

// Set stores value under key for ttl, evicting the least recently accessed
// entry first when the cache is full.
func (c *ResultCache) Set(key string, value []domain.Listing, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.setLocal(key, value, ttl)

	if c.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
	defer cancel()
	if err := c.mirror.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("Cache mirror write failed", zap.String("key", key), zap.Error(err))
	}
}

// Len returns the number of entries in memory, expired or not.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PurgeExpired removes every expired entry and returns how many were removed.
func (c *ResultCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *ResultCache) getLocal(key string) ([]domain.Listing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastAccess = now
	return cloneListings(e.value), true
}

func (c *ResultCache) setLocal(key string, value []domain.Listing, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &entry{
		value:      cloneListings(value),
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
}

// evictOldest must be called with c.mu held.
func (c *ResultCache) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.lastAccess.Before(oldest) {
			oldestKey, oldest, found = k, e.lastAccess, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

func cloneListings(in []domain.Listing) []domain.Listing {
	if in == nil {
		return nil
	}
	return append([]domain.Listing(nil), in...)
}
