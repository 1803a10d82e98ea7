package mcpforge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is used when a cache entry is inserted with ttl <= 0
// (spec.md §4.5).
const DefaultCacheTTL = 300 * time.Second

// longHorizon bounds the underlying LRU's own background sweep far
// beyond any sane per-entry TTL; logical expiry is enforced by Cache
// itself on every lookup, which is what lets entries carry individual
// TTLs (the wrapped library only knows a single cache-wide TTL).
const longHorizon = 24 * time.Hour

// cacheEntry is the value stored per URI, carrying spec.md §3's cache
// metadata alongside the content.
type cacheEntry struct {
	items      []ContentItem
	insertedAt time.Time
	ttl        time.Duration
	mu         sync.Mutex
	lastAccess time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Producer fetches the content for a cache miss. Failures from a
// producer are never cached (spec.md §4.5, §7).
type Producer func(ctx context.Context, uri string) ([]ContentItem, *HandlerError)

// Cache is the bounded, TTL-expiring, single-flight content cache
// described in spec.md §4.5 (I2, I3). Storage and LRU-capacity
// enforcement are delegated to hashicorp/golang-lru/v2/expirable;
// single-flight fetch coalescing is delegated to
// golang.org/x/sync/singleflight, the same pairing
// O-tero-Distributed-Caching-System/cache-manager uses for its L1 tier.
type Cache struct {
	mu         sync.RWMutex
	store      *lru.LRU[string, *cacheEntry]
	defaultTTL time.Duration
	group      singleflight.Group
	logger     *slog.Logger
	capacity   int
}

// NewCache builds a cache bounded to capacity entries, with
// defaultTTL applied to insertions that don't specify their own.
func NewCache(capacity int, defaultTTL time.Duration, logger *slog.Logger) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:      lru.NewLRU[string, *cacheEntry](capacity, nil, longHorizon),
		defaultTTL: defaultTTL,
		logger:     logger,
		capacity:   capacity,
	}
}

// Lookup returns a hit's content, refreshing last-access, or reports a
// miss. An expired entry is evicted as part of the lookup, per I2.
func (c *Cache) Lookup(uri string) ([]ContentItem, bool) {
	c.mu.RLock()
	entry, ok := c.store.Get(uri)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := time.Now()
	entry.mu.Lock()
	expired := entry.expired(now)
	if !expired {
		entry.lastAccess = now
	}
	entry.mu.Unlock()

	if expired {
		c.Evict(uri)
		return nil, false
	}
	return entry.items, true
}

// insert stores items under uri with the given ttl (0 means
// defaultTTL), enforcing capacity via the underlying LRU.
func (c *Cache) insert(uri string, items []ContentItem, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	entry := &cacheEntry{items: items, insertedAt: now, ttl: ttl, lastAccess: now}

	c.mu.Lock()
	c.store.Add(uri, entry)
	c.mu.Unlock()
}

// FetchOrInsert implements the single-flight fetch-or-insert contract
// (I3): on a hit it returns immediately; on a miss, exactly one caller
// per uri invokes producer while concurrent callers for the same uri
// wait for and share that result. Producer failures are not cached.
func (c *Cache) FetchOrInsert(ctx context.Context, uri string, ttl time.Duration, producer Producer) ([]ContentItem, *HandlerError) {
	if items, ok := c.Lookup(uri); ok {
		return items, nil
	}

	type result struct {
		items []ContentItem
		herr  *HandlerError
	}

	v, err, _ := c.group.Do(uri, func() (interface{}, error) {
		// Re-check under the single-flight key: another goroutine may
		// have populated the cache between our Lookup above and
		// acquiring the singleflight slot.
		if items, ok := c.Lookup(uri); ok {
			return result{items: items}, nil
		}

		items, herr := producer(ctx, uri)
		if herr != nil {
			return result{herr: herr}, nil
		}
		c.insert(uri, items, ttl)
		return result{items: items}, nil
	})
	if err != nil {
		// producer is never supposed to return a Go error (only a
		// HandlerError via the result), but guard anyway.
		return nil, NewHandlerError(ErrorCodeInternalError, err.Error())
	}

	r := v.(result)
	if r.herr != nil {
		return nil, r.herr
	}
	return r.items, nil
}

// Evict removes uri unconditionally.
func (c *Cache) Evict(uri string) {
	c.mu.Lock()
	c.store.Remove(uri)
	c.mu.Unlock()
}

// PruneExpired scans the cache and removes every entry whose TTL has
// elapsed, returning the number removed.
func (c *Cache) PruneExpired() int {
	now := time.Now()

	c.mu.RLock()
	keys := c.store.Keys()
	var expired []string
	for _, k := range keys {
		if entry, ok := c.store.Peek(k); ok {
			entry.mu.Lock()
			isExpired := entry.expired(now)
			entry.mu.Unlock()
			if isExpired {
				expired = append(expired, k)
			}
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}
	c.mu.Lock()
	for _, k := range expired {
		c.store.Remove(k)
	}
	c.mu.Unlock()
	return len(expired)
}

// Resize changes the cache's capacity, evicting least-recently-accessed
// entries immediately if the new capacity is smaller.
func (c *Cache) Resize(newCapacity int) {
	if newCapacity <= 0 {
		newCapacity = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = newCapacity
	c.store.Resize(newCapacity)
}

// Len returns the current number of entries (including any not yet
// lazily expired).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Len()
}
