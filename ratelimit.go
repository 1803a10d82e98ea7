package mcpforge

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Verdict is the outcome of a rate-limit check.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
)

// bucket is a fixed-length ring of request timestamps covering the
// configured sliding window (spec.md §3, §4.4).
type bucket struct {
	mu      sync.Mutex
	times   []time.Time
	next    int
	count   int
	maxReqs int
}

func newBucket(maxReqs int) *bucket {
	return &bucket{times: make([]time.Time, maxReqs), maxReqs: maxReqs}
}

// check removes timestamps older than window, then either admits now
// (recording it) or denies, depending on whether the ring is saturated.
func (b *bucket) check(now time.Time, window time.Duration) Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(now, window)

	if b.count >= b.maxReqs {
		return Denied
	}

	idx := (b.next + b.count) % b.maxReqs
	b.times[idx] = now
	b.count++
	return Allowed
}

func (b *bucket) pruneLocked(now time.Time, window time.Duration) {
	for b.count > 0 {
		oldest := b.times[b.next]
		if now.Sub(oldest) <= window {
			break
		}
		b.next = (b.next + 1) % b.maxReqs
		b.count--
	}
}

// RateLimiter is the per-client sliding-window limiter of spec.md §4.4.
// Bucket storage is bounded to capacity entries with least-recently-used
// eviction, mirroring the teacher's double-checked-lock bucket map but
// swapping the bare map for an LRU so capacity is actually enforced.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       *lru.Cache[string, *bucket]
	windowSeconds int
	maxRequests   int
	disabled      bool
}

// NewRateLimiter builds a limiter. Per spec.md §4.4, a configuration of
// 0 for any of capacity, window, or maxRequests disables rate limiting
// entirely: every Check call then returns Allowed.
func NewRateLimiter(capacity int, windowSeconds int, maxRequests int) *RateLimiter {
	if capacity <= 0 || windowSeconds <= 0 || maxRequests <= 0 {
		return &RateLimiter{disabled: true}
	}
	cache, _ := lru.New[string, *bucket](capacity)
	return &RateLimiter{
		buckets:       cache,
		windowSeconds: windowSeconds,
		maxRequests:   maxRequests,
	}
}

// Check consults (and updates) the sliding window for client, returning
// Allowed or Denied.
func (r *RateLimiter) Check(client string) Verdict {
	if r.disabled {
		return Allowed
	}

	window := time.Duration(r.windowSeconds) * time.Second
	now := time.Now()

	r.mu.Lock()
	b, ok := r.buckets.Get(client)
	if !ok {
		b = newBucket(r.maxRequests)
		r.buckets.Add(client, b)
	}
	r.mu.Unlock()

	return b.check(now, window)
}

// Disabled reports whether this limiter is a no-op.
func (r *RateLimiter) Disabled() bool {
	return r.disabled
}
