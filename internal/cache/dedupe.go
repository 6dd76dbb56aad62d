// Package cache provides the short-lived request deduplication cache used
// to stop side-effecting gateway requests from being processed twice.
package cache

import (
	"sync"
	"time"
)

// DedupeCache maps request fingerprints to the time they were first seen.
// Entries are evicted by TTL or by a maximum-size LRU bound, whichever
// triggers first.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]int64 // fingerprint -> unix millis first seen
	ttl     time.Duration
	maxSize int
}

// Options configures the cache.
type Options struct {
	TTL     time.Duration
	MaxSize int
}

// DefaultOptions returns the defaults used by the gateway.
func DefaultOptions() Options {
	return Options{
		TTL:     2 * time.Minute,
		MaxSize: 5000,
	}
}

// New creates a deduplication cache.
func New(opts Options) *DedupeCache {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 5000
	}
	return &DedupeCache{
		entries: make(map[string]int64),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
	}
}

// Seen reports whether the fingerprint was observed within the TTL and
// records it either way. An empty fingerprint is never a duplicate.
func (c *DedupeCache) Seen(fingerprint string) bool {
	return c.SeenAt(fingerprint, time.Now())
}

// SeenAt is Seen with an explicit clock, for tests.
func (c *DedupeCache) SeenAt(fingerprint string, now time.Time) bool {
	if fingerprint == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := now.UnixMilli()
	if ts, ok := c.entries[fingerprint]; ok && nowMs-ts < c.ttl.Milliseconds() {
		c.touch(fingerprint, nowMs)
		return true
	}

	c.touch(fingerprint, nowMs)
	c.evict(nowMs)
	return false
}

// touch records the fingerprint with a fresh timestamp.
func (c *DedupeCache) touch(fingerprint string, nowMs int64) {
	delete(c.entries, fingerprint)
	c.entries[fingerprint] = nowMs
}

// evict removes expired entries, then the oldest entries until the size
// bound holds.
func (c *DedupeCache) evict(nowMs int64) {
	cutoff := nowMs - c.ttl.Milliseconds()
	for fp, ts := range c.entries {
		if ts < cutoff {
			delete(c.entries, fp)
		}
	}
	for len(c.entries) > c.maxSize {
		var oldest string
		oldestTs := int64(1<<63 - 1)
		for fp, ts := range c.entries {
			if ts < oldestTs {
				oldestTs = ts
				oldest = fp
			}
		}
		if oldest == "" {
			return
		}
		delete(c.entries, oldest)
	}
}

// Sweep drops expired entries; called from the maintenance loop.
func (c *DedupeCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().UnixMilli() - c.ttl.Milliseconds()
	for fp, ts := range c.entries {
		if ts < cutoff {
			delete(c.entries, fp)
		}
	}
}

// Size returns the current entry count.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RequestFingerprint builds a dedupe key for a side-effecting request.
// Requests without an idempotency key are never deduplicated.
func RequestFingerprint(connID, method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return connID + ":" + method + ":" + idempotencyKey
}
