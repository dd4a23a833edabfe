package binance

import (
	"sync"
	"time"
)

// DepthCache holds the latest snapshot per symbol. A snapshot is "fresh"
// within the TTL and still "serveable" up to twice the TTL; the REST layer
// uses the wider window as a fallback when the upstream is unavailable.
type DepthCache struct {
	snapshots sync.Map // symbol -> *cachedSnapshot
	ttl       time.Duration

	statsMu   sync.Mutex
	hitCount  int64
	missCount int64
}

type cachedSnapshot struct {
	snap      *DepthSnapshot
	updatedAt time.Time
}

// NewDepthCache creates a cache with the given freshness TTL.
func NewDepthCache(ttl time.Duration) *DepthCache {
	return &DepthCache{ttl: ttl}
}

// Get returns the cached snapshot and its age. ok is false when the symbol
// has never been cached. Reads never mutate the cache.
func (c *DepthCache) Get(symbol string) (snap *DepthSnapshot, age time.Duration, ok bool) {
	val, found := c.snapshots.Load(symbol)
	if !found {
		c.recordMiss()
		return nil, 0, false
	}
	cached := val.(*cachedSnapshot)
	c.recordHit()
	return cached.snap, time.Since(cached.updatedAt), true
}

// Put overwrites the snapshot for symbol unconditionally and stamps CachedAt.
func (c *DepthCache) Put(symbol string, snap *DepthSnapshot) {
	now := time.Now()
	snap.CachedAt = now.UnixMilli()
	c.snapshots.Store(symbol, &cachedSnapshot{snap: snap, updatedAt: now})
}

// Fresh reports whether age is within the TTL.
func (c *DepthCache) Fresh(age time.Duration) bool {
	return age <= c.ttl
}

// Serveable reports whether age is within twice the TTL.
func (c *DepthCache) Serveable(age time.Duration) bool {
	return age <= 2*c.ttl
}

// Size returns the number of cached symbols.
func (c *DepthCache) Size() int {
	n := 0
	c.snapshots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns hit/miss counters since start.
func (c *DepthCache) Stats() (hits, misses int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.hitCount, c.missCount
}

func (c *DepthCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *DepthCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}
