// Package ttl provides the bounded-lifetime maps the autoscaler uses as
// soft safety nets: debounce counters, pending creates and dedup
// markers.  None of them is a source of truth; every entry expires on its
// own and all state is rebuilt from nothing on restart.
package ttl

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is a key/value map whose entries expire ttl after they were last
// written.  Reads do not extend an entry's lifetime.
type Cache[K comparable, V any] struct {
	c *ttlcache.Cache[K, V]
}

// NewCache creates a Cache and starts its expiry loop.  Call Stop to
// release it.
func NewCache[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	c := ttlcache.New(
		ttlcache.WithTTL[K, V](ttl),
		ttlcache.WithDisableTouchOnHit[K, V](),
	)
	go c.Start()
	return &Cache[K, V]{c: c}
}

// Get returns the live value for key.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	item := c.c.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Has reports whether key holds a live value.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key and restarts its lifetime.
func (c *Cache[K, V]) Set(key K, value V) {
	c.c.Set(key, value, ttlcache.DefaultTTL)
}

// GetOrSet atomically returns the live value for key, or stores value if
// there is none.  loaded reports whether the value was already present.
func (c *Cache[K, V]) GetOrSet(key K, value V) (actual V, loaded bool) {
	item, loaded := c.c.GetOrSet(key, value)
	return item.Value(), loaded
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.c.Delete(key)
}

// Range calls fn for each live entry until fn returns false.  It works on
// a snapshot, so fn may modify the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	for key, item := range c.c.Items() {
		if item.IsExpired() {
			continue
		}
		if !fn(key, item.Value()) {
			return
		}
	}
}

// Len returns the number of entries, including ones not yet swept.
func (c *Cache[K, V]) Len() int {
	return c.c.Len()
}

// Stop ends the expiry loop.
func (c *Cache[K, V]) Stop() {
	c.c.Stop()
}

// Counter counts repeated sightings of a key within a window.  Every
// increment restarts the window, so a key that stops being seen expires
// ttl after its last sighting.  Each entry also keeps the most recent
// subject it was incremented with.
type Counter[K comparable, V any] struct {
	mu sync.Mutex
	c  *ttlcache.Cache[K, Tally[V]]
}

// Tally is a Counter entry.
type Tally[V any] struct {
	Count   int
	Subject V
}

// NewCounter creates a Counter and starts its expiry loop.
func NewCounter[K comparable, V any](ttl time.Duration) *Counter[K, V] {
	c := ttlcache.New(
		ttlcache.WithTTL[K, Tally[V]](ttl),
		ttlcache.WithDisableTouchOnHit[K, Tally[V]](),
	)
	go c.Start()
	return &Counter[K, V]{c: c}
}

// Increment adds one to key's count, records subject, and returns the new
// count.
func (c *Counter[K, V]) Increment(key K, subject V) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Tally[V]{Subject: subject}
	if item := c.c.Get(key); item != nil && !item.IsExpired() {
		t.Count = item.Value().Count
	}
	t.Count++
	c.c.Set(key, t, ttlcache.DefaultTTL)
	return t.Count
}

// Count returns key's current count.
func (c *Counter[K, V]) Count(key K) int {
	item := c.c.Get(key)
	if item == nil || item.IsExpired() {
		return 0
	}
	return item.Value().Count
}

// TakeAtLeast removes and returns every entry whose count has reached
// threshold.  An entry is returned by at most one call.
func (c *Counter[K, V]) TakeAtLeast(threshold int) map[K]Tally[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[K]Tally[V])
	for key, item := range c.c.Items() {
		if item.IsExpired() {
			continue
		}
		if t := item.Value(); t.Count >= threshold {
			out[key] = t
		}
	}
	for key := range out {
		c.c.Delete(key)
	}
	return out
}

// Delete clears key's count.
func (c *Counter[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.c.Delete(key)
}

// Len returns the number of tracked keys.
func (c *Counter[K, V]) Len() int {
	return c.c.Len()
}

// Stop ends the expiry loop.
func (c *Counter[K, V]) Stop() {
	c.c.Stop()
}
