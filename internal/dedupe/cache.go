// ABOUTME: Thread-safe TTL cache mapping idempotency keys to request ids.
// ABOUTME: Used by the HTTP API and NATS ingress to collapse duplicate submissions.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the request id, the time it was stored, and the list
// element for a cached key.
type cacheEntry struct {
	requestID string
	storedAt  time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map from idempotency key to
// the request id created for it. A doubly-linked list keeps insertion order
// for O(1) eviction of the oldest key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Lookup returns the request id stored for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.expired(entry) {
		return "", false
	}
	return entry.requestID, true
}

// LoadOrStore returns the live request id for key if there is one (loaded is
// true). Otherwise it stores requestID and returns it. The check and the store
// are atomic, so concurrent duplicates agree on a single winner.
func (c *Cache) LoadOrStore(key, requestID string) (actual string, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		if !c.expired(entry) {
			return entry.requestID, true
		}
		c.removeLocked(key, entry)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		requestID: requestID,
		storedAt:  c.now(),
		element:   elem,
	}
	return requestID, false
}

// Forget drops key, e.g. when the request it points to could not be created.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.removeLocked(key, entry)
	}
}

// Len returns the number of stored keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.now().Sub(entry.storedAt) >= c.ttl
}

// Must be called with mu held.
func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, key)
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if c.expired(entry) {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
