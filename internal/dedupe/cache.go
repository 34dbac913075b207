// ABOUTME: Thread-safe TTL cache for deduplicating Matrix events.
// ABOUTME: The homeserver redelivers events across reconnects; seen event IDs are dropped.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached event ID.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently seen event IDs so a redelivered event is processed
// at most once. Entries expire after a TTL and the cache is size-limited;
// a doubly-linked list maintains insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // event IDs in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen atomically checks whether the event ID was already recorded and
// records it if not. Returns true for a duplicate. The check and the mark
// are one critical section, so two deliveries of the same event cannot
// both pass.
func (c *Cache) Seen(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[eventID]; ok && time.Since(entry.timestamp) < c.ttl {
		return true
	}

	now := time.Now()
	if entry, exists := c.seen[eventID]; exists {
		// Expired entry being refreshed
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(eventID)
	c.seen[eventID] = &cacheEntry{timestamp: now, element: elem}
	return false
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup periodically removes expired entries until Close.
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

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
