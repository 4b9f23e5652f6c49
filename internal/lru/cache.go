// Package lru implements a generic, thread-safe LRU cache with an eviction
// callback.
//
// Get, Put, Delete and Len are O(1): a map for lookup plus a doubly linked
// list for recency order.
package lru

import "sync"

// node is a doubly linked list node holding a key-value pair.
type node[K comparable, V any] struct {
	key  K
	val  V
	prev *node[K, V]
	next *node[K, V]
}

// Stats counts cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithOnEvict registers fn to run for every capacity eviction. It runs after
// the cache lock is released, so it may call back into the cache.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// Cache is a generic, thread-safe LRU cache.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)
	onEvict  func(K, V)
	stats    Stats
}

// New creates an LRU cache with the given capacity.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	c := &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a value by key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}

	c.stats.Hits++
	c.moveToFront(n)
	return n.val, true
}

// Put inserts or updates a key-value pair. At capacity the least recently
// used entry is evicted and returned.
func (c *Cache[K, V]) Put(key K, val V) (K, V, bool) {
	c.mu.Lock()

	var (
		evictedKey K
		evictedVal V
		evicted    bool
	)

	if n, ok := c.items[key]; ok {
		n.val = val
		c.moveToFront(n)
		c.mu.Unlock()
		return evictedKey, evictedVal, false
	}

	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
		evictedKey, evictedVal, evicted = victim.key, victim.val, true
		c.stats.Evictions++
	}

	n := &node[K, V]{key: key, val: val}
	c.items[key] = n
	c.pushFront(n)
	onEvict := c.onEvict
	c.mu.Unlock()

	if evicted && onEvict != nil {
		onEvict(evictedKey, evictedVal)
	}
	return evictedKey, evictedVal, evicted
}

// Delete removes a key and returns its value if it existed.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	c.remove(n)
	delete(c.items, key)
	return n.val, true
}

// Len returns the current number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Peek retrieves a value without updating access order.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return n.val, true
}

// Keys returns all keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		keys = append(keys, cur.key)
	}
	return keys
}

// Drain empties the cache and returns the values, most recent first. The
// eviction callback is not called.
func (c *Cache[K, V]) Drain() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	vals := make([]V, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		vals = append(vals, cur.val)
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V], c.capacity)
	return vals
}

// Stats returns a copy of the activity counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// --- internal linked list operations (caller must hold lock) ---

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
