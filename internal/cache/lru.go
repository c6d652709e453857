package cache

import (
	"container/list"
	"sync"
)

// LRU is a size-bounded least-recently-used cache. Entries never expire on
// their own; callers key them by everything the value depends on.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[K]*list.Element
	lru     *list.List
	stats   Stats
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU creates a cache holding at most maxSize entries. A maxSize below 1
// is treated as 1.
func NewLRU[K comparable, V any](maxSize int) *LRU[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LRU[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element),
		lru:     list.New(),
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	c.lru.MoveToFront(elem)
	return elem.Value.(*entry[K, V]).value, true
}

func (c *LRU[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		c.lru.MoveToFront(elem)
		return
	}

	c.items[key] = c.lru.PushFront(&entry[K, V]{key: key, value: value})
	if c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		delete(c.items, oldest.Value.(*entry[K, V]).key)
		c.lru.Remove(oldest)
		c.stats.Evictions++
	}
}

// Purge drops every entry and resets the counters.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.lru.Init()
	c.stats = Stats{}
}

func (c *LRU[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

var _ Cache[string, int] = (*LRU[string, int])(nil)
