package memory

import (
	"container/list"
	"sync"

	"swarm/pkg/protocol"
)

// EvictFunc is invoked for every entry evicted from the cache. Eviction only
// drops the in-memory copy; durable data is untouched.
type EvictFunc func(entry protocol.MemoryEntry)

// cacheItem stores the entry and its list element for O(1) recency updates.
type cacheItem struct {
	entry   protocol.MemoryEntry
	element *list.Element
}

// lruCache is a bounded in-memory view over the durable backend. It is
// limited by entry count and aggregate content bytes, whichever triggers
// first; the least-recently-used entry is evicted to make room. Uses a
// doubly-linked list to maintain recency order for O(1) eviction.
type lruCache struct {
	mu         sync.Mutex
	items      map[string]*cacheItem
	order      *list.List // recency order, least-recently-used at front
	maxEntries int
	maxBytes   int
	curBytes   int
	onEvict    EvictFunc
}

// newLRUCache creates a cache bounded at maxEntries and maxBytes. A zero
// bound disables that limit; onEvict may be nil.
func newLRUCache(maxEntries, maxBytes int, onEvict EvictFunc) *lruCache {
	return &lruCache{
		items:      make(map[string]*cacheItem),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		onEvict:    onEvict,
	}
}

// Put inserts an entry, evicting least-recently-used entries as needed.
// Re-inserting an existing id refreshes its recency.
func (c *lruCache) Put(entry protocol.MemoryEntry) {
	c.mu.Lock()

	if item, ok := c.items[entry.ID]; ok {
		c.curBytes += entry.Size() - item.entry.Size()
		item.entry = entry
		c.order.MoveToBack(item.element)
		evicted := c.evictOverflow()
		c.mu.Unlock()
		c.notify(evicted)
		return
	}

	elem := c.order.PushBack(entry.ID)
	c.items[entry.ID] = &cacheItem{entry: entry, element: elem}
	c.curBytes += entry.Size()

	evicted := c.evictOverflow()
	c.mu.Unlock()
	c.notify(evicted)
}

// evictOverflow removes least-recently-used entries until both bounds hold.
// Must be called with mu held; returns the evicted entries.
func (c *lruCache) evictOverflow() []protocol.MemoryEntry {
	var evicted []protocol.MemoryEntry
	for c.overLimit() {
		front := c.order.Front()
		if front == nil {
			break
		}
		id, _ := front.Value.(string)
		item := c.items[id]
		c.order.Remove(front)
		delete(c.items, id)
		c.curBytes -= item.entry.Size()
		evicted = append(evicted, item.entry)
	}
	return evicted
}

func (c *lruCache) overLimit() bool {
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		return true
	}
	if c.maxBytes > 0 && c.curBytes > c.maxBytes {
		return true
	}
	return false
}

func (c *lruCache) notify(evicted []protocol.MemoryEntry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e)
	}
}

// Get returns the entry for id and refreshes its recency.
func (c *lruCache) Get(id string) (protocol.MemoryEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return protocol.MemoryEntry{}, false
	}
	c.order.MoveToBack(item.element)
	return item.entry, true
}

// Delete removes an entry without invoking the eviction callback.
func (c *lruCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return
	}
	c.order.Remove(item.element)
	delete(c.items, id)
	c.curBytes -= item.entry.Size()
}

// Entries returns a snapshot of all cached entries in most-recently-used
// first order.
func (c *lruCache) Entries() []protocol.MemoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MemoryEntry, 0, len(c.items))
	for e := c.order.Back(); e != nil; e = e.Prev() {
		id, _ := e.Value.(string)
		out = append(out, c.items[id].entry)
	}
	return out
}

// Len returns the number of cached entries.
func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the aggregate content size of cached entries.
func (c *lruCache) Bytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
