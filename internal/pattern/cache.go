package pattern

import "container/list"

type cacheKey struct {
	kind Kind
	raw  string
}

// fifoCache evicts the oldest inserted entry once full. Lookups don't
// reorder entries. Not safe for concurrent use; Matcher holds the lock.
type fifoCache struct {
	cap   int
	order *list.List
	items map[cacheKey]*list.Element

	hits, misses, evictions uint64
}

type cacheEntry struct {
	key cacheKey
	val *CompiledPattern
}

func newFIFOCache(capacity int) *fifoCache {
	if capacity < 1 {
		capacity = 1
	}
	return &fifoCache{cap: capacity, order: list.New(), items: make(map[cacheKey]*list.Element, capacity)}
}

func (c *fifoCache) get(k cacheKey) (*CompiledPattern, bool) {
	if el, ok := c.items[k]; ok {
		c.hits++
		return el.Value.(*cacheEntry).val, true
	}
	c.misses++
	return nil, false
}

func (c *fifoCache) put(k cacheKey, v *CompiledPattern) {
	if el, ok := c.items[k]; ok {
		el.Value.(*cacheEntry).val = v
		return
	}
	for c.order.Len() >= c.cap {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
	c.items[k] = c.order.PushBack(&cacheEntry{key: k, val: v})
}

func (c *fifoCache) len() int { return c.order.Len() }

func (c *fifoCache) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	c.cap = capacity
	for c.order.Len() > c.cap {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
		c.evictions++
	}
}
