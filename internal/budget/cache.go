package budget

import (
	"container/list"
	"sync"
	"time"

	"budgetsync/internal/core"
)

// lookupCache is a small LRU with TTL for budget definitions. It caches
// negative lookups as well: most (user, category, period) keys have no
// budget and hitting the store for every applied event would dominate the
// apply path.
type lookupCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[core.AggregateKey]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key       core.AggregateKey
	budget    core.Budget
	found     bool
	expiresAt time.Time
}

func newLookupCache(maxSize int, ttl time.Duration) *lookupCache {
	return &lookupCache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[core.AggregateKey]*list.Element),
		order:   list.New(),
	}
}

// get returns the cached budget, whether a budget exists for the key, and
// whether the cache had a live entry at all.
func (c *lookupCache) get(key core.AggregateKey) (core.Budget, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return core.Budget{}, false, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.remove(elem)
		return core.Budget{}, false, false
	}
	c.order.MoveToFront(elem)
	return entry.budget, entry.found, true
}

func (c *lookupCache) put(key core.AggregateKey, b core.Budget, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{
		key:       key,
		budget:    b,
		found:     found,
		expiresAt: time.Now().Add(c.ttl),
	}
	if elem, ok := c.items[key]; ok {
		elem.Value = entry
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(entry)

	if c.order.Len() > c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
		}
	}
}

func (c *lookupCache) drop(key core.AggregateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
}

func (c *lookupCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.order.Remove(elem)
}

func (c *lookupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
