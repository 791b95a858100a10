package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/hearth/hearth/pkg/storage"
)

// HotCache is the in-process LRU of recently used memory records, bounded
// by entry count. It stores and returns copies.
type HotCache struct {
	mu        sync.Mutex
	maxSize   int
	items     map[string]*list.Element
	eviction  *list.List
	hits      int64
	misses    int64
	evictions int64
}

// NewHotCache creates a hot cache holding at most maxSize records.
func NewHotCache(maxSize int) *HotCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &HotCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// Get returns a copy of the record and promotes it to the front.
func (c *HotCache) Get(id string) (*storage.Memory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.eviction.MoveToFront(elem)
		c.hits++
		return elem.Value.(*storage.Memory).Clone(), true
	}
	c.misses++
	return nil, false
}

// Put adds or replaces a record and reports whether another one was evicted.
func (c *HotCache) Put(m *storage.Memory) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[m.ID]; ok {
		c.eviction.MoveToFront(elem)
		elem.Value = m.Clone()
		return false
	}

	evicted := false
	if c.eviction.Len() >= c.maxSize {
		evicted = c.evictOldest()
	}
	c.items[m.ID] = c.eviction.PushFront(m.Clone())
	return evicted
}

// Touch updates LastAccessedAt of cached records without changing their
// LRU position.
func (c *HotCache) Touch(ids []string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if elem, ok := c.items[id]; ok {
			elem.Value.(*storage.Memory).LastAccessedAt = at
		}
	}
}

// Delete removes a record.
func (c *HotCache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[id]; ok {
		c.eviction.Remove(elem)
		delete(c.items, id)
	}
}

// Len returns the number of cached records.
func (c *HotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the hot cache counters.
func (c *HotCache) Stats() LevelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return newLevelStats(c.hits, c.misses, len(c.items), c.evictions)
}

func (c *HotCache) evictOldest() bool {
	back := c.eviction.Back()
	if back == nil {
		return false
	}
	c.eviction.Remove(back)
	delete(c.items, back.Value.(*storage.Memory).ID)
	c.evictions++
	return true
}
