package embedding

import (
	"container/list"
	"sync"
	"time"
)

// LRU is a bounded vector cache. Reads update recency, so every access takes
// the write lock.
type LRU struct {
	mu      sync.Mutex
	ll      *list.List
	items   map[string]*list.Element
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits   uint64
	misses uint64
}

type lruEntry struct {
	key        string
	vec        []float64
	insertedAt time.Time
}

// NewLRU creates a cache holding at most maxSize vectors. ttl <= 0 disables expiry.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LRU{
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *LRU) Get(key string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if c.ttl > 0 && c.now().Sub(entry.insertedAt) > c.ttl {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return entry.vec, true
}

func (c *LRU) Add(key string, vec []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.vec = vec
		entry.insertedAt = c.now()
		c.ll.MoveToFront(el)
		return
	}
	for c.ll.Len() >= c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	c.items[key] = c.ll.PushFront(&lruEntry{key: key, vec: vec, insertedAt: c.now()})
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns hit and miss counts since creation.
func (c *LRU) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
