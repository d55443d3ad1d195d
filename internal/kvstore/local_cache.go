package kvstore

import (
	"container/list"
	"sync"
	"time"
)

// DefaultLocalCacheSize bounds the in-process market-data cache.
const DefaultLocalCacheSize = 1000

type localEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// LocalCache is a bounded in-process cache in front of Redis for hot market
// reads. When full, the oldest inserted entry is evicted.
type LocalCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = oldest inserted
}

// NewLocalCache returns a cache holding at most maxSize entries.
func NewLocalCache(maxSize int) *LocalCache {
	if maxSize <= 0 {
		maxSize = DefaultLocalCacheSize
	}
	return &LocalCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Put stores data under key for ttl. Re-inserting an existing key refreshes
// its payload but keeps its insertion slot.
func (c *LocalCache) Put(key string, data []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*localEntry)
		entry.data = data
		entry.expiresAt = expiresAt
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*localEntry).key)
		}
	}

	el := c.order.PushBack(&localEntry{key: key, data: data, expiresAt: expiresAt})
	c.entries[key] = el
}

// Get returns the cached payload if present and unexpired.
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	entry := el.Value.(*localEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}

	return entry.data, true
}

// Len returns the number of live entries, expired ones included until read.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
