package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryTokenCache is an in-process LRU+TTL cache of TokenEntry, adapted
// from the teacher's MemoryCache: same eviction and cleanup-goroutine
// shape, specialized to store TokenEntry values directly instead of raw
// bytes since nothing here needs generic byte storage.
type MemoryTokenCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	maxEntries int
}

type memoryTokenEntry struct {
	accountID string
	entry     TokenEntry
}

// NewMemoryTokenCache builds a bounded in-memory cache with periodic
// expired-entry cleanup, mirroring the teacher's 1-minute sweep cadence.
func NewMemoryTokenCache(maxEntries int) *MemoryTokenCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	c := &MemoryTokenCache{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
	go c.cleanupExpired()
	return c
}

func (c *MemoryTokenCache) Get(ctx context.Context, accountID string) (TokenEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[accountID]
	if !ok {
		return TokenEntry{}, false
	}
	e := elem.Value.(*memoryTokenEntry)
	if time.Now().After(e.entry.ExpiresAt) {
		c.removeElement(elem)
		return TokenEntry{}, false
	}
	c.lru.MoveToFront(elem)
	return e.entry, true
}

func (c *MemoryTokenCache) Set(ctx context.Context, accountID string, entry TokenEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[accountID]; exists {
		elem.Value.(*memoryTokenEntry).entry = entry
		c.lru.MoveToFront(elem)
		return
	}

	if c.lru.Len() >= c.maxEntries {
		c.evictOldest()
	}

	elem := c.lru.PushFront(&memoryTokenEntry{accountID: accountID, entry: entry})
	c.entries[accountID] = elem
}

func (c *MemoryTokenCache) evictOldest() {
	elem := c.lru.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}

func (c *MemoryTokenCache) removeElement(elem *list.Element) {
	e := elem.Value.(*memoryTokenEntry)
	delete(c.entries, e.accountID)
	c.lru.Remove(elem)
}

func (c *MemoryTokenCache) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		var expired []*list.Element
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			if now.After(elem.Value.(*memoryTokenEntry).entry.ExpiresAt) {
				expired = append(expired, elem)
			}
		}
		for _, elem := range expired {
			c.removeElement(elem)
		}
		c.mu.Unlock()
	}
}
