package cache

import (
	"container/list"
	"sync"

	"github.com/agentharbor/agentfs/pkg/types"
)

// LRUCache is a thread-safe, byte-bounded LRU cache of immutable blobs
// keyed by string. The content store uses it to keep recently rehydrated
// spilled chunks in memory without counting them as resident content.
type LRUCache struct {
	mu          sync.Mutex
	capacity    int64
	currentSize int64
	items       map[string]*cacheItem
	evictList   *list.List

	// Configuration
	config *CacheConfig

	// Statistics
	stats types.CacheStats
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	// MaxSize bounds the total bytes held; zero disables caching
	MaxSize int64 `yaml:"max_size"`
	// MaxEntries bounds the number of items; zero means unbounded
	MaxEntries int `yaml:"max_entries"`
}

type cacheItem struct {
	key     string
	data    []byte
	element *list.Element
}

// NewLRUCache creates a new LRU cache
func NewLRUCache(config *CacheConfig) *LRUCache {
	if config == nil {
		config = &CacheConfig{
			MaxSize: 64 * 1024 * 1024, // 64MB
		}
	}

	return &LRUCache{
		capacity:  config.MaxSize,
		items:     make(map[string]*cacheItem),
		evictList: list.New(),
		config:    config,
		stats: types.CacheStats{
			Capacity: config.MaxSize,
		},
	}
}

// Get returns a copy of the cached data for key.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		c.stats.Misses++
		c.updateHitRate()
		return nil, false
	}

	c.evictList.MoveToFront(item.element)
	c.stats.Hits++
	c.updateHitRate()

	result := make([]byte, len(item.data))
	copy(result, item.data)
	return result, true
}

// Put stores a copy of data under key. Items larger than the whole cache
// are not stored.
func (c *LRUCache) Put(key string, data []byte) {
	size := int64(len(data))
	if size == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.capacity {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	if item, exists := c.items[key]; exists {
		c.currentSize += size - int64(len(item.data))
		item.data = buf
		c.evictList.MoveToFront(item.element)
		c.evictIfNeeded()
		return
	}

	item := &cacheItem{key: key, data: buf}
	item.element = c.evictList.PushFront(item)
	c.items[key] = item
	c.currentSize += size

	c.evictIfNeeded()
}

// Delete removes key from the cache
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		c.removeItem(item)
	}
}

// Size returns the current cache size in bytes
func (c *LRUCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Len returns the number of cached items
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *LRUCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.currentSize
	if c.capacity > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.capacity)
	}
	return stats
}

// Clear clears all items from the cache
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Evictions += uint64(len(c.items))
	c.items = make(map[string]*cacheItem)
	c.evictList.Init()
	c.currentSize = 0
}

// Resize changes the cache capacity
func (c *LRUCache) Resize(newCapacity int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = newCapacity
	c.stats.Capacity = newCapacity
	c.evictIfNeeded()
}

func (c *LRUCache) removeItem(item *cacheItem) {
	c.evictList.Remove(item.element)
	delete(c.items, item.key)
	c.currentSize -= int64(len(item.data))
	c.stats.Evictions++
}

func (c *LRUCache) evictIfNeeded() {
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		c.evictOldest()
	}

	if maxEntries := c.config.MaxEntries; maxEntries > 0 {
		for len(c.items) > maxEntries && c.evictList.Len() > 0 {
			c.evictOldest()
		}
	}
}

func (c *LRUCache) evictOldest() {
	element := c.evictList.Back()
	if element == nil {
		return
	}
	c.removeItem(element.Value.(*cacheItem))
}

func (c *LRUCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}
