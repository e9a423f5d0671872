package dataloader

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager is an LRU cache of decoded images keyed by file path
type CacheManager struct {
	mu        sync.Mutex
	cache     map[string]*list.Element
	lru       *list.List
	maxSize   int
	itemSize  int // expected length of each item; zero accepts any length
	rejected  int64
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxSize items
func NewCacheManager(maxSize int, itemSize int) *CacheManager {
	return &CacheManager{
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
		maxSize:  maxSize,
		itemSize: itemSize,
	}
}

// Get retrieves an item and marks it most recently used
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.cache[key]; ok {
		cm.lru.MoveToFront(elem)
		cm.hits++
		return elem.Value.(*cacheEntry).data, true
	}

	cm.misses++
	return nil, false
}

// Peek reports whether key is cached without touching recency or statistics
func (cm *CacheManager) Peek(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, ok := cm.cache[key]; ok {
		return elem.Value.(*cacheEntry).data, true
	}
	return nil, false
}

// Put adds an item, evicting the least recently used entries beyond
// maxSize. Items whose length differs from itemSize are not stored.
func (cm *CacheManager) Put(key string, data []float32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.itemSize > 0 && len(data) != cm.itemSize {
		cm.rejected++
		return
	}

	if elem, ok := cm.cache[key]; ok {
		elem.Value.(*cacheEntry).data = data
		cm.lru.MoveToFront(elem)
		return
	}

	cm.cache[key] = cm.lru.PushFront(&cacheEntry{key: key, data: data})

	for cm.maxSize > 0 && cm.lru.Len() > cm.maxSize {
		cm.removeElement(cm.lru.Back())
		cm.evictions++
	}
}

func (cm *CacheManager) removeElement(elem *list.Element) {
	cm.lru.Remove(elem)
	delete(cm.cache, elem.Value.(*cacheEntry).key)
}

// Len returns the number of cached items
func (cm *CacheManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lru.Len()
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:      cm.lru.Len(),
		MaxSize:   cm.maxSize,
		Hits:      cm.hits,
		Misses:    cm.misses,
		Evictions: cm.evictions,
		Rejected:  cm.rejected,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every item. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.cache = make(map[string]*list.Element)
	cm.lru.Init()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
	cm.evictions = 0
	cm.rejected = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	Rejected  int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
