package dataloader

import (
	"fmt"
	"sync"
)

// SharedCacheManager hands out named caches so that batches rebuilt over
// the same image folder (one per training-set size) decode each image once
type SharedCacheManager struct {
	mu     sync.Mutex
	caches map[string]*CacheManager
}

// NewSharedCacheManager creates an empty registry
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{caches: make(map[string]*CacheManager)}
}

// CacheKey names the cache for an image folder at a given decode size
func CacheKey(folder string, imageSize int) string {
	return fmt.Sprintf("%s@%d", folder, imageSize)
}

// GetOrCreateCache gets or creates a cache with the given name and parameters
func (scm *SharedCacheManager) GetOrCreateCache(name string, maxSize int, itemSize int) *CacheManager {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	if cache, exists := scm.caches[name]; exists {
		return cache
	}
	cache := NewCacheManager(maxSize, itemSize)
	scm.caches[name] = cache
	return cache
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	for _, cache := range scm.caches {
		cache.Clear()
	}
}

// Len returns the number of named caches
func (scm *SharedCacheManager) Len() int {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	return len(scm.caches)
}
