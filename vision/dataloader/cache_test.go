package dataloader

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// TestCacheManagerLRUEviction tests LRU eviction policy
func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(3, 1)

	cm.Put("key1", []float32{1.0})
	cm.Put("key2", []float32{2.0})
	cm.Put("key3", []float32{3.0})

	// Access key1 to make it most recently used
	cm.Get("key1")

	// Add fourth item - should evict key2 (oldest unused)
	cm.Put("key4", []float32{4.0})

	if cm.Len() != 3 {
		t.Errorf("Expected cache size 3 after eviction, got %d", cm.Len())
	}
	if _, exists := cm.Get("key2"); exists {
		t.Error("key2 should have been evicted")
	}
	for _, k := range []string{"key1", "key3", "key4"} {
		if _, exists := cm.Get(k); !exists {
			t.Errorf("%s should still exist", k)
		}
	}
	if cm.Stats().Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", cm.Stats().Evictions)
	}
}

// TestCacheManagerPutExisting tests putting to existing keys
func TestCacheManagerPutExisting(t *testing.T) {
	cm := NewCacheManager(3, 1)
	cm.Put("key1", []float32{1.0})
	cm.Put("key1", []float32{2.0})

	if cm.Len() != 1 {
		t.Errorf("Expected cache size to remain 1, got %d", cm.Len())
	}
	if data, _ := cm.Get("key1"); data[0] != 2.0 {
		t.Errorf("re-put should replace the data, got %v", data)
	}
}

func TestCacheManagerRejectsWrongItemSize(t *testing.T) {
	cm := NewCacheManager(3, 4)
	cm.Put("short", []float32{1, 2})
	if _, ok := cm.Peek("short"); ok {
		t.Error("item of the wrong size should not be stored")
	}
	if cm.Stats().Rejected != 1 {
		t.Errorf("Expected 1 rejected item, got %d", cm.Stats().Rejected)
	}

	any := NewCacheManager(3, 0)
	any.Put("short", []float32{1, 2})
	if _, ok := any.Peek("short"); !ok {
		t.Error("zero item size should accept any length")
	}
}

func TestCacheManagerPeekDoesNotCount(t *testing.T) {
	cm := NewCacheManager(2, 1)
	cm.Put("a", []float32{1})
	cm.Put("b", []float32{2})

	cm.Peek("a")
	cm.Put("c", []float32{3})

	// Peek did not refresh "a", so it was the LRU entry
	if _, ok := cm.Peek("a"); ok {
		t.Error("a should have been evicted")
	}
	if s := cm.Stats(); s.Hits != 0 || s.Misses != 0 {
		t.Errorf("Peek changed statistics: %+v", s)
	}
}

// TestCacheManagerStats tests statistics calculation
func TestCacheManagerStats(t *testing.T) {
	cm := NewCacheManager(5, 1)
	if cm.Stats().HitRate != 0 {
		t.Errorf("Expected initial hit rate 0, got %f", cm.Stats().HitRate)
	}

	cm.Put("key1", []float32{1})
	cm.Get("key1")
	cm.Get("key1")
	cm.Get("key1")
	cm.Get("missing")

	stats := cm.Stats()
	if stats.Hits != 3 || stats.Misses != 1 || stats.HitRate != 75 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !strings.Contains(stats.String(), "Hit Rate: 75.0%") {
		t.Errorf("String() = %q", stats.String())
	}

	cm.Clear()
	if cm.Len() != 0 || cm.Stats().Hits != 3 {
		t.Errorf("Clear should drop items but keep statistics")
	}
	cm.ResetStats()
	if cm.Stats().Hits != 0 {
		t.Errorf("ResetStats did not reset")
	}
}

// TestCacheManagerConcurrency tests thread safety
func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(100, 2)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key_%d_%d", id, j)
				cm.Put(key, []float32{float32(id), float32(j)})
				if data, ok := cm.Get(key); ok && (data[0] != float32(id) || data[1] != float32(j)) {
					t.Errorf("Data corruption detected for key %s", key)
				}
			}
		}(i)
	}
	wg.Wait()

	if cm.Len() != 100 {
		t.Errorf("Expected a full cache, got %d items", cm.Len())
	}
}

func TestSharedCacheManager(t *testing.T) {
	scm := NewSharedCacheManager()
	key := CacheKey("/data/ChestXRay-250", 64)

	a := scm.GetOrCreateCache(key, 10, 64*64)
	b := scm.GetOrCreateCache(key, 99, 1)
	if a != b {
		t.Error("same name should return the same cache")
	}
	if scm.GetOrCreateCache(CacheKey("/data/ChestXRay-250", 32), 10, 32*32) == a {
		t.Error("different image size should get its own cache")
	}

	a.Put("x", make([]float32, 64*64))
	scm.ClearAllCaches()
	if a.Len() != 0 {
		t.Error("ClearAllCaches should empty every cache")
	}

	scm.RemoveCache(key)
	if scm.Len() != 1 {
		t.Errorf("Expected 1 cache after removal, got %d", scm.Len())
	}
}
