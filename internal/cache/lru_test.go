package cache

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewLRUCache(t *testing.T) {
	tests := []struct {
		name   string
		config *CacheConfig
		want   int64
	}{
		{name: "nil config uses defaults", config: nil, want: 64 * 1024 * 1024},
		{name: "custom config applied", config: &CacheConfig{MaxSize: 1024, MaxEntries: 4}, want: 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := NewLRUCache(tt.config)
			if cache.capacity != tt.want {
				t.Errorf("expected capacity %d, got %d", tt.want, cache.capacity)
			}
			if cache.Stats().Capacity != tt.want {
				t.Errorf("expected stats capacity %d, got %d", tt.want, cache.Stats().Capacity)
			}
		})
	}
}

func TestLRUCache_GetPut(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxSize: 1024})

	if _, ok := cache.Get("missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Put("chunk-a", []byte("hello"))
	got, ok := cache.Get("chunk-a")
	if !ok || string(got) != "hello" {
		t.Fatalf("expected hello, got %q (ok=%v)", got, ok)
	}

	// callers receive a private copy
	got[0] = 'j'
	again, _ := cache.Get("chunk-a")
	if string(again) != "hello" {
		t.Errorf("cached data was modified through a returned slice: %q", again)
	}

	cache.Put("chunk-a", []byte("hi"))
	if cache.Size() != 2 {
		t.Errorf("expected size 2 after overwrite, got %d", cache.Size())
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxSize: 30})

	cache.Put("a", make([]byte, 10))
	cache.Put("b", make([]byte, 10))
	cache.Put("c", make([]byte, 10))

	// touch a so that b becomes the oldest
	if _, ok := cache.Get("a"); !ok {
		t.Fatal("expected a to be cached")
	}
	cache.Put("d", make([]byte, 10))

	if _, ok := cache.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := cache.Get(key); !ok {
			t.Errorf("expected %s to be cached", key)
		}
	}
	if cache.Size() != 30 {
		t.Errorf("expected size 30, got %d", cache.Size())
	}
}

func TestLRUCache_MaxEntriesAndOversize(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxSize: 100, MaxEntries: 2})

	cache.Put("a", []byte("1"))
	cache.Put("b", []byte("2"))
	cache.Put("c", []byte("3"))
	if cache.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cache.Len())
	}

	cache.Put("huge", make([]byte, 101))
	if _, ok := cache.Get("huge"); ok {
		t.Error("item larger than the cache should not be stored")
	}
}

func TestLRUCache_DeleteClearResize(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxSize: 100})
	for i := 0; i < 5; i++ {
		cache.Put(fmt.Sprintf("k%d", i), make([]byte, 10))
	}

	cache.Delete("k0")
	if _, ok := cache.Get("k0"); ok {
		t.Error("expected k0 to be deleted")
	}

	cache.Resize(20)
	if cache.Len() != 2 || cache.Size() != 20 {
		t.Errorf("expected 2 items / 20 bytes after resize, got %d / %d", cache.Len(), cache.Size())
	}

	cache.Clear()
	if cache.Len() != 0 || cache.Size() != 0 {
		t.Error("expected empty cache after Clear")
	}
}

func TestLRUCache_Concurrent(t *testing.T) {
	cache := NewLRUCache(&CacheConfig{MaxSize: 1 << 20})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-%d", g, i%16)
				cache.Put(key, []byte(key))
				if data, ok := cache.Get(key); ok && string(data) != key {
					t.Errorf("corrupted value for %s: %q", key, data)
				}
			}
		}(g)
	}
	wg.Wait()
}
