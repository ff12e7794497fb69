package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

// TestMemoryStore covers the basic key-value contract with placement keys.
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if keys := store.List(); len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}

		if _, err := store.Get("app:users:alice"); err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("put and get values", func(t *testing.T) {
		store := NewMemoryStore()

		doc := []byte(`{"name":"alice","city":"Berlin"}`)
		if err := store.Put("app:users:alice", doc); err != nil {
			t.Fatalf("Failed to put value: %v", err)
		}

		value, err := store.Get("app:users:alice")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(value, doc) {
			t.Errorf("Expected %s, got %s", doc, value)
		}
	})

	t.Run("overwrite existing key", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Put("app:users:alice", []byte("v1")); err != nil {
			t.Fatalf("Failed to put initial value: %v", err)
		}
		if err := store.Put("app:users:alice", []byte("v2")); err != nil {
			t.Fatalf("Failed to overwrite value: %v", err)
		}

		value, err := store.Get("app:users:alice")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(value, []byte("v2")) {
			t.Errorf("Expected 'v2', got %s", value)
		}
	})

	t.Run("delete values", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Put("app:users:alice", []byte("v1")); err != nil {
			t.Fatalf("Failed to put value: %v", err)
		}
		if err := store.Delete("app:users:alice"); err != nil {
			t.Fatalf("Failed to delete value: %v", err)
		}

		if _, err := store.Get("app:users:alice"); err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
		if keys := store.List(); len(keys) != 0 {
			t.Errorf("Expected empty store after delete, got %d keys", len(keys))
		}
	})

	t.Run("delete non-existent key", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Delete("app:users:nobody"); err != nil {
			t.Errorf("Delete of non-existent key should not error, got %v", err)
		}
	})

	t.Run("get returns a copy", func(t *testing.T) {
		store := NewMemoryStore()

		store.Put("app:users:alice", []byte("original"))
		value, _ := store.Get("app:users:alice")
		value[0] = 'X'

		again, _ := store.Get("app:users:alice")
		if !bytes.Equal(again, []byte("original")) {
			t.Errorf("Mutating a returned value leaked into the store: %s", again)
		}
	})

	t.Run("nil value stores as empty", func(t *testing.T) {
		store := NewMemoryStore()

		if err := store.Put("app:users:blank", nil); err != nil {
			t.Fatalf("Failed to put nil value: %v", err)
		}
		value, err := store.Get("app:users:blank")
		if err != nil {
			t.Fatalf("Failed to get nil value: %v", err)
		}
		if value == nil || len(value) != 0 {
			t.Errorf("Expected empty byte slice for nil value, got %v", value)
		}
	})
}

// TestMemoryStoreScan covers sorted range scans and the prefix helper.
func TestMemoryStoreScan(t *testing.T) {
	populate := func() *MemoryStore {
		store := NewMemoryStore()
		for key, value := range map[string]string{
			"app:orders:1001": "order-a",
			"app:orders:1002": "order-b",
			"app:users:alice": "alice",
			"app:users:bob":   "bob",
			"crm:users:carol": "carol",
		} {
			store.Put(key, []byte(value))
		}
		return store
	}

	t.Run("scan collection prefix", func(t *testing.T) {
		store := populate()

		start, end := PrefixRange("app:users:")
		entries := store.Scan(start, end)

		if len(entries) != 2 {
			t.Fatalf("Expected 2 entries, got %d", len(entries))
		}
		// Sorted by key.
		if entries[0].Key != "app:users:alice" || entries[1].Key != "app:users:bob" {
			t.Errorf("Unexpected scan order: %s, %s", entries[0].Key, entries[1].Key)
		}
	})

	t.Run("scan open upper bound", func(t *testing.T) {
		store := populate()

		entries := store.Scan("crm:", "")
		if len(entries) != 1 || entries[0].Key != "crm:users:carol" {
			t.Errorf("Unexpected entries for open-ended scan: %+v", entries)
		}
	})

	t.Run("full scan", func(t *testing.T) {
		store := populate()

		entries := store.Scan("", "")
		if len(entries) != 5 {
			t.Errorf("Expected 5 entries, got %d", len(entries))
		}
		for i := 1; i < len(entries); i++ {
			if entries[i-1].Key >= entries[i].Key {
				t.Errorf("Scan not sorted: %s before %s", entries[i-1].Key, entries[i].Key)
			}
		}
	})

	t.Run("empty range", func(t *testing.T) {
		store := populate()

		if entries := store.Scan("zzz:", ""); len(entries) != 0 {
			t.Errorf("Expected no entries, got %d", len(entries))
		}
	})

	t.Run("scan values are copies", func(t *testing.T) {
		store := populate()

		entries := store.Scan("app:users:alice", "app:users:alicf")
		if len(entries) != 1 {
			t.Fatalf("Expected 1 entry, got %d", len(entries))
		}
		entries[0].Value[0] = 'X'

		value, _ := store.Get("app:users:alice")
		if !bytes.Equal(value, []byte("alice")) {
			t.Errorf("Mutating a scanned value leaked into the store: %s", value)
		}
	})
}

func TestPrefixRange(t *testing.T) {
	tests := []struct {
		prefix    string
		wantStart string
		wantEnd   string
	}{
		{"app:users:", "app:users:", "app:users;"},
		{"a", "a", "b"},
		{"", "", ""},
		{"\xff", "\xff", ""},
	}

	for _, tt := range tests {
		start, end := PrefixRange(tt.prefix)
		if start != tt.wantStart || end != tt.wantEnd {
			t.Errorf("PrefixRange(%q) = (%q, %q), want (%q, %q)",
				tt.prefix, start, end, tt.wantStart, tt.wantEnd)
		}
	}
}

// TestMemoryStoreConcurrency tests thread-safe concurrent access.
func TestMemoryStoreConcurrency(t *testing.T) {
	t.Run("concurrent writes", func(t *testing.T) {
		store := NewMemoryStore()

		numGoroutines := 50
		numOps := 100

		var wg sync.WaitGroup
		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < numOps; j++ {
					key := fmt.Sprintf("app:records:%d-%d", id, j)
					if err := store.Put(key, []byte("v")); err != nil {
						t.Errorf("Failed to put: %v", err)
					}
				}
			}(i)
		}
		wg.Wait()

		if got := store.Stats().Keys; got != numGoroutines*numOps {
			t.Errorf("Expected %d keys, got %d", numGoroutines*numOps, got)
		}
	})

	t.Run("concurrent mixed operations", func(t *testing.T) {
		store := NewMemoryStore()

		var wg sync.WaitGroup
		numGoroutines := 25
		wg.Add(numGoroutines * 4)

		for i := 0; i < numGoroutines; i++ {
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					store.Put(fmt.Sprintf("app:records:%d", j), []byte("v"))
				}
			}(i)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					store.Get(fmt.Sprintf("app:records:%d", j))
				}
			}(i)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 100; j += 10 {
					store.Delete(fmt.Sprintf("app:records:%d", j))
				}
			}(i)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					store.Scan("app:", "app;")
				}
			}(i)
		}
		wg.Wait()

		// Store must still be functional.
		if err := store.Put("app:records:final", []byte("final")); err != nil {
			t.Errorf("Store not functional after concurrent ops: %v", err)
		}
		value, err := store.Get("app:records:final")
		if err != nil || !bytes.Equal(value, []byte("final")) {
			t.Errorf("Final value incorrect after concurrent ops: %s, %v", value, err)
		}
	})
}

// TestStoreInterface verifies MemoryStore satisfies the Store contract.
func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)

	var store Store = NewMemoryStore()
	if err := store.Put("app:cfg:main", []byte("on")); err != nil {
		t.Fatalf("Interface Put failed: %v", err)
	}
	value, err := store.Get("app:cfg:main")
	if err != nil || !bytes.Equal(value, []byte("on")) {
		t.Fatalf("Interface Get failed: %s, %v", value, err)
	}
	if keys := store.List(); len(keys) != 1 {
		t.Errorf("Interface List returned wrong count: %d", len(keys))
	}
	if err := store.Delete("app:cfg:main"); err != nil {
		t.Fatalf("Interface Delete failed: %v", err)
	}
}

// TestMemoryStoreStats tests key and byte accounting.
func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()

	stats := store.Stats()
	if stats.Keys != 0 || stats.Bytes != 0 {
		t.Errorf("Initial stats should be zero, got keys=%d bytes=%d", stats.Keys, stats.Bytes)
	}

	store.Put("app:users:alice", []byte("aaaaaa"))  // 6 bytes
	store.Put("app:users:bob", []byte("bbbbbbb"))   // 7 bytes
	store.Put("app:users:carol", []byte("cccccccc")) // 8 bytes

	stats = store.Stats()
	if stats.Keys != 3 {
		t.Errorf("Expected 3 keys, got %d", stats.Keys)
	}
	if stats.Bytes != 21 {
		t.Errorf("Expected 21 bytes, got %d", stats.Bytes)
	}

	store.Delete("app:users:bob")
	stats = store.Stats()
	if stats.Keys != 2 || stats.Bytes != 14 {
		t.Errorf("Expected 2 keys / 14 bytes after delete, got %d / %d", stats.Keys, stats.Bytes)
	}
}
