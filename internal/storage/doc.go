// Package storage defines the shard-local record store interface and provides
// an in-memory implementation, giving every shard a consistent API for the
// records that the placement ring assigns to it.
//
// # Overview
//
// Each shard persists the records whose placement hash falls into its token
// range. The storage package abstracts over how those records are held:
// callers address records by URN placement key (namespace:collection:id) and
// never see the backing engine. Query execution builds on the same interface
// through range scans, so a collection scan is a prefix scan over
// "namespace:collection:".
//
// # Architecture
//
// The package follows a layered design:
//
//	┌─────────────────────────────────────┐
//	│        Request Handling             │
//	│   (router, local query executor)    │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        Storage Interface            │
//	│            (Store)                  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          MemoryStore                │
//	│   (map + RWMutex, copy-on-read)     │
//	└─────────────────────────────────────┘
//
// # Core Interface
//
// Store: key-value storage keyed by placement key
//   - Get(key) - Retrieve a value by key
//   - Put(key, value) - Store or update a key-value pair
//   - Delete(key) - Remove a key-value pair (idempotent)
//   - Scan(start, end) - Sorted range scan, [start, end)
//   - List() - List all keys in the store
//   - Stats() - Key count and total value bytes
//
// PrefixRange converts a key prefix into the [start, end) bounds Scan
// expects, which is how collection-level queries are expressed.
//
// # Implementations
//
// MemoryStore: In-memory storage with sync.RWMutex
//   - Fast operations (nanosecond latency)
//   - No persistence (data lost on restart)
//   - Values are copied on both Put and Get, so callers can never alias
//     the store's internal buffers
//
// # Usage Example
//
//	store := storage.NewMemoryStore()
//
//	// Store a record under its placement key.
//	if err := store.Put("app:users:alice", doc); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Scan every record in the users collection.
//	start, end := storage.PrefixRange("app:users:")
//	for _, entry := range store.Scan(start, end) {
//	    process(entry.Key, entry.Value)
//	}
//
// # Thread Safety
//
// All Store implementations must be safe for concurrent use. MemoryStore
// serializes writes and allows parallel reads via sync.RWMutex; returned
// values and key slices are copies, so no caller can observe another's
// mutations.
//
// # Performance Characteristics
//
// MemoryStore operations:
//   - Get/Put/Delete: O(1) map access plus a value copy
//   - Scan: O(n) over the keyspace plus an O(k log k) sort of the k matches
//   - List/Stats: O(n) over the keyspace
//
// Scan materializes its result set; it is intended for shard-local query
// execution where the per-collection record count is bounded, not for
// unbounded keyspace walks.
package storage
