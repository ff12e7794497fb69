package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/themisdb/themis/internal/index"
	"github.com/themisdb/themis/internal/storage"
)

// Local executes the local-shard portion of a routed operation. The
// router never touches storage directly; everything shard-local flows
// through this contract.
type Local interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Query(ctx context.Context, q *Query) (*QueryResponse, error)
}

// StorageExecutor is the production Local: records live in a Store keyed
// by placement key, with a secondary index resolving predicates to keys.
type StorageExecutor struct {
	store storage.Store
	idx   index.Manager
}

// NewStorageExecutor wires a store and index into a local executor.
func NewStorageExecutor(store storage.Store, idx index.Manager) *StorageExecutor {
	return &StorageExecutor{store: store, idx: idx}
}

// Get implements Local.
func (s *StorageExecutor) Get(key string) ([]byte, error) {
	return s.store.Get(key)
}

// Put implements Local. The record's scalar fields are indexed so
// predicate queries can find it.
func (s *StorageExecutor) Put(key string, value []byte) error {
	if err := s.store.Put(key, value); err != nil {
		return err
	}
	s.idx.Update(collectionOf(key), key, scalarFields(value))
	return nil
}

// Delete implements Local.
func (s *StorageExecutor) Delete(key string) error {
	if err := s.store.Delete(key); err != nil {
		return err
	}
	s.idx.Remove(collectionOf(key), key)
	return nil
}

// Query implements Local. Disjuncts are each resolved through the index
// and unioned; a query with no disjuncts scans the whole collection.
func (s *StorageExecutor) Query(ctx context.Context, q *Query) (*QueryResponse, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("router: query requires a collection")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	if len(q.Disjuncts) == 0 {
		start, end := storage.PrefixRange(q.Collection + ":")
		for _, entry := range s.store.Scan(start, end) {
			keys = append(keys, entry.Key)
		}
	} else {
		seen := make(map[string]bool)
		for _, pred := range q.Disjuncts {
			for _, key := range s.idx.ScanKeys(q.Collection, pred) {
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
			}
		}
		sort.Strings(keys)
	}

	resp := &QueryResponse{}
	for _, key := range keys {
		value, err := s.store.Get(key)
		if err != nil {
			// Index lag: the record vanished between scan and fetch.
			continue
		}
		resp.Rows = append(resp.Rows, Row{Key: key, Document: value})
	}
	return resp, nil
}

// collectionOf extracts "namespace:collection" from a placement key.
func collectionOf(key string) string {
	colons := 0
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			colons++
			if colons == 1 {
				return key[:i]
			}
		}
	}
	return key
}

// scalarFields flattens a JSON document's top-level scalars into the
// field map the index consumes. Nested values are not indexed.
func scalarFields(doc []byte) map[string]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil
	}

	fields := make(map[string]string, len(raw))
	for name, value := range raw {
		var str string
		if err := json.Unmarshal(value, &str); err == nil {
			fields[name] = str
			continue
		}
		var num float64
		if err := json.Unmarshal(value, &num); err == nil {
			fields[name] = trimFloat(num)
			continue
		}
		var b bool
		if err := json.Unmarshal(value, &b); err == nil {
			fields[name] = fmt.Sprintf("%t", b)
		}
	}
	return fields
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
