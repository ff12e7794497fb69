// Package index maintains shard-local secondary indexes over record
// fields, so disjunctive queries can resolve each branch to a set of
// placement keys without scanning the collection.
package index

import (
	"sort"
	"strconv"
	"sync"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

// Predicate is one branch of a query filter: field <op> value.
// Values compare numerically when both sides parse as numbers, and as
// strings otherwise.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Matches reports whether a field value satisfies the predicate.
func (p Predicate) Matches(value string) bool {
	cmp := compare(value, p.Value)
	switch p.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}

func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Manager resolves predicates to the placement keys of matching records.
type Manager interface {
	// Update (re)indexes a record's scalar fields under its placement key.
	Update(collection, key string, fields map[string]string)

	// Remove drops every index entry for the record.
	Remove(collection, key string)

	// ScanKeys returns the placement keys in a collection whose indexed
	// fields satisfy the predicate, sorted for deterministic results.
	ScanKeys(collection string, pred Predicate) []string
}

// MemoryIndex is an in-memory Manager backed by per-collection posting
// maps. Safe for concurrent use.
type MemoryIndex struct {
	mu sync.RWMutex
	// collection -> placement key -> field -> value
	records map[string]map[string]map[string]string
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		records: make(map[string]map[string]map[string]string),
	}
}

// Update implements Manager. The record's previous field set is replaced
// wholesale, so dropped fields stop matching.
func (m *MemoryIndex) Update(collection, key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for f, v := range fields {
		copied[f] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.records[collection]
	if !ok {
		coll = make(map[string]map[string]string)
		m.records[collection] = coll
	}
	coll[key] = copied
}

// Remove implements Manager.
func (m *MemoryIndex) Remove(collection, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.records[collection]
	if !ok {
		return
	}
	delete(coll, key)
	if len(coll) == 0 {
		delete(m.records, collection)
	}
}

// ScanKeys implements Manager. Records without the predicate's field do
// not match.
func (m *MemoryIndex) ScanKeys(collection string, pred Predicate) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.records[collection]
	if !ok {
		return nil
	}

	var keys []string
	for key, fields := range coll {
		value, ok := fields[pred.Field]
		if !ok {
			continue
		}
		if pred.Matches(value) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys
}

// Collections returns the indexed collection names, sorted.
func (m *MemoryIndex) Collections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
