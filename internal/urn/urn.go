// Package urn implements the canonical resource identifier used for
// placement and addressing across the cluster.
//
// A URN names a logical resource by model, namespace, collection, and id:
//
//	urn:themis:<model>:<namespace>:<collection>:<id>
//
// The id segment may be empty for collection-level operations. The parsed
// form round-trips exactly through Parse and String, and the placement key
// derived from a URN is what the consistent hash ring operates on.
package urn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Scheme is the URN scheme for all resources in the cluster.
const Scheme = "themis"

// ErrInvalidURN is returned when a URN string cannot be parsed.
var ErrInvalidURN = errors.New("urn: invalid urn")

// URN identifies a logical resource. Zero value is invalid; use Parse or
// construct all required fields directly.
type URN struct {
	Model      string // Data model (e.g. "doc", "graph", "ts")
	Namespace  string // Tenant or application namespace
	Collection string // Collection (table) within the namespace
	ID         string // Resource id; empty for collection-level operations
}

// Parse parses the textual form urn:themis:<model>:<namespace>:<collection>:<id>.
// It fails if the segment count is wrong, the scheme does not match, or any
// required segment (all but id) is empty.
func Parse(s string) (URN, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return URN{}, fmt.Errorf("%w: expected 6 segments, got %d in %q", ErrInvalidURN, len(parts), s)
	}
	if parts[0] != "urn" {
		return URN{}, fmt.Errorf("%w: missing urn prefix in %q", ErrInvalidURN, s)
	}
	if parts[1] != Scheme {
		return URN{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidURN, parts[1])
	}

	u := URN{
		Model:      parts[2],
		Namespace:  parts[3],
		Collection: parts[4],
		ID:         parts[5],
	}
	if u.Model == "" || u.Namespace == "" || u.Collection == "" {
		return URN{}, fmt.Errorf("%w: empty required segment in %q", ErrInvalidURN, s)
	}
	return u, nil
}

// MustParse parses s and panics on error. Intended for tests and constants.
func MustParse(s string) URN {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String returns the canonical textual form. A collection-level URN keeps
// its trailing colon so that String and Parse round-trip exactly.
func (u URN) String() string {
	return "urn:" + Scheme + ":" + u.Model + ":" + u.Namespace + ":" + u.Collection + ":" + u.ID
}

// IsCollection reports whether the URN addresses a whole collection rather
// than a single resource.
func (u URN) IsCollection() bool {
	return u.ID == ""
}

// PlacementKey returns the hash key used for shard placement:
// namespace:collection:id, or namespace:collection for collection-level
// URNs. The model is deliberately excluded so that all models of a resource
// co-locate on the same shard.
func (u URN) PlacementKey() string {
	if u.ID == "" {
		return u.Namespace + ":" + u.Collection
	}
	return u.Namespace + ":" + u.Collection + ":" + u.ID
}

// NamespaceKey returns the namespace-consistent hash key namespace:collection.
// All resources of a collection hash to the same shard under this key,
// which is what makes namespace-local routing a single-shard operation.
func (u URN) NamespaceKey() string {
	return u.Namespace + ":" + u.Collection
}

// Hash returns the 64-bit placement hash of the URN. The hash is stable
// across process restarts, which is required for deterministic placement.
func (u URN) Hash() uint64 {
	return xxhash.Sum64String(u.PlacementKey())
}

// NamespaceHash returns the 64-bit hash of the namespace key.
func (u URN) NamespaceHash() uint64 {
	return xxhash.Sum64String(u.NamespaceKey())
}
