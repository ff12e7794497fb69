// Package resolver maps URNs to the shards that own them.
//
// Resolution combines the consistent hash ring (which shard ID owns the
// placement hash) with the topology snapshot (where that shard lives).
// A mismatch between the two — the ring names a shard the topology does
// not know — indicates a stale ring or topology and fails with
// ErrUnknownShard rather than routing into the void.
package resolver

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/themisdb/themis/internal/ring"
	"github.com/themisdb/themis/internal/topology"
	"github.com/themisdb/themis/internal/urn"
)

// DefaultReplicaCount is how many replica shards Resolve returns beyond
// the primary.
const DefaultReplicaCount = 2

// ErrUnknownShard is returned when the ring resolves to a shard absent
// from the current topology snapshot.
var ErrUnknownShard = errors.New("resolver: shard not in topology")

// Resolution is the outcome of resolving a URN: the owning primary shard
// and its clockwise successor replicas.
type Resolution struct {
	Primary  topology.Shard
	Replicas []topology.Shard
}

// Resolver resolves URNs to shard metadata. Safe for concurrent use.
type Resolver struct {
	topo         *topology.Topology
	ring         *ring.Ring
	localShardID string
	replicaCount int
	log          zerolog.Logger
}

// New creates a resolver. localShardID may be empty on nodes that only
// route (never execute locally).
func New(topo *topology.Topology, r *ring.Ring, localShardID string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		topo:         topo,
		ring:         r,
		localShardID: localShardID,
		replicaCount: DefaultReplicaCount,
		log:          logger.With().Str("component", "resolver").Logger(),
	}
}

// SetReplicaCount overrides the number of replicas returned by Resolve.
func (r *Resolver) SetReplicaCount(n int) {
	if n >= 0 {
		r.replicaCount = n
	}
}

// Resolve returns the primary shard owning the URN plus up to
// replicaCount successor replicas, cross-referenced against the current
// topology snapshot.
//
// Ring errors (empty ring) pass through. A primary that the topology does
// not know fails with ErrUnknownShard; replicas unknown to the topology
// are silently dropped, since a short replica list is usable and the
// primary is what correctness depends on.
func (r *Resolver) Resolve(u urn.URN) (Resolution, error) {
	h := u.Hash()

	ids, err := r.ring.SuccessorsOf(h, r.replicaCount+1)
	if err != nil {
		return Resolution{}, err
	}

	snap := r.topo.Snapshot()

	primary, ok := snap.Shard(ids[0])
	if !ok {
		return Resolution{}, fmt.Errorf("%w: ring owner %q missing from snapshot (stale ring or topology)",
			ErrUnknownShard, ids[0])
	}

	res := Resolution{Primary: primary}
	for _, id := range ids[1:] {
		if sh, ok := snap.Shard(id); ok {
			res.Replicas = append(res.Replicas, sh)
		} else {
			r.log.Debug().Str("shard", id).Msg("replica missing from topology, skipping")
		}
	}
	return res, nil
}

// ShardID returns just the owning shard ID for a URN, without topology
// cross-referencing. Cheaper than Resolve when only the ID matters.
func (r *Resolver) ShardID(u urn.URN) (string, error) {
	return r.ring.LookupHash(u.Hash())
}

// NamespaceShardID returns the shard owning a namespace:collection scope,
// used by namespace-local routing.
func (r *Resolver) NamespaceShardID(u urn.URN) (string, error) {
	return r.ring.LookupHash(u.NamespaceHash())
}

// IsLocal reports whether this node is the primary for the URN.
func (r *Resolver) IsLocal(u urn.URN) bool {
	if r.localShardID == "" {
		return false
	}
	id, err := r.ring.LookupHash(u.Hash())
	return err == nil && id == r.localShardID
}

// LocalShardID returns this node's shard ID (may be empty).
func (r *Resolver) LocalShardID() string {
	return r.localShardID
}

// AllShards returns every shard in the current topology snapshot.
func (r *Resolver) AllShards() []topology.Shard {
	return r.topo.Snapshot().All()
}

// HealthyShards returns every healthy shard in the current snapshot.
// Scatter-gather fans out over this set.
func (r *Resolver) HealthyShards() []topology.Shard {
	return r.topo.Snapshot().Healthy()
}

// Shard returns the topology entry for a shard ID.
func (r *Resolver) Shard(id string) (topology.Shard, bool) {
	return r.topo.Shard(id)
}
