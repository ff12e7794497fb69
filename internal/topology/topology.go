// Package topology maintains the authoritative view of the cluster: the
// set of shards, their network endpoints, token-range ownership, and
// health.
//
// The topology is held as immutable snapshots. Refresh pulls the latest
// shard list from the external metadata endpoint and installs it with an
// atomic pointer swap; a failed refresh leaves the prior snapshot intact,
// because stale topology is preferable to no topology. Consumers always
// read the currently-installed snapshot and never observe a torn one.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Shard describes one shard's identity, location, and token-range
// ownership as published by the metadata service.
type Shard struct {
	ShardID          string   `json:"shard_id"`
	Endpoint         string   `json:"endpoint"`
	ReplicaEndpoints []string `json:"replica_endpoints,omitempty"`
	Datacenter       string   `json:"datacenter"`
	Rack             string   `json:"rack,omitempty"`
	TokenStart       uint64   `json:"token_start"`
	TokenEnd         uint64   `json:"token_end"`
	Healthy          bool     `json:"healthy"`
	CertSerial       string   `json:"cert_serial,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the shard advertises a named capability.
func (s Shard) HasCapability(cap string) bool {
	for _, c := range s.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// URL returns the shard's base URL, defaulting to https when the endpoint
// carries no scheme.
func (s Shard) URL() string {
	if strings.Contains(s.Endpoint, "://") {
		return s.Endpoint
	}
	return "https://" + s.Endpoint
}

// Snapshot is a point-in-time view of the cluster. Snapshots are immutable
// after installation; mutation produces a new snapshot.
type Snapshot struct {
	Shards    map[string]Shard
	FetchedAt time.Time
}

// Shard returns the shard with the given ID.
func (s *Snapshot) Shard(id string) (Shard, bool) {
	sh, ok := s.Shards[id]
	return sh, ok
}

// All returns every shard sorted by shard ID.
func (s *Snapshot) All() []Shard {
	shards := make([]Shard, 0, len(s.Shards))
	for _, sh := range s.Shards {
		shards = append(shards, sh)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })
	return shards
}

// Healthy returns every healthy shard sorted by shard ID.
func (s *Snapshot) Healthy() []Shard {
	shards := make([]Shard, 0, len(s.Shards))
	for _, sh := range s.Shards {
		if sh.Healthy {
			shards = append(shards, sh)
		}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })
	return shards
}

// ShardsForRange returns the shards whose token range intersects
// [start, end], sorted by shard ID.
func (s *Snapshot) ShardsForRange(start, end uint64) []Shard {
	var shards []Shard
	for _, sh := range s.Shards {
		if sh.TokenStart <= end && start <= sh.TokenEnd {
			shards = append(shards, sh)
		}
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })
	return shards
}

// Validate checks the topology invariant: token ranges of all shards must
// partition the token space without gaps or overlaps. The metadata service
// is responsible for publishing valid topologies; this flags violations
// before they cause split-brain routing.
func (s *Snapshot) Validate() error {
	if len(s.Shards) == 0 {
		return nil
	}

	shards := s.All()
	sort.Slice(shards, func(i, j int) bool { return shards[i].TokenStart < shards[j].TokenStart })

	for i, sh := range shards {
		if sh.TokenStart > sh.TokenEnd {
			return fmt.Errorf("topology: shard %s has inverted token range [%d, %d]",
				sh.ShardID, sh.TokenStart, sh.TokenEnd)
		}
		if i == 0 {
			if sh.TokenStart != 0 {
				return fmt.Errorf("topology: token space not covered below %d (first shard %s)",
					sh.TokenStart, sh.ShardID)
			}
			continue
		}
		prev := shards[i-1]
		if sh.TokenStart <= prev.TokenEnd {
			return fmt.Errorf("topology: shards %s and %s overlap at token %d",
				prev.ShardID, sh.ShardID, sh.TokenStart)
		}
		if sh.TokenStart != prev.TokenEnd+1 {
			return fmt.Errorf("topology: gap between shards %s and %s (%d..%d uncovered)",
				prev.ShardID, sh.ShardID, prev.TokenEnd+1, sh.TokenStart-1)
		}
	}

	last := shards[len(shards)-1]
	if last.TokenEnd != ^uint64(0) {
		return fmt.Errorf("topology: token space not covered above %d (last shard %s)",
			last.TokenEnd, last.ShardID)
	}
	return nil
}

// Config holds topology settings.
type Config struct {
	// MetadataEndpoint is the base URL of the external metadata service,
	// e.g. "https://meta.example.com:2379".
	MetadataEndpoint string

	// ClusterName identifies this cluster in the metadata service.
	ClusterName string

	// RefreshInterval is the suggested period between refreshes for
	// callers running a refresh loop. Zero means manual refresh only.
	RefreshInterval time.Duration

	// HTTPTimeout bounds a single metadata fetch. Defaults to 5s.
	HTTPTimeout time.Duration
}

// Topology serves snapshots of the cluster and refreshes them from the
// metadata endpoint. Safe for concurrent use.
type Topology struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
	snap   atomic.Pointer[Snapshot]
}

// topologyDocument is the wire format served by the metadata endpoint.
type topologyDocument struct {
	ClusterName string  `json:"cluster_name"`
	Shards      []Shard `json:"shards"`
}

// New creates a topology with an empty initial snapshot.
func New(cfg Config, logger zerolog.Logger) *Topology {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	t := &Topology{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    logger.With().Str("component", "topology").Logger(),
	}
	t.snap.Store(&Snapshot{Shards: map[string]Shard{}})
	return t
}

// Snapshot returns the currently-installed snapshot. Never nil.
func (t *Topology) Snapshot() *Snapshot {
	return t.snap.Load()
}

// Shard returns the named shard from the current snapshot.
func (t *Topology) Shard(id string) (Shard, bool) {
	return t.Snapshot().Shard(id)
}

// Install replaces the current snapshot. Used by Refresh and by tests or
// administrative tooling that construct topologies directly.
func (t *Topology) Install(shards []Shard) {
	m := make(map[string]Shard, len(shards))
	for _, sh := range shards {
		m[sh.ShardID] = sh
	}
	t.snap.Store(&Snapshot{Shards: m, FetchedAt: time.Now()})
}

// Refresh pulls the shard list from the metadata endpoint and installs it
// atomically. On any failure the prior snapshot stays installed and the
// error is returned; callers should log and retry rather than treat it as
// fatal.
func (t *Topology) Refresh(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/topology/%s", strings.TrimRight(t.cfg.MetadataEndpoint, "/"), t.cfg.ClusterName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("topology: build refresh request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("topology: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("topology: metadata endpoint returned status %d", resp.StatusCode)
	}

	var doc topologyDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("topology: decode metadata response: %w", err)
	}
	if doc.ClusterName != "" && doc.ClusterName != t.cfg.ClusterName {
		return fmt.Errorf("topology: metadata served cluster %q, want %q", doc.ClusterName, t.cfg.ClusterName)
	}

	// Only topologies with explicit token ranges can be checked for
	// gaps and overlaps; virtual-node clusters leave the ranges zero.
	if usesTokenRanges(doc.Shards) {
		candidate := &Snapshot{Shards: make(map[string]Shard, len(doc.Shards))}
		for _, sh := range doc.Shards {
			candidate.Shards[sh.ShardID] = sh
		}
		if err := candidate.Validate(); err != nil {
			return fmt.Errorf("topology: rejecting invalid snapshot: %w", err)
		}
	}

	t.Install(doc.Shards)
	t.log.Debug().Int("shards", len(doc.Shards)).Msg("topology refreshed")
	return nil
}

func usesTokenRanges(shards []Shard) bool {
	for _, sh := range shards {
		if sh.TokenEnd > 0 {
			return true
		}
	}
	return false
}

// RunRefreshLoop refreshes the topology every RefreshInterval until the
// context is canceled. Failures are logged and the loop continues with the
// stale snapshot.
func (t *Topology) RunRefreshLoop(ctx context.Context) {
	if t.cfg.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.log.Warn().Err(err).Msg("topology refresh failed, keeping stale snapshot")
			}
		case <-ctx.Done():
			return
		}
	}
}

// UpdateHealth marks a shard healthy or unhealthy by installing a new
// snapshot with the flag flipped. Unknown shard IDs are ignored.
func (t *Topology) UpdateHealth(shardID string, healthy bool) {
	for {
		old := t.snap.Load()
		sh, ok := old.Shards[shardID]
		if !ok || sh.Healthy == healthy {
			return
		}

		m := make(map[string]Shard, len(old.Shards))
		for id, s := range old.Shards {
			m[id] = s
		}
		sh.Healthy = healthy
		m[shardID] = sh

		if t.snap.CompareAndSwap(old, &Snapshot{Shards: m, FetchedAt: old.FetchedAt}) {
			return
		}
		// Lost a race with another installer; retry against the new snapshot.
	}
}

// ShardCount returns the number of shards in the current snapshot.
func (t *Topology) ShardCount() int {
	return len(t.Snapshot().Shards)
}
