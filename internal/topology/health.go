package topology

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ShardHealth tracks the probe history of a single shard.
type ShardHealth struct {
	ShardID          string    // Shard being probed
	Status           string    // "healthy", "unhealthy", "unknown"
	LastCheck        time.Time // Timestamp of the last probe
	LastHealthy      time.Time // Timestamp of the last successful probe
	ConsecutiveFails int       // Failed probes since the last success
}

// HealthMonitor periodically probes every shard in the topology snapshot
// and flips the shard's health flag after repeated failures or on
// recovery. All methods are safe for concurrent use.
//
// The monitor only observes and marks; choosing whether to route around an
// unhealthy shard is the resolver's and router's business.
type HealthMonitor struct {
	topo        *Topology
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	checkFunc   func(endpoint string) error
	httpClient  *http.Client
	log         zerolog.Logger

	mu     sync.RWMutex
	shards map[string]*ShardHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor probing each shard's /health endpoint
// every interval. A shard is marked unhealthy after 3 consecutive failures
// and healthy again on the first success.
func NewHealthMonitor(topo *Topology, interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		topo:        topo,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		shards:      make(map[string]*ShardHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		log:         logger.With().Str("component", "health").Logger(),
	}
}

// SetCheckFunc overrides the default HTTP probe. Used by tests and by
// deployments with bespoke health endpoints.
func (h *HealthMonitor) SetCheckFunc(fn func(endpoint string) error) {
	h.checkFunc = fn
}

// Start launches the probe loop in a background goroutine. The loop runs
// until Stop is called or the context is canceled.
func (h *HealthMonitor) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.log.Info().Dur("interval", h.interval).Msg("health monitor started")
		h.checkAll()

		for {
			select {
			case <-ticker.C:
				h.checkAll()
			case <-ctx.Done():
				h.log.Info().Msg("health monitor stopping")
				return
			}
		}
	}()
}

// Stop shuts the probe loop down and waits for it to finish.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// checkAll probes every shard in the current snapshot and drops tracking
// state for shards that left the topology.
func (h *HealthMonitor) checkAll() {
	snap := h.topo.Snapshot()

	current := make(map[string]bool, len(snap.Shards))
	for _, sh := range snap.All() {
		current[sh.ShardID] = true
		h.checkShard(sh)
	}

	h.mu.Lock()
	for id := range h.shards {
		if !current[id] {
			delete(h.shards, id)
			h.log.Debug().Str("shard", id).Msg("shard left topology, dropped from health tracking")
		}
	}
	h.mu.Unlock()
}

// checkShard probes one shard and updates its record and, when a threshold
// is crossed, the topology health flag.
func (h *HealthMonitor) checkShard(sh Shard) {
	h.mu.Lock()
	rec, ok := h.shards[sh.ShardID]
	if !ok {
		rec = &ShardHealth{
			ShardID:     sh.ShardID,
			Status:      "unknown",
			LastHealthy: time.Now(),
		}
		h.shards[sh.ShardID] = rec
	}
	h.mu.Unlock()

	err := h.checkFunc(sh.URL())

	h.mu.Lock()
	defer h.mu.Unlock()
	rec.LastCheck = time.Now()

	if err != nil {
		rec.ConsecutiveFails++
		h.log.Warn().
			Str("shard", sh.ShardID).
			Int("fails", rec.ConsecutiveFails).
			Int("threshold", h.maxFailures).
			Err(err).
			Msg("shard health check failed")

		if rec.ConsecutiveFails >= h.maxFailures && rec.Status != "unhealthy" {
			rec.Status = "unhealthy"
			h.log.Error().Str("shard", sh.ShardID).Msg("shard marked unhealthy")
			h.topo.UpdateHealth(sh.ShardID, false)
		}
		return
	}

	if rec.Status == "unhealthy" {
		h.log.Info().Str("shard", sh.ShardID).Msg("shard recovered")
		h.topo.UpdateHealth(sh.ShardID, true)
	}
	rec.Status = "healthy"
	rec.ConsecutiveFails = 0
	rec.LastHealthy = time.Now()
}

// defaultHealthCheck issues a GET against the shard's /health endpoint.
func (h *HealthMonitor) defaultHealthCheck(endpoint string) error {
	url := strings.TrimRight(endpoint, "/") + "/health"

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// ShardHealth returns a copy of the probe record for a shard, or nil if
// the shard is not tracked.
func (h *HealthMonitor) ShardHealth(shardID string) *ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.shards[shardID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// IsHealthy reports whether a shard's last known status is healthy.
func (h *HealthMonitor) IsHealthy(shardID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.shards[shardID]
	return ok && rec.Status == "healthy"
}
