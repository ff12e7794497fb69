// Command shardd runs one themis shard node: it serves the local slice of
// the keyspace, routes client operations to owning shards, and
// authenticates inter-shard traffic with signed requests over mutual TLS.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themis/internal/config"
	"github.com/themisdb/themis/internal/executor"
	"github.com/themisdb/themis/internal/index"
	"github.com/themisdb/themis/internal/metrics"
	"github.com/themisdb/themis/internal/resolver"
	"github.com/themisdb/themis/internal/ring"
	"github.com/themisdb/themis/internal/router"
	"github.com/themisdb/themis/internal/signing"
	"github.com/themisdb/themis/internal/storage"
	"github.com/themisdb/themis/internal/topology"
)

func main() {
	configPath := flag.String("config", "", "path to themis.yaml (optional; THEMIS_* env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("shardd failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).
		Level(level).
		With().
		Timestamp().
		Str("shard", cfg.Node.ShardID).
		Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	// Topology: fetch an initial snapshot, then poll in the background.
	// Startup tolerates a brief metadata outage; serving with a stale
	// snapshot beats not serving.
	topo := topology.New(topology.Config{
		MetadataEndpoint: cfg.Topology.MetadataEndpoint,
		ClusterName:      cfg.Topology.ClusterName,
		RefreshInterval:  cfg.Topology.RefreshInterval.Std(),
		HTTPTimeout:      cfg.Topology.HTTPTimeout.Std(),
	}, logger)
	for attempt := 1; attempt <= 5; attempt++ {
		if err := topo.Refresh(ctx); err == nil {
			break
		} else if attempt == 5 {
			logger.Warn().Err(err).Msg("starting without a topology snapshot")
		} else {
			time.Sleep(2 * time.Second)
		}
	}

	hashRing := ring.New()
	syncRing(hashRing, topo.Snapshot(), cfg.Ring.VirtualNodes)

	res := resolver.New(topo, hashRing, cfg.Node.ShardID, logger)
	res.SetReplicaCount(cfg.Ring.ReplicaCount)

	store := storage.NewMemoryStore()
	idx := index.NewMemoryIndex()
	local := router.NewStorageExecutor(store, idx)

	var verifier *signing.Verifier
	if cfg.SigningEnabled() {
		certs, err := loadCertStore(cfg, logger)
		if err != nil {
			return err
		}
		verifier = signing.NewVerifier(signing.VerifierConfig{
			MaxTimeSkew:   cfg.Security.MaxTimeSkew.Std(),
			MaxNonceCache: cfg.Security.MaxNonceCache,
			NonceExpiry:   cfg.Security.NonceExpiry.Std(),
		}, certs, logger)
	}

	exec, err := executor.New(executor.Config{
		LocalShardID:   cfg.Node.ShardID,
		CertPath:       cfg.Security.CertPath,
		KeyPath:        cfg.Security.KeyPath,
		KeyPassphrase:  cfg.Security.KeyPassphrase,
		CAPath:         cfg.Security.CAPath,
		EnableSigning:  cfg.SigningEnabled(),
		ConnectTimeout: cfg.Executor.ConnectTimeout.Std(),
		RequestTimeout: cfg.Executor.RequestTimeout.Std(),
		MaxRetries:     cfg.Executor.MaxRetries,
		RetryDelay:     cfg.Executor.RetryDelay.Std(),
	}, logger)
	if err != nil {
		return err
	}
	exec.SetMetrics(met)

	rt := router.New(router.Config{
		LocalShardID:        cfg.Node.ShardID,
		ScatterTimeout:      cfg.Router.ScatterTimeout.Std(),
		MaxConcurrentShards: cfg.Router.MaxConcurrentShards,
		EnableQueryPushdown: cfg.QueryPushdownEnabled(),
		EnableResultCaching: cfg.Router.EnableResultCaching,
	}, res, exec, local, logger)
	rt.SetMetrics(met)

	srv := &server{
		shardID:  cfg.Node.ShardID,
		router:   rt,
		local:    local,
		store:    store,
		topo:     topo,
		verifier: verifier,
		met:      met,
		log:      logger,
	}

	// Background maintenance.
	go topo.RunRefreshLoop(ctx)
	monitor := topology.NewHealthMonitor(topo, cfg.Topology.RefreshInterval.Std(), logger)
	monitor.Start(ctx)
	defer monitor.Stop()
	go maintenanceLoop(ctx, cfg, srv, hashRing)

	httpServer := &http.Server{
		Addr:              cfg.Node.ListenAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", cfg.Node.ListenAddr).
			Bool("signing", cfg.SigningEnabled()).
			Msg("shardd listening")
		errCh <- serve(httpServer, cfg)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("shardd stopped")
	return nil
}

// serve starts the listener, with mutual TLS when PKI material is
// configured. Client certificates are verified when presented; operator
// endpoints stay reachable without one.
func serve(s *http.Server, cfg *config.Config) error {
	if cfg.Security.CertPath == "" || cfg.Security.KeyPath == "" {
		return s.ListenAndServe()
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.VerifyClientCertIfGiven,
	}
	if cfg.Security.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.Security.CAPath)
		if err != nil {
			return fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("no certificates in CA bundle %s", cfg.Security.CAPath)
		}
		tlsCfg.ClientCAs = pool
	}
	s.TLSConfig = tlsCfg
	return s.ListenAndServeTLS(cfg.Security.CertPath, cfg.Security.KeyPath)
}

// loadCertStore builds the peer certificate registry: the cluster CA plus
// every peer certificate staged in the peer cert directory.
func loadCertStore(cfg *config.Config, logger zerolog.Logger) (*signing.CertStore, error) {
	certs, err := signing.NewCertStore(cfg.Security.CAPath)
	if err != nil {
		return nil, err
	}

	if cfg.Security.PeerCertDir != "" {
		paths, err := filepath.Glob(filepath.Join(cfg.Security.PeerCertDir, "*.pem"))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			info, err := certs.AddFile(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("skipping peer certificate")
				continue
			}
			logger.Info().
				Str("peer", info.ShardID).
				Str("serial", info.Serial).
				Msg("admitted peer certificate")
		}
	}
	return certs, nil
}

// syncRing rebuilds ring membership from a topology snapshot. Shards with
// explicit token ranges place one token at their range end, matching the
// clockwise "first token at or after the hash" lookup; shards without
// ranges fall back to virtual nodes.
func syncRing(r *ring.Ring, snap *topology.Snapshot, virtualNodes int) {
	current := make(map[string]bool)
	for _, sh := range snap.All() {
		current[sh.ShardID] = true
		if sh.TokenEnd > 0 {
			r.AddShardTokens(sh.ShardID, []uint64{sh.TokenEnd})
		} else {
			r.AddShard(sh.ShardID, virtualNodes)
		}
	}
	for _, id := range r.Shards() {
		if !current[id] {
			r.RemoveShard(id)
		}
	}
}

// maintenanceLoop runs the periodic chores: ring/topology resync, nonce
// cache expiry, and gauge refresh.
func maintenanceLoop(ctx context.Context, cfg *config.Config, srv *server, hashRing *ring.Ring) {
	ticker := time.NewTicker(cfg.Topology.RefreshInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := srv.topo.Snapshot()
			syncRing(hashRing, snap, cfg.Ring.VirtualNodes)

			if srv.verifier != nil {
				removed := srv.verifier.CleanupExpiredNonces()
				if removed > 0 {
					srv.log.Debug().Int("removed", removed).Msg("nonce cache cleanup")
				}
				srv.met.NonceCache.Set(float64(srv.verifier.NonceCacheSize()))
			}

			stats := srv.store.Stats()
			srv.met.StoredKeys.Set(float64(stats.Keys))
			srv.met.StoredBytes.Set(float64(stats.Bytes))
			srv.met.HealthyShards.Set(float64(len(snap.Healthy())))
			if !snap.FetchedAt.IsZero() {
				srv.met.TopologyAge.Set(time.Since(snap.FetchedAt).Seconds())
			}
		}
	}
}
