// Package executor sends requests to remote shards over mutually
// authenticated TLS, signing each attempt and retrying transport failures
// with exponential backoff.
package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/themisdb/themis/internal/metrics"
	"github.com/themisdb/themis/internal/signing"
	"github.com/themisdb/themis/internal/topology"
)

// Defaults for remote execution tuning.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
)

// Config controls connection handling, authentication, and retries.
type Config struct {
	LocalShardID string

	// mTLS material. CertPath/KeyPath present this shard's identity;
	// CAPath pins the cluster CA for peer verification.
	CertPath      string
	KeyPath       string
	KeyPassphrase string
	CAPath        string

	// EnableSigning controls the request signing layer. Disable only in
	// test clusters; the TLS layer alone does not bind requests to a
	// shard identity.
	EnableSigning bool

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// MaxRetries is the total number of attempts per request. Zero means
	// DefaultMaxRetries; a negative value disables retries entirely, so
	// every request gets exactly one attempt.
	MaxRetries int
	RetryDelay time.Duration
}

// Result is the outcome of one remote shard request. Exactly one of
// Success or Err is meaningful; HTTPStatus is zero when no response was
// received.
type Result struct {
	ShardID         string
	Success         bool
	HTTPStatus      int
	Data            json.RawMessage
	Err             error
	ExecutionTimeMS int64
}

// Executor issues signed requests to remote shards. Safe for concurrent
// use; the underlying http.Client pools connections across shards.
type Executor struct {
	cfg    Config
	signer *signing.Signer
	client *http.Client
	log    zerolog.Logger
	met    *metrics.Metrics
}

// New builds an executor from config. When signing is enabled the key and
// certificate are loaded eagerly so misconfiguration fails at startup, not
// on the first remote call.
func New(cfg Config, logger zerolog.Logger) (*Executor, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	e := &Executor{
		cfg: cfg,
		log: logger.With().Str("component", "executor").Logger(),
	}

	if cfg.EnableSigning {
		signer, err := signing.NewSigner(signing.SignerConfig{
			ShardID:       cfg.LocalShardID,
			CertPath:      cfg.CertPath,
			KeyPath:       cfg.KeyPath,
			KeyPassphrase: cfg.KeyPassphrase,
		})
		if err != nil {
			return nil, fmt.Errorf("executor: load signing identity: %w", err)
		}
		e.signer = signer
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	e.client = &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsCfg,
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return e, nil
}

// buildTLSConfig assembles the mutual TLS config: our certificate for the
// client side of the handshake, the cluster CA for verifying peers.
func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertPath != "" && cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("executor: load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("executor: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("executor: no certificates in CA bundle %s", cfg.CAPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// SetHTTPClient replaces the transport, for tests.
func (e *Executor) SetHTTPClient(client *http.Client) {
	e.client = client
}

// SetSigner replaces the signing identity, for tests.
func (e *Executor) SetSigner(signer *signing.Signer) {
	e.signer = signer
}

// SetMetrics attaches instrumentation.
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.met = m
}

// Execute sends one request to a shard, signing it and retrying transport
// failures. Each attempt carries a fresh signature and nonce: the receiver
// rejects replayed nonces, so resending the previous envelope would turn
// every retry into an auth failure. HTTP responses, including 4xx and 5xx,
// are definitive and never retried.
func (e *Executor) Execute(ctx context.Context, shard *topology.Shard, method, path string, body json.RawMessage) *Result {
	start := time.Now()
	result := &Result{ShardID: shard.ShardID}

	delay := e.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.log.Debug().
				Str("shard", shard.ShardID).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("retrying remote request")
			if e.met != nil {
				e.met.RemoteRetries.Inc()
			}
			select {
			case <-ctx.Done():
				result.Err = ctx.Err()
				result.ExecutionTimeMS = time.Since(start).Milliseconds()
				return result
			case <-time.After(delay):
			}
			delay *= 2
		}

		status, data, err := e.attempt(ctx, shard, method, path, body)
		if err != nil {
			// Transport failure: the request may never have reached the
			// shard, so trying again is safe and worthwhile.
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		result.HTTPStatus = status
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
		if status >= 200 && status < 300 {
			result.Success = true
			result.Data = data
			e.observe(shard.ShardID, "success", start)
			return result
		}

		result.Err = &StatusError{ShardID: shard.ShardID, StatusCode: status, Body: string(data)}
		e.observe(shard.ShardID, "rejected", start)
		return result
	}

	result.Err = fmt.Errorf("executor: shard %s unreachable after %d attempts: %w",
		shard.ShardID, e.cfg.MaxRetries, lastErr)
	result.ExecutionTimeMS = time.Since(start).Milliseconds()
	e.observe(shard.ShardID, "unreachable", start)
	return result
}

// attempt performs a single signed HTTP exchange.
func (e *Executor) attempt(ctx context.Context, shard *topology.Shard, method, path string, body json.RawMessage) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, shard.URL()+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if e.signer != nil {
		envelope, err := e.signer.NewRequest(method, path, body)
		if err != nil {
			return 0, nil, fmt.Errorf("executor: sign request: %w", err)
		}
		envelope.ApplyHeaders(req.Header)
	} else {
		// Even unsigned peers identify themselves; the receiver uses the
		// shard header to tell fan-out traffic from client traffic.
		req.Header.Set(signing.HeaderShardID, e.cfg.LocalShardID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("executor: read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (e *Executor) observe(shardID, outcome string, start time.Time) {
	if e.met == nil {
		return
	}
	e.met.RemoteRequests.WithLabelValues(shardID, outcome).Inc()
	e.met.RemoteLatency.WithLabelValues(shardID).Observe(time.Since(start).Seconds())
}

// Get fetches a record from a remote shard.
func (e *Executor) Get(ctx context.Context, shard *topology.Shard, path string) *Result {
	return e.Execute(ctx, shard, http.MethodGet, path, nil)
}

// Post sends a body-carrying operation to a remote shard.
func (e *Executor) Post(ctx context.Context, shard *topology.Shard, path string, body json.RawMessage) *Result {
	return e.Execute(ctx, shard, http.MethodPost, path, body)
}

// Put writes a record to a remote shard.
func (e *Executor) Put(ctx context.Context, shard *topology.Shard, path string, body json.RawMessage) *Result {
	return e.Execute(ctx, shard, http.MethodPut, path, body)
}

// Delete removes a record from a remote shard.
func (e *Executor) Delete(ctx context.Context, shard *topology.Shard, path string) *Result {
	return e.Execute(ctx, shard, http.MethodDelete, path, nil)
}

// ExecuteQuery runs a query on a remote shard.
func (e *Executor) ExecuteQuery(ctx context.Context, shard *topology.Shard, query json.RawMessage) *Result {
	return e.Execute(ctx, shard, http.MethodPost, "/api/v1/query", query)
}

// StatusError reports a non-2xx HTTP response from a shard.
type StatusError struct {
	ShardID    string
	StatusCode int
	Body       string
}

func (s *StatusError) Error() string {
	return fmt.Sprintf("shard %s returned HTTP %d: %s", s.ShardID, s.StatusCode, s.Body)
}

// IsAuthRejection reports whether the shard rejected the request's
// authentication rather than failing to serve it.
func (s *StatusError) IsAuthRejection() bool {
	return s.StatusCode == http.StatusUnauthorized || s.StatusCode == http.StatusForbidden
}
