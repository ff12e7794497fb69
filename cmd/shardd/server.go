package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/themisdb/themis/internal/metrics"
	"github.com/themisdb/themis/internal/pki"
	"github.com/themisdb/themis/internal/resolver"
	"github.com/themisdb/themis/internal/router"
	"github.com/themisdb/themis/internal/signing"
	"github.com/themisdb/themis/internal/storage"
	"github.com/themisdb/themis/internal/topology"
	"github.com/themisdb/themis/internal/urn"
)

// server holds the node's request-handling state. Peer traffic (carrying
// the shard identity header) executes locally; client traffic is routed.
// That split is what keeps a scatter fan-out from re-scattering on
// arrival at each target.
type server struct {
	shardID  string
	router   *router.Router
	local    router.Local
	store    storage.Store
	topo     *topology.Topology
	verifier *signing.Verifier // nil when signing is disabled
	met      *metrics.Metrics
	log      zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.met.Handler())
	r.Get("/v1/topology", s.handleTopology)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Route("/data/{urn}", func(r chi.Router) {
			r.Get("/", s.handleDataGet)
			r.With(s.requireCapability("write")).Put("/", s.handleDataPut)
			r.With(s.requireCapability("write")).Delete("/", s.handleDataDelete)
		})
		r.Post("/query", s.handleQuery)
	})
	return r
}

// peerContext is what signed-request verification established about the
// caller, when the caller is a peer shard.
type peerContext struct {
	shardID string
	cert    *pki.ShardCertificateInfo
}

type ctxKey int

const peerKey ctxKey = iota

func withPeer(ctx context.Context, peer *peerContext) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

func peerFrom(r *http.Request) *peerContext {
	peer, _ := r.Context().Value(peerKey).(*peerContext)
	return peer
}

// withAuth classifies each request. A request without the shard header is
// client traffic and passes with no peer context. A request with the
// header is peer traffic: when signing is on, the envelope must verify
// against the exact method, path, and body the peer signed. The body is
// consumed here and restored for the handler.
func (s *server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		shardID := r.Header.Get(signing.HeaderShardID)
		if shardID == "" {
			next.ServeHTTP(w, r)
			return
		}

		peer := &peerContext{shardID: shardID}
		if s.verifier != nil {
			// The sender signs the escaped path; r.URL.Path is the decoded
			// form, so rebuild from EscapedPath or the signature check
			// breaks for any id with escapable characters.
			req, err := signing.FromHTTPRequest(r.Method, r.URL.EscapedPath(), body, r.Header)
			if err != nil {
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			cert, err := s.verifier.Verify(req)
			if err != nil {
				s.rejectPeer(w, r, err)
				return
			}
			peer.cert = cert
			s.met.NonceCache.Set(float64(s.verifier.NonceCacheSize()))
		}

		next.ServeHTTP(w, r.WithContext(withPeer(r.Context(), peer)))
	})
}

// rejectPeer maps verification failures onto HTTP statuses: certificate
// problems are 403 (the peer is known but not trusted for this), the rest
// are 401. Both are definitive; the sender never retries them.
func (s *server) rejectPeer(w http.ResponseWriter, r *http.Request, err error) {
	reason := "invalid_signature"
	status := http.StatusUnauthorized
	switch {
	case errors.Is(err, signing.ErrStaleTimestamp):
		reason = "stale_timestamp"
	case errors.Is(err, signing.ErrReplayedNonce):
		reason = "replayed_nonce"
	case errors.Is(err, signing.ErrInvalidCertificate):
		reason = "invalid_certificate"
		status = http.StatusForbidden
	}

	s.met.AuthFailures.WithLabelValues(reason).Inc()
	s.log.Warn().
		Err(err).
		Str("path", r.URL.Path).
		Str("claimed_shard", r.Header.Get(signing.HeaderShardID)).
		Msg("rejected peer request")
	s.writeError(w, status, err.Error())
}

// requireCapability gates mutating endpoints: a peer shard must present a
// certificate granting the capability. Client traffic and unsigned
// clusters pass through.
func (s *server) requireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			peer := peerFrom(r)
			if peer != nil && peer.cert != nil && !peer.cert.HasCapability(capability) {
				s.met.AuthFailures.WithLabelValues("missing_capability").Inc()
				s.log.Warn().
					Str("peer", peer.shardID).
					Str("capability", capability).
					Msg("peer certificate lacks capability")
				s.writeError(w, http.StatusForbidden, "certificate does not grant "+capability)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.topo.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"shard_id": s.shardID,
		"shards":   len(snap.All()),
		"healthy":  len(snap.Healthy()),
	})
}

// handleTopology serves this node's view of the cluster, for operator
// tooling.
func (s *server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	snap := s.topo.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"fetched_at": snap.FetchedAt,
		"shards":     snap.All(),
	})
}

func (s *server) handleDataGet(w http.ResponseWriter, r *http.Request) {
	s.handleData(w, r, nil)
}

func (s *server) handleDataPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	s.handleData(w, r, body)
}

func (s *server) handleDataDelete(w http.ResponseWriter, r *http.Request) {
	s.handleData(w, r, nil)
}

func (s *server) handleData(w http.ResponseWriter, r *http.Request, body []byte) {
	urnText, err := url.PathUnescape(chi.URLParam(r, "urn"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad urn encoding")
		return
	}

	var res router.ShardResult
	if peerFrom(r) != nil {
		// Peer call: the sender already resolved us as the owner, so the
		// answer comes from local storage without another routing hop.
		res = s.localData(r.Method, urnText, body)
	} else {
		switch r.Method {
		case http.MethodGet:
			res = s.router.Get(r.Context(), urnText)
		case http.MethodPut:
			res = s.router.Put(r.Context(), urnText, body)
		case http.MethodDelete:
			res = s.router.Delete(r.Context(), urnText)
		}
	}
	s.writeResult(w, res)
}

// handleQuery serves both halves of query routing: a peer's fan-out
// sub-query executes locally and returns this shard's rows; a client
// query goes through the router, which picks a strategy and aggregates.
func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var q router.Query
	if err := json.Unmarshal(body, &q); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed query: "+err.Error())
		return
	}

	if peerFrom(r) != nil {
		resp, err := s.local.Query(r.Context(), &q)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	var agg *router.AggregateResult
	if q.Join == nil && len(q.Disjuncts) > 1 {
		agg, err = s.router.ExecuteDisjunctive(r.Context(), &q)
	} else {
		agg, err = s.router.ExecuteQuery(r.Context(), &q)
	}
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, resolver.ErrUnknownShard) {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, agg)
}

// localData executes a data operation against local storage only.
func (s *server) localData(method, urnText string, body []byte) router.ShardResult {
	start := time.Now()

	u, err := urn.Parse(urnText)
	if err != nil {
		return errResult(s.shardID, err, start)
	}
	key := u.PlacementKey()

	var data json.RawMessage
	switch method {
	case http.MethodGet:
		value, getErr := s.store.Get(key)
		if getErr != nil {
			return errResult(s.shardID, getErr, start)
		}
		data = value
	case http.MethodPut:
		if putErr := s.local.Put(key, body); putErr != nil {
			return errResult(s.shardID, putErr, start)
		}
	case http.MethodDelete:
		if delErr := s.local.Delete(key); delErr != nil {
			return errResult(s.shardID, delErr, start)
		}
	}

	return router.ShardResult{
		ShardID:         s.shardID,
		Success:         true,
		Data:            data,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

func errResult(shardID string, err error, start time.Time) router.ShardResult {
	return router.ShardResult{
		ShardID:         shardID,
		Err:             err,
		Error:           err.Error(),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

func (s *server) writeResult(w http.ResponseWriter, res router.ShardResult) {
	if !res.Success {
		status := http.StatusUnprocessableEntity
		if errors.Is(res.Err, storage.ErrKeyNotFound) {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
