// Package router picks a routing strategy for each operation, executes it
// locally or across remote shards, and aggregates the per-shard results.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/themisdb/themis/internal/executor"
	"github.com/themisdb/themis/internal/index"
	"github.com/themisdb/themis/internal/metrics"
	"github.com/themisdb/themis/internal/resolver"
	"github.com/themisdb/themis/internal/topology"
	"github.com/themisdb/themis/internal/urn"
)

// Strategy names how an operation reaches its target shards.
type Strategy string

const (
	// StrategySingleShard targets the one shard owning a URN.
	StrategySingleShard Strategy = "single_shard"
	// StrategyNamespaceLocal targets the one shard owning a whole
	// namespace-scoped collection, placed by namespace-consistent hashing.
	StrategyNamespaceLocal Strategy = "namespace_local"
	// StrategyScatterGather fans out to every healthy shard and merges.
	StrategyScatterGather Strategy = "scatter_gather"
	// StrategyCrossShardJoin scatters two collections and joins locally.
	StrategyCrossShardJoin Strategy = "cross_shard_join"
)

// Defaults for routing tuning.
const (
	DefaultScatterTimeout      = 30 * time.Second
	DefaultMaxConcurrentShards = 10

	resultCacheTTL = 5 * time.Second
)

// Join describes the join stage of a cross-shard query: rows of the main
// collection are matched against rows of Collection on the field Key.
type Join struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

// Query is the routed query form. Exactly one addressing mode applies:
// a URN literal pins the query to one record's shard, a namespace scopes
// it to the namespace's shard, and a bare collection scatters. Collection
// is namespace-qualified ("namespace:collection"), matching placement key
// prefixes. Disjuncts are OR-combined predicates.
type Query struct {
	URN        string            `json:"urn,omitempty"`
	Namespace  string            `json:"namespace,omitempty"`
	Collection string            `json:"collection,omitempty"`
	Join       *Join             `json:"join,omitempty"`
	Disjuncts  []index.Predicate `json:"disjuncts,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// Row is one record in a query result, addressed by its placement key.
type Row struct {
	Key      string          `json:"key"`
	Document json.RawMessage `json:"document"`
}

// QueryResponse is the per-shard query result payload.
type QueryResponse struct {
	Rows []Row `json:"rows"`
}

// ShardResult is one shard's contribution to a routed operation. Success
// false with TimedOut false means the shard answered and failed; TimedOut
// true means it never answered within the scatter deadline. A successful
// result with zero rows is a real answer, distinct from either failure.
type ShardResult struct {
	ShardID         string          `json:"shard_id"`
	Success         bool            `json:"success"`
	TimedOut        bool            `json:"timed_out"`
	Data            json.RawMessage `json:"data,omitempty"`
	Err             error           `json:"-"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
}

// AggregateResult is the merged outcome of a routed query.
type AggregateResult struct {
	QueryID     string        `json:"query_id"`
	Strategy    Strategy      `json:"strategy"`
	Rows        []Row         `json:"rows"`
	Results     []ShardResult `json:"shard_results"`
	Partial     bool          `json:"partial"`
	TotalTimeMS int64         `json:"total_time_ms"`
}

// Statistics summarizes an aggregate result.
type Statistics struct {
	ShardsQueried  int `json:"shards_queried"`
	ShardsOK       int `json:"shards_ok"`
	ShardsFailed   int `json:"shards_failed"`
	ShardsTimedOut int `json:"shards_timed_out"`
	RowsReturned   int `json:"rows_returned"`
}

// Stats computes per-shard outcome counts.
func (a *AggregateResult) Stats() Statistics {
	s := Statistics{ShardsQueried: len(a.Results), RowsReturned: len(a.Rows)}
	for _, r := range a.Results {
		switch {
		case r.Success:
			s.ShardsOK++
		case r.TimedOut:
			s.ShardsTimedOut++
		default:
			s.ShardsFailed++
		}
	}
	return s
}

// Remote sends one authenticated request to a remote shard.
type Remote interface {
	Execute(ctx context.Context, shard *topology.Shard, method, path string, body json.RawMessage) *executor.Result
}

// Config tunes routing behavior.
type Config struct {
	LocalShardID        string
	ScatterTimeout      time.Duration
	MaxConcurrentShards int
	EnableQueryPushdown bool
	EnableResultCaching bool
}

// Router is the top-level orchestrator for data and query operations.
type Router struct {
	cfg      Config
	resolver *resolver.Resolver
	remote   Remote
	local    Local
	log      zerolog.Logger
	met      *metrics.Metrics

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	result  *AggregateResult
	expires time.Time
}

// New creates a router. Zero config fields take the documented defaults.
func New(cfg Config, res *resolver.Resolver, remote Remote, local Local, logger zerolog.Logger) *Router {
	if cfg.ScatterTimeout <= 0 {
		cfg.ScatterTimeout = DefaultScatterTimeout
	}
	if cfg.MaxConcurrentShards <= 0 {
		cfg.MaxConcurrentShards = DefaultMaxConcurrentShards
	}
	return &Router{
		cfg:      cfg,
		resolver: res,
		remote:   remote,
		local:    local,
		log:      logger.With().Str("component", "router").Logger(),
		cache:    make(map[string]cacheEntry),
	}
}

// SetMetrics attaches instrumentation.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.met = m
}

// AnalyzeQuery picks the strategy for a query. A URN literal pins the
// query to one shard; a join forces the scatter-plus-join path; a
// namespace-scoped query lands on the namespace's shard; anything else
// scatters to all healthy shards.
func (r *Router) AnalyzeQuery(q *Query) Strategy {
	switch {
	case q.URN != "":
		return StrategySingleShard
	case q.Join != nil:
		return StrategyCrossShardJoin
	case q.Namespace != "":
		return StrategyNamespaceLocal
	default:
		return StrategyScatterGather
	}
}

// Get fetches one record by URN, locally or from its owning shard.
func (r *Router) Get(ctx context.Context, urnText string) ShardResult {
	return r.dataOp(ctx, urnText, http.MethodGet, nil)
}

// Put writes one record by URN.
func (r *Router) Put(ctx context.Context, urnText string, document json.RawMessage) ShardResult {
	return r.dataOp(ctx, urnText, http.MethodPut, document)
}

// Delete removes one record by URN.
func (r *Router) Delete(ctx context.Context, urnText string) ShardResult {
	return r.dataOp(ctx, urnText, http.MethodDelete, nil)
}

func (r *Router) dataOp(ctx context.Context, urnText, method string, body json.RawMessage) ShardResult {
	start := time.Now()
	r.observe(StrategySingleShard)

	u, err := urn.Parse(urnText)
	if err != nil {
		return r.failed("", err, start)
	}
	res, err := r.resolver.Resolve(u)
	if err != nil {
		return r.failed("", err, start)
	}

	shard := res.Primary
	if shard.ShardID == r.cfg.LocalShardID {
		return r.localDataOp(u, shard.ShardID, method, body, start)
	}

	path := "/api/v1/data/" + url.PathEscape(urnText)
	out := r.remote.Execute(ctx, &shard, method, path, body)
	return fromExecutorResult(ctx, out)
}

func (r *Router) localDataOp(u urn.URN, shardID, method string, body json.RawMessage, start time.Time) ShardResult {
	key := u.PlacementKey()
	var err error
	var data json.RawMessage

	switch method {
	case http.MethodGet:
		var value []byte
		value, err = r.local.Get(key)
		data = value
	case http.MethodPut:
		err = r.local.Put(key, body)
	case http.MethodDelete:
		err = r.local.Delete(key)
	default:
		err = fmt.Errorf("router: unsupported data operation %s", method)
	}

	if err != nil {
		return r.failed(shardID, err, start)
	}
	return ShardResult{
		ShardID:         shardID,
		Success:         true,
		Data:            data,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

// ExecuteQuery routes a query by its analyzed strategy and merges the
// per-shard results. Partial scatter failures do not fail the call; the
// aggregate carries each shard's outcome.
func (r *Router) ExecuteQuery(ctx context.Context, q *Query) (*AggregateResult, error) {
	start := time.Now()
	strategy := r.AnalyzeQuery(q)
	r.observe(strategy)

	if cached, ok := r.cachedResult(q); ok {
		return cached, nil
	}

	var agg *AggregateResult
	var err error
	switch strategy {
	case StrategySingleShard, StrategyNamespaceLocal:
		agg, err = r.singleTargetQuery(ctx, q, strategy)
	case StrategyCrossShardJoin:
		agg, err = r.CrossShardJoin(ctx, q)
	default:
		agg, err = r.scatterQuery(ctx, q)
	}
	if err != nil {
		if r.met != nil {
			r.met.RouterErrors.WithLabelValues(string(strategy)).Inc()
		}
		return nil, err
	}

	agg.TotalTimeMS = time.Since(start).Milliseconds()
	if r.met != nil {
		r.met.RouterLatency.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())
		r.met.ShardsQueried.Observe(float64(len(agg.Results)))
	}
	r.storeResult(q, agg)
	return agg, nil
}

// singleTargetQuery handles the two one-shard strategies; they differ
// only in how the target is chosen.
func (r *Router) singleTargetQuery(ctx context.Context, q *Query, strategy Strategy) (*AggregateResult, error) {
	var target string
	var err error

	if strategy == StrategySingleShard {
		u, parseErr := urn.Parse(q.URN)
		if parseErr != nil {
			return nil, parseErr
		}
		target, err = r.resolver.ShardID(u)
	} else {
		target, err = r.resolver.NamespaceShardID(urn.URN{
			Namespace:  q.Namespace,
			Collection: collectionName(q.Collection),
		})
	}
	if err != nil {
		return nil, err
	}

	shard, ok := r.resolver.Shard(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", resolver.ErrUnknownShard, target)
	}

	result := r.executeOn(ctx, shard, q)
	agg := &AggregateResult{
		QueryID:  uuid.NewString(),
		Strategy: strategy,
		Results:  []ShardResult{result},
		Partial:  !result.Success,
	}
	if result.Success {
		agg.Rows = rowsOf(result)
	}
	agg.Rows = ApplyPagination(agg.Rows, q.Limit, q.Offset)
	return agg, nil
}

// scatterQuery fans the query out to every healthy shard and unions the
// rows, deduplicated by placement key.
func (r *Router) scatterQuery(ctx context.Context, q *Query) (*AggregateResult, error) {
	targets := r.resolver.HealthyShards()
	results := r.scatterGather(ctx, targets, q)

	agg := &AggregateResult{
		QueryID:  uuid.NewString(),
		Strategy: StrategyScatterGather,
		Results:  results,
	}
	var rows []Row
	for _, res := range results {
		if res.Success {
			rows = append(rows, rowsOf(res)...)
		} else {
			agg.Partial = true
		}
	}
	agg.Rows = ApplyPagination(dedupeByKey(rows), q.Limit, q.Offset)
	return agg, nil
}

// scatterGather dispatches the query to each target concurrently, bounded
// by MaxConcurrentShards, and collects until completion or the scatter
// deadline. A timed-out shard is flagged, not fatal.
func (r *Router) scatterGather(ctx context.Context, targets []topology.Shard, q *Query) []ShardResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ScatterTimeout)
	defer cancel()

	results := make([]ShardResult, len(targets))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrentShards)

	for i := range targets {
		i := i
		shard := targets[i]
		g.Go(func() error {
			results[i] = r.executeOn(ctx, shard, q)
			return nil
		})
	}
	_ = g.Wait() // tasks never return errors; outcomes live in results

	return results
}

// ScatterGather fans a raw operation out to every healthy shard and
// collects per-shard results. Query execution goes through ExecuteQuery;
// this entry point serves administrative fan-out such as stats
// collection or cache invalidation, where the payload is opaque to the
// router.
func (r *Router) ScatterGather(ctx context.Context, method, path string, body json.RawMessage) []ShardResult {
	targets := r.resolver.HealthyShards()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ScatterTimeout)
	defer cancel()

	results := make([]ShardResult, len(targets))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrentShards)

	for i := range targets {
		i := i
		shard := targets[i]
		g.Go(func() error {
			out := r.remote.Execute(ctx, &shard, method, path, body)
			results[i] = fromExecutorResult(ctx, out)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// executeOn runs the query on one shard, locally when the target is this
// process.
func (r *Router) executeOn(ctx context.Context, shard topology.Shard, q *Query) ShardResult {
	start := time.Now()

	if shard.ShardID == r.cfg.LocalShardID {
		resp, err := r.local.Query(ctx, q)
		if err != nil {
			out := r.failed(shard.ShardID, err, start)
			out.TimedOut = errors.Is(err, context.DeadlineExceeded)
			return out
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return r.failed(shard.ShardID, err, start)
		}
		return ShardResult{
			ShardID:         shard.ShardID,
			Success:         true,
			Data:            data,
			ExecutionTimeMS: time.Since(start).Milliseconds(),
		}
	}

	body, err := json.Marshal(q)
	if err != nil {
		return r.failed(shard.ShardID, err, start)
	}
	out := r.remote.Execute(ctx, &shard, http.MethodPost, "/api/v1/query", body)
	return fromExecutorResult(ctx, out)
}

// CrossShardJoin scatters the main collection and the join collection,
// then joins the two row sets locally on the join key field. Each shard's
// contribution is a faithful local answer, so the join itself is a pure
// merge stage.
func (r *Router) CrossShardJoin(ctx context.Context, q *Query) (*AggregateResult, error) {
	if q.Join == nil || q.Join.Collection == "" || q.Join.Key == "" {
		return nil, fmt.Errorf("router: cross-shard join requires a join collection and key")
	}

	targets := r.resolver.HealthyShards()

	left := &Query{Collection: q.Collection, Disjuncts: q.Disjuncts}
	right := &Query{Collection: q.Join.Collection}

	leftResults := r.scatterGather(ctx, targets, left)
	rightResults := r.scatterGather(ctx, targets, right)

	agg := &AggregateResult{
		QueryID:  uuid.NewString(),
		Strategy: StrategyCrossShardJoin,
		Results:  append(leftResults, rightResults...),
	}

	var leftRows, rightRows []Row
	for _, res := range leftResults {
		if res.Success {
			leftRows = append(leftRows, rowsOf(res)...)
		} else {
			agg.Partial = true
		}
	}
	for _, res := range rightResults {
		if res.Success {
			rightRows = append(rightRows, rowsOf(res)...)
		} else {
			agg.Partial = true
		}
	}

	joined := joinRows(dedupeByKey(leftRows), dedupeByKey(rightRows), q.Join.Key)
	agg.Rows = ApplyPagination(joined, q.Limit, q.Offset)
	return agg, nil
}

// ExecuteDisjunctive evaluates each disjunct as an independent routed
// sub-query, unions the result sets, and deduplicates by placement key:
// a record matching several disjuncts appears exactly once.
func (r *Router) ExecuteDisjunctive(ctx context.Context, q *Query) (*AggregateResult, error) {
	if len(q.Disjuncts) == 0 {
		return r.ExecuteQuery(ctx, q)
	}
	start := time.Now()
	r.observe(StrategyScatterGather)

	targets := r.resolver.HealthyShards()
	agg := &AggregateResult{
		QueryID:  uuid.NewString(),
		Strategy: StrategyScatterGather,
	}

	var rows []Row
	for _, pred := range q.Disjuncts {
		sub := &Query{Collection: q.Collection, Disjuncts: []index.Predicate{pred}}
		results := r.scatterGather(ctx, targets, sub)
		agg.Results = append(agg.Results, results...)
		for _, res := range results {
			if res.Success {
				rows = append(rows, rowsOf(res)...)
			} else {
				agg.Partial = true
			}
		}
	}

	agg.Rows = ApplyPagination(dedupeByKey(rows), q.Limit, q.Offset)
	agg.TotalTimeMS = time.Since(start).Milliseconds()
	return agg, nil
}

// ApplyPagination slices rows by offset and limit. Zero limit means
// unbounded.
func ApplyPagination(rows []Row, limit, offset int) []Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// dedupeByKey unions rows on placement key, first occurrence wins, sorted
// for deterministic output.
func dedupeByKey(rows []Row) []Row {
	seen := make(map[string]bool, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if seen[row.Key] {
			continue
		}
		seen[row.Key] = true
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// joinRows matches left rows to right rows on the join key field and
// merges the documents; left fields win on collision. Left rows without a
// match are dropped (inner join).
func joinRows(left, right []Row, key string) []Row {
	byValue := make(map[string][]Row)
	for _, row := range right {
		if v, ok := fieldValue(row.Document, key); ok {
			byValue[v] = append(byValue[v], row)
		}
	}

	var out []Row
	for _, l := range left {
		v, ok := fieldValue(l.Document, key)
		if !ok {
			continue
		}
		for _, match := range byValue[v] {
			merged := mergeDocuments(match.Document, l.Document)
			out = append(out, Row{Key: l.Key + "+" + match.Key, Document: merged})
		}
	}
	return out
}

// fieldValue pulls a top-level field from a JSON document as its string
// form, matching the index's scalar flattening.
func fieldValue(doc json.RawMessage, field string) (string, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(doc, &raw); err != nil {
		return "", false
	}
	value, ok := raw[field]
	if !ok {
		return "", false
	}
	var str string
	if err := json.Unmarshal(value, &str); err == nil {
		return str, true
	}
	var num float64
	if err := json.Unmarshal(value, &num); err == nil {
		return trimFloat(num), true
	}
	return "", false
}

// mergeDocuments overlays wins's fields onto base's.
func mergeDocuments(base, wins json.RawMessage) json.RawMessage {
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return wins
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(wins, &top); err != nil {
		return base
	}
	for k, v := range top {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return wins
	}
	return out
}

// rowsOf decodes a shard result's payload as a QueryResponse.
func rowsOf(res ShardResult) []Row {
	var resp QueryResponse
	if err := json.Unmarshal(res.Data, &resp); err != nil {
		return nil
	}
	return resp.Rows
}

// fromExecutorResult converts a remote execution outcome, flagging
// deadline expiry as a timeout rather than a shard failure.
func fromExecutorResult(ctx context.Context, out *executor.Result) ShardResult {
	res := ShardResult{
		ShardID:         out.ShardID,
		Success:         out.Success,
		Data:            out.Data,
		Err:             out.Err,
		ExecutionTimeMS: out.ExecutionTimeMS,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
		if errors.Is(out.Err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
		}
	}
	return res
}

func (r *Router) failed(shardID string, err error, start time.Time) ShardResult {
	r.log.Debug().Err(err).Str("shard", shardID).Msg("operation failed")
	return ShardResult{
		ShardID:         shardID,
		Err:             err,
		Error:           err.Error(),
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
}

func (r *Router) observe(strategy Strategy) {
	if r.met != nil {
		r.met.RouterRequests.WithLabelValues(string(strategy)).Inc()
	}
}

// cachedResult returns a fresh cached aggregate for the query, if any.
func (r *Router) cachedResult(q *Query) (*AggregateResult, bool) {
	if !r.cfg.EnableResultCaching {
		return nil, false
	}
	key, err := json.Marshal(q)
	if err != nil {
		return nil, false
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	entry, ok := r.cache[string(key)]
	if !ok || time.Now().After(entry.expires) {
		delete(r.cache, string(key))
		return nil, false
	}
	return entry.result, true
}

func (r *Router) storeResult(q *Query, agg *AggregateResult) {
	if !r.cfg.EnableResultCaching || agg.Partial {
		return
	}
	key, err := json.Marshal(q)
	if err != nil {
		return
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[string(key)] = cacheEntry{result: agg, expires: time.Now().Add(resultCacheTTL)}
}

// collectionName strips a namespace prefix if the caller passed the full
// "namespace:collection" form.
func collectionName(collection string) string {
	for i := 0; i < len(collection); i++ {
		if collection[i] == ':' {
			return collection[i+1:]
		}
	}
	return collection
}
