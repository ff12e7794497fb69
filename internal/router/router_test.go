package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/internal/executor"
	"github.com/themisdb/themis/internal/index"
	"github.com/themisdb/themis/internal/resolver"
	"github.com/themisdb/themis/internal/ring"
	"github.com/themisdb/themis/internal/storage"
	"github.com/themisdb/themis/internal/topology"
)

// fakeRemote scripts per-shard responses and records every call.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []remoteCall
	respond func(shardID, method, path string, body json.RawMessage) *executor.Result
}

type remoteCall struct {
	shardID string
	method  string
	path    string
}

func (f *fakeRemote) Execute(ctx context.Context, shard *topology.Shard, method, path string, body json.RawMessage) *executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{shardID: shard.ShardID, method: method, path: path})
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(shard.ShardID, method, path, body)
	}
	return &executor.Result{ShardID: shard.ShardID, Success: true, HTTPStatus: 200, Data: json.RawMessage(`{"rows":[]}`)}
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func row(key, doc string) Row {
	return Row{Key: key, Document: json.RawMessage(doc)}
}

// newTestRouter builds a router whose ring contains only ringShards (so
// ownership is controllable) and whose topology holds all of topoShards.
func newTestRouter(t *testing.T, cfg Config, remote Remote, ringShards []string, topoShards []topology.Shard) (*Router, *StorageExecutor) {
	t.Helper()

	hashRing := ring.New()
	for _, id := range ringShards {
		hashRing.AddShard(id, 0)
	}

	topo := topology.New(topology.Config{
		MetadataEndpoint: "http://meta.invalid",
		ClusterName:      "test",
	}, zerolog.Nop())
	topo.Install(topoShards)

	res := resolver.New(topo, hashRing, cfg.LocalShardID, zerolog.Nop())
	local := NewStorageExecutor(storage.NewMemoryStore(), index.NewMemoryIndex())
	return New(cfg, res, remote, local, zerolog.Nop()), local
}

func healthyShards(ids ...string) []topology.Shard {
	shards := make([]topology.Shard, 0, len(ids))
	for _, id := range ids {
		shards = append(shards, topology.Shard{
			ShardID:  id,
			Endpoint: id + ".test:7420",
			Healthy:  true,
		})
	}
	return shards
}

func TestAnalyzeQuery(t *testing.T) {
	r, _ := newTestRouter(t, Config{LocalShardID: "shard-local"}, &fakeRemote{},
		[]string{"shard-local"}, healthyShards("shard-local"))

	tests := []struct {
		name  string
		query *Query
		want  Strategy
	}{
		{"urn literal", &Query{URN: "urn:themis:relational:app:users:alice"}, StrategySingleShard},
		{"join", &Query{Collection: "app:users", Join: &Join{Collection: "app:orders", Key: "user"}}, StrategyCrossShardJoin},
		{"namespace scoped", &Query{Namespace: "app", Collection: "app:users"}, StrategyNamespaceLocal},
		{"bare collection", &Query{Collection: "app:users"}, StrategyScatterGather},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.AnalyzeQuery(tt.query))
		})
	}
}

func TestDataOpsLocal(t *testing.T) {
	remote := &fakeRemote{}
	// Ring contains only the local shard, so every URN is local.
	r, _ := newTestRouter(t, Config{LocalShardID: "shard-local"}, remote,
		[]string{"shard-local"}, healthyShards("shard-local"))

	ctx := context.Background()
	doc := json.RawMessage(`{"name":"alice","city":"Berlin"}`)

	put := r.Put(ctx, "urn:themis:relational:app:users:alice", doc)
	require.True(t, put.Success, "put: %v", put.Err)
	assert.Equal(t, "shard-local", put.ShardID)

	got := r.Get(ctx, "urn:themis:relational:app:users:alice")
	require.True(t, got.Success, "get: %v", got.Err)
	assert.JSONEq(t, string(doc), string(got.Data))

	del := r.Delete(ctx, "urn:themis:relational:app:users:alice")
	require.True(t, del.Success, "delete: %v", del.Err)

	missing := r.Get(ctx, "urn:themis:relational:app:users:alice")
	assert.False(t, missing.Success)
	assert.ErrorIs(t, missing.Err, storage.ErrKeyNotFound)

	assert.Zero(t, remote.callCount(), "local ops must not touch the network")
}

func TestDataOpsRemote(t *testing.T) {
	remote := &fakeRemote{}
	// Ring contains only the remote shard, so every URN resolves there.
	r, _ := newTestRouter(t, Config{LocalShardID: "shard-local"}, remote,
		[]string{"shard-002"}, healthyShards("shard-local", "shard-002"))

	res := r.Get(context.Background(), "urn:themis:relational:app:users:alice")
	require.True(t, res.Success)
	assert.Equal(t, "shard-002", res.ShardID)

	require.Len(t, remote.calls, 1)
	assert.Equal(t, http.MethodGet, remote.calls[0].method)
	assert.Contains(t, remote.calls[0].path, "/api/v1/data/")
}

func TestDataOpInvalidURN(t *testing.T) {
	r, _ := newTestRouter(t, Config{LocalShardID: "shard-local"}, &fakeRemote{},
		[]string{"shard-local"}, healthyShards("shard-local"))

	res := r.Get(context.Background(), "not-a-urn")
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestScatterGatherMergesAndDedupes(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(shardID, method, path string, body json.RawMessage) *executor.Result {
		var data json.RawMessage
		switch shardID {
		case "shard-002":
			data, _ = json.Marshal(QueryResponse{Rows: []Row{
				row("app:users:bob", `{"name":"bob"}`),
				row("app:users:carol", `{"name":"carol"}`),
			}})
		case "shard-003":
			// Overlaps with shard-002 on carol; the union must keep one.
			data, _ = json.Marshal(QueryResponse{Rows: []Row{
				row("app:users:carol", `{"name":"carol"}`),
			}})
		}
		return &executor.Result{ShardID: shardID, Success: true, HTTPStatus: 200, Data: data}
	}

	r, local := newTestRouter(t, Config{LocalShardID: "shard-local"}, remote,
		[]string{"shard-local"}, healthyShards("shard-local", "shard-002", "shard-003"))
	require.NoError(t, local.Put("app:users:alice", []byte(`{"name":"alice"}`)))

	agg, err := r.ExecuteQuery(context.Background(), &Query{Collection: "app:users"})
	require.NoError(t, err)

	assert.Equal(t, StrategyScatterGather, agg.Strategy)
	assert.False(t, agg.Partial)
	assert.NotEmpty(t, agg.QueryID)
	require.Len(t, agg.Results, 3)

	keys := make([]string, 0, len(agg.Rows))
	for _, row := range agg.Rows {
		keys = append(keys, row.Key)
	}
	assert.Equal(t, []string{"app:users:alice", "app:users:bob", "app:users:carol"}, keys)
}

func TestScatterGatherPartialTimeout(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(shardID, method, path string, body json.RawMessage) *executor.Result {
		if shardID == "shard-003" {
			return &executor.Result{
				ShardID: shardID,
				Err:     fmt.Errorf("executor: shard %s unreachable after 3 attempts: %w", shardID, context.DeadlineExceeded),
			}
		}
		return &executor.Result{
			ShardID: shardID, Success: true, HTTPStatus: 200,
			Data: json.RawMessage(`{"rows":[{"key":"app:users:` + shardID + `","document":{}}]}`),
		}
	}

	r, _ := newTestRouter(t, Config{LocalShardID: "shard-001"}, remote,
		[]string{"shard-002"}, healthyShards("shard-002", "shard-003", "shard-004"))

	agg, err := r.ExecuteQuery(context.Background(), &Query{Collection: "app:users"})
	require.NoError(t, err, "a timed-out shard must not abort the call")

	assert.True(t, agg.Partial)
	assert.Len(t, agg.Rows, 2, "surviving shards still contribute rows")

	var timedOut, succeeded int
	for _, res := range agg.Results {
		switch {
		case res.TimedOut:
			timedOut++
			assert.Equal(t, "shard-003", res.ShardID, "timeout attributable to the slow shard")
			assert.False(t, res.Success)
		case res.Success:
			succeeded++
		}
	}
	assert.Equal(t, 1, timedOut)
	assert.Equal(t, 2, succeeded)
}

func TestShardFailureDistinctFromEmptyResult(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(shardID, method, path string, body json.RawMessage) *executor.Result {
		if shardID == "shard-003" {
			return &executor.Result{ShardID: shardID, Err: errors.New("storage engine fault")}
		}
		// A real answer with no rows.
		return &executor.Result{ShardID: shardID, Success: true, HTTPStatus: 200, Data: json.RawMessage(`{"rows":[]}`)}
	}

	r, _ := newTestRouter(t, Config{LocalShardID: "shard-001"}, remote,
		[]string{"shard-002"}, healthyShards("shard-002", "shard-003"))

	agg, err := r.ExecuteQuery(context.Background(), &Query{Collection: "app:users"})
	require.NoError(t, err)

	byShard := make(map[string]ShardResult)
	for _, res := range agg.Results {
		byShard[res.ShardID] = res
	}
	assert.True(t, byShard["shard-002"].Success, "empty result is still a success")
	assert.False(t, byShard["shard-002"].TimedOut)
	assert.False(t, byShard["shard-003"].Success)
	assert.False(t, byShard["shard-003"].TimedOut, "a fault is a failure, not a timeout")
	assert.Contains(t, byShard["shard-003"].Error, "storage engine fault")
}

func TestRawScatterGather(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(shardID, method, path string, body json.RawMessage) *executor.Result {
		if shardID == "shard-003" {
			return &executor.Result{ShardID: shardID, Err: errors.New("connection refused")}
		}
		return &executor.Result{ShardID: shardID, Success: true, HTTPStatus: 200, Data: json.RawMessage(`{"flushed":true}`)}
	}

	r, _ := newTestRouter(t, Config{LocalShardID: "shard-001"}, remote,
		[]string{"shard-001"}, healthyShards("shard-001", "shard-002", "shard-003"))

	results := r.ScatterGather(context.Background(), http.MethodPost, "/api/v1/admin/flush", nil)
	require.Len(t, results, 3)

	byShard := make(map[string]ShardResult)
	for _, res := range results {
		byShard[res.ShardID] = res
	}
	assert.True(t, byShard["shard-001"].Success)
	assert.True(t, byShard["shard-002"].Success)
	assert.False(t, byShard["shard-003"].Success)

	for _, call := range remote.calls {
		assert.Equal(t, http.MethodPost, call.method)
		assert.Equal(t, "/api/v1/admin/flush", call.path)
	}
}

func TestNamespaceLocalQuery(t *testing.T) {
	remote := &fakeRemote{}
	r, local := newTestRouter(t, Config{LocalShardID: "shard-local"}, remote,
		[]string{"shard-local"}, healthyShards("shard-local"))

	require.NoError(t, local.Put("app:users:alice", []byte(`{"name":"alice"}`)))
	require.NoError(t, local.Put("app:users:bob", []byte(`{"name":"bob"}`)))

	agg, err := r.ExecuteQuery(context.Background(), &Query{Namespace: "app", Collection: "app:users"})
	require.NoError(t, err)

	assert.Equal(t, StrategyNamespaceLocal, agg.Strategy)
	require.Len(t, agg.Results, 1, "namespace-local is a single-shard operation")
	assert.Len(t, agg.Rows, 2)
	assert.Zero(t, remote.callCount())
}

func TestDisjunctiveQueryDedup(t *testing.T) {
	r, local := newTestRouter(t, Config{LocalShardID: "shard-local"}, &fakeRemote{},
		[]string{"shard-local"}, healthyShards("shard-local"))

	require.NoError(t, local.Put("app:users:alice", []byte(`{"name":"alice","city":"Berlin","age":25}`)))
	require.NoError(t, local.Put("app:users:bob", []byte(`{"name":"bob","city":"Munich","age":30}`)))
	require.NoError(t, local.Put("app:users:charlie", []byte(`{"name":"charlie","city":"Berlin","age":35}`)))

	agg, err := r.ExecuteDisjunctive(context.Background(), &Query{
		Collection: "app:users",
		Disjuncts: []index.Predicate{
			{Field: "city", Op: index.OpEq, Value: "Berlin"},
			{Field: "age", Op: index.OpEq, Value: "25"},
		},
	})
	require.NoError(t, err)

	// alice matches both disjuncts but appears exactly once.
	keys := make([]string, 0, len(agg.Rows))
	for _, row := range agg.Rows {
		keys = append(keys, row.Key)
	}
	assert.Equal(t, []string{"app:users:alice", "app:users:charlie"}, keys)
}

func TestCrossShardJoin(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(shardID, method, path string, body json.RawMessage) *executor.Result {
		var q Query
		if err := json.Unmarshal(body, &q); err != nil {
			return &executor.Result{ShardID: shardID, Err: err}
		}
		var data json.RawMessage
		if q.Collection == "app:orders" {
			data, _ = json.Marshal(QueryResponse{Rows: []Row{
				row("app:orders:1001", `{"order":"1001","user":"alice","total":40}`),
				row("app:orders:1002", `{"order":"1002","user":"alice","total":15}`),
				row("app:orders:1003", `{"order":"1003","user":"dave","total":99}`),
			}})
		} else {
			data, _ = json.Marshal(QueryResponse{Rows: []Row{
				row("app:users:alice", `{"user":"alice","city":"Berlin"}`),
				row("app:users:bob", `{"user":"bob","city":"Munich"}`),
			}})
		}
		return &executor.Result{ShardID: shardID, Success: true, HTTPStatus: 200, Data: data}
	}

	r, _ := newTestRouter(t, Config{LocalShardID: "shard-001"}, remote,
		[]string{"shard-002"}, healthyShards("shard-002"))

	agg, err := r.ExecuteQuery(context.Background(), &Query{
		Collection: "app:users",
		Join:       &Join{Collection: "app:orders", Key: "user"},
	})
	require.NoError(t, err)

	assert.Equal(t, StrategyCrossShardJoin, agg.Strategy)
	// alice has two orders, bob none, dave's order has no matching user.
	require.Len(t, agg.Rows, 2)
	for _, joined := range agg.Rows {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(joined.Document, &doc))
		assert.Equal(t, "alice", doc["user"])
		assert.Equal(t, "Berlin", doc["city"], "join merges user fields onto order rows")
		assert.Contains(t, doc, "total")
	}
}

func TestCrossShardJoinRequiresJoinClause(t *testing.T) {
	r, _ := newTestRouter(t, Config{LocalShardID: "shard-local"}, &fakeRemote{},
		[]string{"shard-local"}, healthyShards("shard-local"))

	_, err := r.CrossShardJoin(context.Background(), &Query{Collection: "app:users"})
	assert.Error(t, err)
}

func TestApplyPagination(t *testing.T) {
	rows := []Row{row("a", `{}`), row("b", `{}`), row("c", `{}`), row("d", `{}`)}

	tests := []struct {
		name   string
		limit  int
		offset int
		want   []string
	}{
		{"no pagination", 0, 0, []string{"a", "b", "c", "d"}},
		{"limit only", 2, 0, []string{"a", "b"}},
		{"offset only", 0, 1, []string{"b", "c", "d"}},
		{"limit and offset", 2, 1, []string{"b", "c"}},
		{"offset past end", 0, 10, nil},
		{"limit past end", 10, 0, []string{"a", "b", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyPagination(rows, tt.limit, tt.offset)
			keys := make([]string, 0, len(got))
			for _, r := range got {
				keys = append(keys, r.Key)
			}
			if tt.want == nil {
				assert.Empty(t, keys)
			} else {
				assert.Equal(t, tt.want, keys)
			}
		})
	}
}

func TestAggregateStats(t *testing.T) {
	agg := &AggregateResult{
		Rows: []Row{row("a", `{}`)},
		Results: []ShardResult{
			{ShardID: "s1", Success: true},
			{ShardID: "s2", TimedOut: true},
			{ShardID: "s3"},
		},
	}

	stats := agg.Stats()
	assert.Equal(t, 3, stats.ShardsQueried)
	assert.Equal(t, 1, stats.ShardsOK)
	assert.Equal(t, 1, stats.ShardsTimedOut)
	assert.Equal(t, 1, stats.ShardsFailed)
	assert.Equal(t, 1, stats.RowsReturned)
}

func TestResultCaching(t *testing.T) {
	remote := &fakeRemote{}
	r, _ := newTestRouter(t, Config{LocalShardID: "shard-001", EnableResultCaching: true}, remote,
		[]string{"shard-002"}, healthyShards("shard-002"))

	q := &Query{Collection: "app:users"}
	first, err := r.ExecuteQuery(context.Background(), q)
	require.NoError(t, err)
	callsAfterFirst := remote.callCount()

	second, err := r.ExecuteQuery(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, remote.callCount(), "second query must be served from cache")
	assert.Equal(t, first.QueryID, second.QueryID)
}
