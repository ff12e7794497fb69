// Package main implements shardctl, the operator command-line tool for a
// Themis cluster.
//
// shardctl talks to a running shardd node over its HTTP API and supports
// inspecting topology, resolving URNs to their owning shards, and issuing
// data and query operations:
//
//	shardctl topology                          # show the cluster shard map
//	shardctl resolve urn:themis:kv:app:cfg:x   # which shard owns this URN?
//	shardctl get urn:themis:relational:app:users:alice
//	shardctl put urn:themis:relational:app:users:alice '{"name":"alice"}'
//	shardctl delete urn:themis:relational:app:users:alice
//	shardctl query '{"collection":"app:users","disjuncts":[...]}'
//
// Configuration:
//   - -node flag or THEMIS_NODE: base URL of a shardd node
//     (default: "http://127.0.0.1:7420")
//
// Data and query commands are sent as client traffic: the receiving node
// routes them across the cluster, so any node works as an entry point.
// Resolution happens client-side against the node's topology snapshot,
// which makes it usable even against a partially degraded cluster.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/themisdb/themis/internal/ring"
	"github.com/themisdb/themis/internal/topology"
	"github.com/themisdb/themis/internal/urn"
)

const requestTimeout = 15 * time.Second

func main() {
	node := flag.String("node", getenv("THEMIS_NODE", "http://127.0.0.1:7420"),
		"base URL of a shardd node")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c := &client{base: *node, http: &http.Client{Timeout: requestTimeout}}

	var err error
	switch cmd := args[0]; cmd {
	case "topology":
		err = cmdTopology(ctx, c)
	case "resolve":
		err = cmdResolve(ctx, c, args[1:])
	case "get":
		err = cmdData(ctx, c, http.MethodGet, args[1:], "")
	case "put":
		if len(args) != 3 {
			err = fmt.Errorf("usage: shardctl put <urn> <json-document>")
		} else {
			err = cmdData(ctx, c, http.MethodPut, args[1:2], args[2])
		}
	case "delete":
		err = cmdData(ctx, c, http.MethodDelete, args[1:], "")
	case "query":
		err = cmdQuery(ctx, c, args[1:])
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "shardctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: shardctl [-node URL] <command> [args]

Commands:
  topology              show the cluster shard map
  resolve <urn>         show which shard owns a URN
  get <urn>             fetch a document
  put <urn> <json>      store a document
  delete <urn>          delete a document
  query <json>          run a query (routed by the receiving node)
`)
	flag.PrintDefaults()
}

// client wraps HTTP access to a single shardd node.
type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// fetchTopology pulls the node's current topology snapshot.
func (c *client) fetchTopology(ctx context.Context) ([]topology.Shard, time.Time, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/topology", nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetch topology: %w", err)
	}
	if status != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("fetch topology: HTTP %d: %s", status, body)
	}

	var doc struct {
		FetchedAt time.Time        `json:"fetched_at"`
		Shards    []topology.Shard `json:"shards"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode topology: %w", err)
	}
	return doc.Shards, doc.FetchedAt, nil
}

func cmdTopology(ctx context.Context, c *client) error {
	shards, fetchedAt, err := c.fetchTopology(ctx)
	if err != nil {
		return err
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i].ShardID < shards[j].ShardID })

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tENDPOINT\tDC\tTOKENS\tHEALTHY")
	for _, sh := range shards {
		tokens := "-"
		if sh.TokenEnd > 0 {
			tokens = fmt.Sprintf("%d..%d", sh.TokenStart, sh.TokenEnd)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
			sh.ShardID, sh.Endpoint, sh.Datacenter, tokens, sh.Healthy)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d shards, snapshot from %s\n", len(shards), fetchedAt.Format(time.RFC3339))
	return nil
}

// cmdResolve maps a URN to its owning shard using the same ring
// construction the nodes use, against the topology fetched from the node.
func cmdResolve(ctx context.Context, c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shardctl resolve <urn>")
	}
	u, err := urn.Parse(args[0])
	if err != nil {
		return err
	}

	shards, _, err := c.fetchTopology(ctx)
	if err != nil {
		return err
	}

	r := ring.New()
	byID := make(map[string]topology.Shard, len(shards))
	for _, sh := range shards {
		byID[sh.ShardID] = sh
		if sh.TokenEnd > 0 {
			r.AddShardTokens(sh.ShardID, []uint64{sh.TokenEnd})
		} else {
			r.AddShard(sh.ShardID, 0)
		}
	}

	key := u.PlacementKey()
	owner, err := r.Lookup(key)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", key, err)
	}

	fmt.Printf("urn:            %s\n", u)
	fmt.Printf("placement key:  %s\n", key)
	fmt.Printf("hash:           %d\n", xxhash.Sum64String(key))
	fmt.Printf("owner:          %s\n", owner)
	if sh, found := byID[owner]; found {
		fmt.Printf("endpoint:       %s\n", sh.Endpoint)
		fmt.Printf("healthy:        %v\n", sh.Healthy)
	}
	return nil
}

func cmdData(ctx context.Context, c *client, method string, args []string, document string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shardctl %s <urn>", map[string]string{
			http.MethodGet: "get", http.MethodPut: "put", http.MethodDelete: "delete",
		}[method])
	}
	if _, err := urn.Parse(args[0]); err != nil {
		return err
	}

	var body []byte
	if document != "" {
		if !json.Valid([]byte(document)) {
			return fmt.Errorf("document is not valid JSON")
		}
		body = []byte(document)
	}

	path := "/api/v1/data/" + url.PathEscape(args[0])
	status, resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return printJSON(status, resp)
}

func cmdQuery(ctx context.Context, c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: shardctl query <json-query>")
	}
	if !json.Valid([]byte(args[0])) {
		return fmt.Errorf("query is not valid JSON")
	}

	status, resp, err := c.do(ctx, http.MethodPost, "/api/v1/query", []byte(args[0]))
	if err != nil {
		return err
	}
	return printJSON(status, resp)
}

// printJSON pretty-prints a JSON response body and reports non-2xx
// statuses as errors so scripts can rely on the exit code.
func printJSON(status int, body []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	fmt.Println(pretty.String())

	if status < 200 || status >= 300 {
		return fmt.Errorf("HTTP %d", status)
	}
	return nil
}

// getenv retrieves an environment variable with a default fallback.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
