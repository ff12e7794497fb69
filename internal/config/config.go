// Package config loads node configuration from a YAML file with
// environment variable overrides, so deployments can ship a base file and
// tune individual nodes through THEMIS_* variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NodeConfig identifies this shard and its listen address.
type NodeConfig struct {
	ShardID    string `yaml:"shard_id"`
	ListenAddr string `yaml:"listen_addr"`
	Datacenter string `yaml:"datacenter"`
	Rack       string `yaml:"rack"`
}

// TopologyConfig controls metadata service polling.
type TopologyConfig struct {
	MetadataEndpoint string   `yaml:"metadata_endpoint"`
	ClusterName      string   `yaml:"cluster_name"`
	RefreshInterval  Duration `yaml:"refresh_interval"`
	HTTPTimeout      Duration `yaml:"http_timeout"`
}

// RingConfig controls consistent hash ring construction.
type RingConfig struct {
	VirtualNodes int `yaml:"virtual_nodes"`
	ReplicaCount int `yaml:"replica_count"`
}

// SecurityConfig holds the shard's PKI material and signed-request
// verification tuning.
type SecurityConfig struct {
	CertPath      string   `yaml:"cert_path"`
	KeyPath       string   `yaml:"key_path"`
	KeyPassphrase string   `yaml:"key_passphrase"`
	CAPath        string   `yaml:"ca_path"`
	PeerCertDir   string   `yaml:"peer_cert_dir"`
	EnableSigning *bool    `yaml:"enable_signing"`
	MaxTimeSkew   Duration `yaml:"max_time_skew"`
	NonceExpiry   Duration `yaml:"nonce_expiry"`
	MaxNonceCache int      `yaml:"max_nonce_cache"`
}

// ExecutorConfig tunes remote shard requests.
type ExecutorConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryDelay     Duration `yaml:"retry_delay"`
}

// RouterConfig tunes multi-shard query routing.
type RouterConfig struct {
	ScatterTimeout      Duration `yaml:"scatter_timeout"`
	MaxConcurrentShards int      `yaml:"max_concurrent_shards"`
	EnableQueryPushdown *bool    `yaml:"enable_query_pushdown"`
	EnableResultCaching bool     `yaml:"enable_result_caching"`
}

// Config is the full node configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Topology TopologyConfig `yaml:"topology"`
	Ring     RingConfig     `yaml:"ring"`
	Security SecurityConfig `yaml:"security"`
	Executor ExecutorConfig `yaml:"executor"`
	Router   RouterConfig   `yaml:"router"`
	LogLevel string         `yaml:"log_level"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// THEMIS_* environment overrides, fills defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. Only the knobs
// that differ per node are exposed; everything else belongs in the file.
func (c *Config) applyEnv() {
	c.Node.ShardID = getenv("THEMIS_SHARD_ID", c.Node.ShardID)
	c.Node.ListenAddr = getenv("THEMIS_LISTEN", c.Node.ListenAddr)
	c.Node.Datacenter = getenv("THEMIS_DATACENTER", c.Node.Datacenter)
	c.Node.Rack = getenv("THEMIS_RACK", c.Node.Rack)
	c.Topology.MetadataEndpoint = getenv("THEMIS_METADATA_ENDPOINT", c.Topology.MetadataEndpoint)
	c.Topology.ClusterName = getenv("THEMIS_CLUSTER", c.Topology.ClusterName)
	c.Security.CertPath = getenv("THEMIS_CERT", c.Security.CertPath)
	c.Security.KeyPath = getenv("THEMIS_KEY", c.Security.KeyPath)
	c.Security.KeyPassphrase = getenv("THEMIS_KEY_PASSPHRASE", c.Security.KeyPassphrase)
	c.Security.CAPath = getenv("THEMIS_CA", c.Security.CAPath)
	c.LogLevel = getenv("THEMIS_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("THEMIS_VIRTUAL_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ring.VirtualNodes = n
		}
	}
	if v := os.Getenv("THEMIS_ENABLE_SIGNING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Security.EnableSigning = &b
		}
	}
}

// applyDefaults fills zero fields with operational defaults.
func (c *Config) applyDefaults() {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = ":7420"
	}
	if c.Topology.RefreshInterval == 0 {
		c.Topology.RefreshInterval = Duration(30 * time.Second)
	}
	if c.Topology.HTTPTimeout == 0 {
		c.Topology.HTTPTimeout = Duration(10 * time.Second)
	}
	if c.Ring.VirtualNodes <= 0 {
		c.Ring.VirtualNodes = 150
	}
	if c.Ring.ReplicaCount <= 0 {
		c.Ring.ReplicaCount = 2
	}
	if c.Security.EnableSigning == nil {
		enabled := true
		c.Security.EnableSigning = &enabled
	}
	if c.Security.MaxTimeSkew == 0 {
		c.Security.MaxTimeSkew = Duration(60 * time.Second)
	}
	if c.Security.NonceExpiry == 0 {
		c.Security.NonceExpiry = Duration(5 * time.Minute)
	}
	if c.Security.MaxNonceCache <= 0 {
		c.Security.MaxNonceCache = 10000
	}
	if c.Executor.ConnectTimeout == 0 {
		c.Executor.ConnectTimeout = Duration(5 * time.Second)
	}
	if c.Executor.RequestTimeout == 0 {
		c.Executor.RequestTimeout = Duration(30 * time.Second)
	}
	// Negative passes through: the executor reads it as retries-off.
	if c.Executor.MaxRetries == 0 {
		c.Executor.MaxRetries = 3
	}
	if c.Executor.RetryDelay == 0 {
		c.Executor.RetryDelay = Duration(time.Second)
	}
	if c.Router.ScatterTimeout == 0 {
		c.Router.ScatterTimeout = Duration(30 * time.Second)
	}
	if c.Router.MaxConcurrentShards <= 0 {
		c.Router.MaxConcurrentShards = 10
	}
	if c.Router.EnableQueryPushdown == nil {
		enabled := true
		c.Router.EnableQueryPushdown = &enabled
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Node.ShardID == "" {
		return fmt.Errorf("config: node.shard_id is required (or THEMIS_SHARD_ID)")
	}
	if c.Topology.MetadataEndpoint == "" {
		return fmt.Errorf("config: topology.metadata_endpoint is required (or THEMIS_METADATA_ENDPOINT)")
	}
	if c.Topology.ClusterName == "" {
		return fmt.Errorf("config: topology.cluster_name is required (or THEMIS_CLUSTER)")
	}
	if *c.Security.EnableSigning {
		if c.Security.CertPath == "" || c.Security.KeyPath == "" || c.Security.CAPath == "" {
			return fmt.Errorf("config: security.cert_path, key_path, and ca_path are required when signing is enabled")
		}
	}
	return nil
}

// SigningEnabled reports whether signed inter-shard requests are on.
func (c *Config) SigningEnabled() bool {
	return c.Security.EnableSigning != nil && *c.Security.EnableSigning
}

// QueryPushdownEnabled reports whether predicate pushdown is on.
func (c *Config) QueryPushdownEnabled() bool {
	return c.Router.EnableQueryPushdown != nil && *c.Router.EnableQueryPushdown
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
