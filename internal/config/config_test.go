package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serviceYAML = `
server:
  port: 8181
  default_chain: web
search:
  request_budget: 2s
  rpc_timeout: 500ms
  max_hit_count: 100
  default_hit_count: 20
  default_cluster: main
clusters:
  - name: main
    address: localhost:9001
    partition_count: 4
    fetch_summary_cluster: detail
  - name: detail
    address: localhost:9002
    hash_function: HASH64
    partition_count: 2
fanout:
  workers: 8
logging:
  level: debug
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, "qrs.yaml", serviceYAML))
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "web", cfg.Server.DefaultChain)
	assert.Equal(t, 2*time.Second, cfg.Search.RequestBudget)
	assert.Equal(t, 500*time.Millisecond, cfg.Search.RPCTimeout)
	require.Len(t, cfg.Clusters, 2)
	assert.Equal(t, "detail", cfg.Clusters[0].FetchSummaryCluster)
	assert.Equal(t, "HASH64", cfg.Clusters[1].HashFunction)
	assert.Equal(t, 8, cfg.Fanout.Workers)
	assert.Equal(t, 1024, cfg.Fanout.QueueSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("QRS_SERVER_PORT", "9999")
	t.Setenv("QRS_RPC_TIMEOUT", "250ms")
	t.Setenv("QRS_LOG_LEVEL", "warn")

	cfg, err := Load(writeFile(t, "qrs.yaml", serviceYAML))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Search.RPCTimeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no budget", func(c *Config) { c.Search.RequestBudget = 0 }},
		{"no rpc timeout", func(c *Config) { c.Search.RPCTimeout = 0 }},
		{"default above max", func(c *Config) { c.Search.DefaultHitCount = c.Search.MaxHitCount + 1 }},
		{"unnamed cluster", func(c *Config) { c.Clusters = []ClusterConfig{{Address: "x", PartitionCount: 1}} }},
		{"duplicate cluster", func(c *Config) {
			c.Clusters = []ClusterConfig{
				{Name: "a", Address: "x", PartitionCount: 1},
				{Name: "a", Address: "y", PartitionCount: 1},
			}
		}},
		{"no partitions", func(c *Config) { c.Clusters = []ClusterConfig{{Name: "a", Address: "x"}} }},
		{"unknown summary cluster", func(c *Config) {
			c.Clusters = []ClusterConfig{{Name: "a", Address: "x", PartitionCount: 1, FetchSummaryCluster: "b"}}
		}},
		{"unknown default cluster", func(c *Config) { c.Search.DefaultCluster = "nope" }},
		{"no workers", func(c *Config) { c.Fanout.Workers = 0 }},
		{"rate limiter without rate", func(c *Config) {
			c.RateLimiter.Enabled = true
			c.RateLimiter.RequestsPerSecond = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

const chainYAML = `
processors:
  - processor_name: PageDistinctProcessor
    parameters:
      page_size: "10"
      dist_count: "2"
      dist_key: shop
chains:
  - chain_name: web
    plugin_points:
      BEFORE_VALIDATE_POINT: [PageDistinctProcessor]
  - chain_name: plain
`

func TestParseChainConfig(t *testing.T) {
	cfg, err := ParseChainConfig([]byte(chainYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, []string{"PageDistinctProcessor"}, cfg.Chains[0].PluginPoints[BeforeValidatePoint])
	p, ok := cfg.Processor("PageDistinctProcessor")
	require.True(t, ok)
	assert.Equal(t, "", p.ModuleName)
	assert.Equal(t, "2", p.Parameters["dist_count"])

	_, ok = cfg.Processor("missing")
	assert.False(t, ok)
}

func TestParseChainConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":            "processors: [",
		"unknown point":     "chains:\n  - chain_name: a\n    plugin_points:\n      AFTER_SEARCH_POINT: [x]\n",
		"duplicate chain":   "chains:\n  - chain_name: a\n  - chain_name: a\n",
		"unnamed processor": "processors:\n  - module_name: m\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChainConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadChainConfig(t *testing.T) {
	cfg, err := LoadChainConfig(writeFile(t, "chains.yaml", chainYAML))
	require.NoError(t, err)
	assert.Len(t, cfg.Processors, 1)
}

func TestFileReader(t *testing.T) {
	path := writeFile(t, "stopwords.txt", "a\nthe\n")
	r := NewFileReader(filepath.Dir(path))

	data, err := r.ReadFile("stopwords.txt")
	require.NoError(t, err)
	assert.Equal(t, "a\nthe\n", string(data))

	data, err = r.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
