package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the query service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Search      SearchConfig      `mapstructure:"search"`
	Clusters    []ClusterConfig   `mapstructure:"clusters"`
	Fanout      FanoutConfig      `mapstructure:"fanout"`
	Cache       CacheConfig       `mapstructure:"cache"`
	ChainsPath  string            `mapstructure:"chains_path"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DefaultChain    string        `mapstructure:"default_chain"`
}

// SearchConfig holds per-request defaults and limits
type SearchConfig struct {
	RequestBudget     time.Duration `mapstructure:"request_budget"`
	RPCTimeout        time.Duration `mapstructure:"rpc_timeout"`
	MaxHitCount       int           `mapstructure:"max_hit_count"`
	DefaultHitCount   int           `mapstructure:"default_hit_count"`
	DefaultCluster    string        `mapstructure:"default_cluster"`
	ResearchThreshold uint32        `mapstructure:"research_threshold"`
}

// ClusterConfig describes one backend cluster
type ClusterConfig struct {
	Name                string `mapstructure:"name"`
	Address             string `mapstructure:"address"`
	HashFunction        string `mapstructure:"hash_function"`
	PartitionCount      int    `mapstructure:"partition_count"`
	FetchSummaryCluster string `mapstructure:"fetch_summary_cluster"`
}

// FanoutConfig configures the worker pool and transport behind the fan-out client
type FanoutConfig struct {
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	MaxRecvMsgSize     int           `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize     int           `mapstructure:"max_send_msg_size"`
	KeepaliveTime      time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout   time.Duration `mapstructure:"keepalive_timeout"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// CacheConfig represents summary schema cache configuration
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimiterConfig represents rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second"`
	Burst             int  `mapstructure:"burst"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Search.RequestBudget <= 0 {
		return errors.New("search.request_budget must be positive")
	}
	if c.Search.RPCTimeout <= 0 {
		return errors.New("search.rpc_timeout must be positive")
	}
	if c.Search.MaxHitCount <= 0 {
		return errors.New("search.max_hit_count must be positive")
	}
	if c.Search.DefaultHitCount > c.Search.MaxHitCount {
		return errors.New("search.default_hit_count exceeds search.max_hit_count")
	}

	seen := make(map[string]bool, len(c.Clusters))
	for i, cl := range c.Clusters {
		if cl.Name == "" {
			return fmt.Errorf("clusters[%d].name is required", i)
		}
		if seen[cl.Name] {
			return fmt.Errorf("cluster %q declared twice", cl.Name)
		}
		seen[cl.Name] = true
		if cl.Address == "" {
			return fmt.Errorf("cluster %q: address is required", cl.Name)
		}
		if cl.PartitionCount <= 0 {
			return fmt.Errorf("cluster %q: partition_count must be positive", cl.Name)
		}
	}
	for _, cl := range c.Clusters {
		if cl.FetchSummaryCluster != "" && !seen[cl.FetchSummaryCluster] {
			return fmt.Errorf("cluster %q: fetch_summary_cluster %q is not declared", cl.Name, cl.FetchSummaryCluster)
		}
	}
	if c.Search.DefaultCluster != "" && !seen[c.Search.DefaultCluster] {
		return fmt.Errorf("search.default_cluster %q is not declared", c.Search.DefaultCluster)
	}

	if c.Fanout.Workers <= 0 {
		return errors.New("fanout.workers must be positive")
	}
	if c.Fanout.QueueSize < 0 {
		return errors.New("fanout.queue_size must not be negative")
	}
	if c.RateLimiter.Enabled && c.RateLimiter.RequestsPerSecond <= 0 {
		return errors.New("rate_limiter.requests_per_second must be positive when enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			DefaultChain:    "DEFAULT",
		},
		Search: SearchConfig{
			RequestBudget:     3 * time.Second,
			RPCTimeout:        time.Second,
			MaxHitCount:       5000,
			DefaultHitCount:   10,
			ResearchThreshold: 0,
		},
		Fanout: FanoutConfig{
			Workers:            64,
			QueueSize:          1024,
			MaxRecvMsgSize:     16 * 1024 * 1024,
			MaxSendMsgSize:     4 * 1024 * 1024,
			KeepaliveTime:      30 * time.Second,
			KeepaliveTimeout:   10 * time.Second,
			BreakerFailures:    5,
			BreakerOpenTimeout: 10 * time.Second,
			ShutdownTimeout:    5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimiter: RateLimiterConfig{
			Enabled:           false,
			RequestsPerSecond: 1000,
			Burst:             2000,
		},
	}
}
