package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence over the file
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies QRS_* environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if host := os.Getenv("QRS_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("QRS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if chain := os.Getenv("QRS_DEFAULT_CHAIN"); chain != "" {
		cfg.Server.DefaultChain = chain
	}

	// Search configuration
	if budget := os.Getenv("QRS_REQUEST_BUDGET"); budget != "" {
		if d, err := time.ParseDuration(budget); err == nil {
			cfg.Search.RequestBudget = d
		}
	}
	if timeout := os.Getenv("QRS_RPC_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Search.RPCTimeout = d
		}
	}
	if cluster := os.Getenv("QRS_DEFAULT_CLUSTER"); cluster != "" {
		cfg.Search.DefaultCluster = cluster
	}

	// Fan-out configuration
	if workers := os.Getenv("QRS_FANOUT_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			cfg.Fanout.Workers = w
		}
	}

	// Chains
	if path := os.Getenv("QRS_CHAINS_PATH"); path != "" {
		cfg.ChainsPath = path
	}

	// Metrics configuration
	if enabled := os.Getenv("QRS_METRICS_ENABLED"); enabled != "" {
		cfg.Metrics.Enabled = strings.EqualFold(enabled, "true")
	}
	if port := os.Getenv("QRS_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = p
		}
	}

	// Logging configuration
	if level := os.Getenv("QRS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("QRS_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}
