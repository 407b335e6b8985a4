// Package main provides the entry point for the query service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/qrs/internal/algorithm"
	"github.com/devrev/qrs/internal/chain"
	"github.com/devrev/qrs/internal/client"
	"github.com/devrev/qrs/internal/config"
	"github.com/devrev/qrs/internal/handler"
	"github.com/devrev/qrs/internal/health"
	"github.com/devrev/qrs/internal/metrics"
	"github.com/devrev/qrs/internal/server"
	"github.com/devrev/qrs/internal/service"
	"github.com/devrev/qrs/internal/store"
	"github.com/devrev/qrs/internal/util/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting query service",
		zap.Int("port", cfg.Server.Port),
		zap.Int("clusters", len(cfg.Clusters)),
		zap.Duration("request_budget", cfg.Search.RequestBudget))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Query service failed", zap.Error(err))
	}
	logger.Info("Query service shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	topology := algorithm.NewTopology()
	addresses := make(map[string]string, len(cfg.Clusters))
	for _, cl := range cfg.Clusters {
		if err := topology.AddCluster(cl.Name, cl.HashFunction, cl.PartitionCount, cl.FetchSummaryCluster); err != nil {
			return fmt.Errorf("cluster %s: %w", cl.Name, err)
		}
		addresses[cl.Name] = cl.Address
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	transport := client.NewGRPCTransport(addresses, client.TransportConfig{
		MaxRecvMsgSize:     cfg.Fanout.MaxRecvMsgSize,
		MaxSendMsgSize:     cfg.Fanout.MaxSendMsgSize,
		KeepaliveTime:      cfg.Fanout.KeepaliveTime,
		KeepaliveTimeout:   cfg.Fanout.KeepaliveTimeout,
		BreakerFailures:    cfg.Fanout.BreakerFailures,
		BreakerOpenTimeout: cfg.Fanout.BreakerOpenTimeout,
	}, logger)
	pool := workerpool.New(workerpool.Config{
		Name:      "fanout",
		Workers:   cfg.Fanout.Workers,
		QueueSize: cfg.Fanout.QueueSize,
		Logger:    logger,
	})
	fanout := client.NewPooledFanoutClient(transport, pool, logger)

	var cache *store.SchemaCache
	if cfg.Cache.Enabled {
		cache = store.NewSchemaCache()
	}

	orchestrator := service.NewOrchestrator(service.Options{
		Fanout:     fanout,
		Cache:      cache,
		Topology:   topology,
		Metrics:    m,
		Logger:     logger,
		RPCTimeout: cfg.Search.RPCTimeout,
	})

	chainCfg := config.DefaultChainConfig(cfg.Server.DefaultChain)
	var reader config.Reader
	if cfg.ChainsPath != "" {
		loaded, err := config.LoadChainConfig(cfg.ChainsPath)
		if err != nil {
			return err
		}
		chainCfg = loaded
		reader = config.NewFileReader(filepath.Dir(cfg.ChainsPath))
	}
	manager := chain.NewManager(chain.NewRegistry(), chain.Dependencies{
		Orchestrator: orchestrator,
		Topology:     topology,
		Limits: chain.Limits{
			MaxHitCount:       cfg.Search.MaxHitCount,
			DefaultHitCount:   cfg.Search.DefaultHitCount,
			DefaultCluster:    cfg.Search.DefaultCluster,
			ResearchThreshold: cfg.Search.ResearchThreshold,
		},
	}, reader, logger)
	if err := manager.Build(chainCfg); err != nil {
		return fmt.Errorf("failed to build chains: %w", err)
	}

	healthCheck := health.NewHealthCheck(logger)
	healthCheck.Register("chains", func() error {
		if len(manager.Names()) == 0 {
			return errors.New("no chain built")
		}
		return nil
	})
	healthCheck.Register("backends", func() error {
		names := topology.Names()
		if len(names) == 0 {
			return nil
		}
		for _, name := range names {
			if transport.BreakerState(name) != gobreaker.StateOpen {
				return nil
			}
		}
		return errors.New("every backend breaker is open")
	})
	healthCheck.Register("fanout_pool", func() error {
		if pool.Stats().Saturated() {
			return errors.New("fan-out queue is full")
		}
		return nil
	})

	search := handler.NewSearchHandler(manager, m, cfg.Search.RequestBudget, cfg.Server.DefaultChain, logger)
	httpServer := server.NewServer(cfg, search, healthCheck, logger)
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(cfg.Metrics, registry, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	healthCheck.SetReady(true)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Initiating graceful shutdown")
		healthCheck.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = multierr.Append(err, metricsServer.Shutdown(shutdownCtx))
		}
		err = multierr.Append(err, pool.Stop(cfg.Fanout.ShutdownTimeout))
		err = multierr.Append(err, transport.Close())
		return err
	})

	return g.Wait()
}

// initLogger initializes the zap logger.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
