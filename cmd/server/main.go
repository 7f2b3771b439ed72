// Package main provides the entry point for the backtest task service:
// a priority dispatcher feeding a bounded pool of controllable backtest and
// optimization runs, with progress streaming and result diagnosis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-desktop/backtest-lab/internal/api"
	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/config"
	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/internal/diagnosis"
	"github.com/atlas-desktop/backtest-lab/internal/dispatcher"
	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/internal/execution"
	"github.com/atlas-desktop/backtest-lab/internal/logging"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/atlas-desktop/backtest-lab/internal/notify"
	"github.com/atlas-desktop/backtest-lab/internal/optimization"
	"github.com/atlas-desktop/backtest-lab/internal/store"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/tasks"
	"github.com/atlas-desktop/backtest-lab/internal/workers"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(logger, cfg); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		_ = closeLog()
		os.Exit(1)
	}
}

func openStore(cfg types.StorageConfig) (store.Store, error) {
	if cfg.Driver == "sqlite" {
		return store.NewGormStore(cfg.DSN, cfg.MaxOpenConns)
	}
	return store.NewMemoryStore(), nil
}

func run(logger *zap.Logger, cfg *types.Config) error {
	logger.Info("Starting backtest service",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("max_concurrent", cfg.Dispatcher.MaxConcurrent),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	repo, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer repo.Close()

	bus := events.NewEventBus(logger, m, events.EventBusConfig{
		Shards:     cfg.Events.Shards,
		BufferSize: cfg.Events.BufferSize,
	})
	defer bus.Stop()
	notify.NewLogSink(logger).Attach(bus)

	if cfg.Redis.Enabled {
		sink, err := notify.NewRedisSink(ctx, logger, cfg.Redis)
		if err != nil {
			return err
		}
		defer sink.Close()
		sink.Attach(bus)
	}

	dataStore, err := data.NewStore(logger, cfg.Data.DataDir, cfg.Data.Sectors)
	if err != nil {
		return fmt.Errorf("failed to initialize data store: %w", err)
	}
	engine := backtester.NewReplayEngine(logger, dataStore, strategy.Default)
	optimizer := optimization.NewOptimizer(logger, engine, strategy.Default)

	manager := tasks.NewManager(logger, repo, bus, m)
	controller := execution.NewController(logger, manager, repo, bus, m,
		execution.DefaultRunners(engine, optimizer), cfg.Execution)

	analyzer := diagnosis.NewAnalyzer(strategy.Default, diagnosis.DefaultThresholds(), cfg.Diagnosis.MaxEvaluations)
	diagService := diagnosis.NewService(logger, repo, analyzer, diagnosis.EngineEvaluator{Engine: engine},
		bus, m, cfg.Diagnosis.Defaults)
	controller.SetDiagnoser(diagService)

	poolConfig := workers.DefaultPoolConfig("runs", cfg.Dispatcher.MaxConcurrent)
	if cfg.Dispatcher.QueueSize > 0 {
		poolConfig.QueueSize = cfg.Dispatcher.QueueSize
	}
	pool := workers.NewPool(logger, poolConfig)
	pool.Start()

	d := dispatcher.New(logger, manager, pool, controller, m, dispatcher.Config{
		MaxConcurrent: cfg.Dispatcher.MaxConcurrent,
		PollInterval:  cfg.Dispatcher.PollInterval,
	})
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	hub := api.NewHub(logger, m, cfg.Server.AllowedOrigins)
	hub.Attach(bus)
	go hub.Run(ctx)

	server := api.NewServer(logger, &cfg.Server, execution.NewService(manager, d, controller), diagService, hub, m)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("Server started successfully",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	// runs observe the cancelled context and record themselves as interrupted
	d.Stop()
	if err := pool.Stop(); err != nil {
		logger.Warn("Worker pool did not drain", zap.Error(err))
	}
	controller.Close()

	logger.Info("Server stopped")
	return nil
}
