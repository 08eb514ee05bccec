package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chainstate/contextstore/internal/backend"
	"github.com/chainstate/contextstore/internal/backend/leveldb"
	"github.com/chainstate/contextstore/internal/backend/memory"
	"github.com/chainstate/contextstore/internal/config"
	"github.com/chainstate/contextstore/internal/ipc"
	"github.com/chainstate/contextstore/internal/metrics"
	"github.com/chainstate/contextstore/internal/model"
	"github.com/chainstate/contextstore/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Bootstrap logger until the configured one is built
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// The bootstrap logger stays in scope until the configured one is
	// known-good, so a build failure is reported through a live logger.
	cfgLogger, err := buildLogger(cfg.Logging)
	if err != nil {
		logger.Fatal("Failed to build configured logger", zap.Error(err))
	}
	logger = cfgLogger
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("socket", cfg.Server.SocketPath),
		zap.String("data_dir", cfg.Storage.DataDir))

	// Create data and socket directories
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Server.SocketPath), 0755); err != nil {
		logger.Fatal("Failed to create socket directory", zap.Error(err))
	}

	m := metrics.NewMetrics()

	// Open the configured storage engine
	var store backend.Backend
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		store = memory.New(&memory.Config{
			PreservedCycles: cfg.GC.PreservedCycles,
			SweepQueueSize:  cfg.GC.SweepQueueSize,
		}, logger, m)
	case config.BackendLevelDB:
		store, err = leveldb.Open(filepath.Join(cfg.Storage.DataDir, "context"),
			&leveldb.Config{SyncWrites: cfg.Storage.SyncWrites}, logger, m)
		if err != nil {
			logger.Fatal("Failed to open leveldb backend", zap.Error(err))
		}
	}

	// Metrics server
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path},
			m,
			func() error {
				_, err := store.Contains(model.EntryHash{})
				return err
			},
			logger,
		)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	// Context IPC listener for reader processes
	listener, err := ipc.NewContextListener(cfg.Server.SocketPath, store, m, logger)
	if err != nil {
		logger.Fatal("Failed to bind context IPC listener", zap.Error(err))
	}
	go listener.HandleIncomingConnections()

	logger.Info("Context store started",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("persisted", store.IsPersisted()))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := listener.Close(); err != nil {
		logger.Error("Failed to close IPC listener", zap.Error(err))
	}

	// Let deferred reclamation settle before flushing
	if gc, ok := backend.GCCapable(store); ok {
		gc.WaitForGCFinish()
	}
	if err := store.Flush(); err != nil {
		logger.Error("Failed to flush backend during shutdown", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logger.Error("Failed to close backend during shutdown", zap.Error(err))
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
}

// buildLogger builds the zap logger described by the logging config
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
