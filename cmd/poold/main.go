package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/riftpool/riftpool/internal/config"
	"github.com/riftpool/riftpool/internal/pool"
	"github.com/riftpool/riftpool/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/poold.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging; level is tightened once config is loaded.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting poold",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"regions", len(cfg.Regions),
		"accounts", len(cfg.Client.Accounts),
		"async", cfg.Client.Async.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := pool.New(cfg, logger)

	// Reap clients a crashed predecessor left behind before bringing up
	// our own.
	if err := manager.Registry().TerminateAll(false); err != nil {
		logger.Error("orphan sweep failed", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals: tear the pool down, then hard exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		if err := manager.Clean(false); err != nil {
			logger.Error("cleanup failed", "error", err)
			os.Exit(1)
		}
		logger.Info("poold stopped")
		os.Exit(0)
	}()

	ok, err := manager.Connect(ctx)
	if err != nil {
		logger.Error("pool bring-up failed", "error", err)
		manager.Clean(false)
		os.Exit(1)
	}
	if !ok {
		logger.Error("no clients connected, shutting down")
		manager.Clean(false)
		os.Exit(1)
	}

	stats := manager.Stats()
	logger.Info("pool running",
		"connected", stats.ConnectedCount,
		"regions", len(stats.Regions),
	)

	// Drives heartbeat cycles and, in async mode, the shared log drain.
	if err := manager.Run(ctx); err != nil {
		logger.Error("manager stopped", "error", err)
	}

	// ctx cancelled without a signal (should not happen); clean up anyway.
	manager.Clean(false)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
