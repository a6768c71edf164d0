package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seekhub/jobqueue/internal/config"
	"github.com/seekhub/jobqueue/internal/metrics"
	"github.com/seekhub/jobqueue/internal/queue/manager"
	"github.com/seekhub/jobqueue/internal/queueservice"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Configure logger
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting Queue Service",
		"backend", cfg.Queue.Backend,
		"port", cfg.Server.Port,
		"max_retries", cfg.Queue.MaxRetries,
		"retention_days", cfg.Retention.Days,
	)

	// Metrics registry and queue manager; lifecycle events feed the counters
	registry := prometheus.NewRegistry()
	queueMetrics := metrics.New(registry)

	mgr := manager.New(manager.Config{
		Backend:     manager.BackendType(cfg.Queue.Backend),
		PostgresURL: cfg.Postgres.URL,
		NATSURL:     cfg.NATS.URL,
		MaxRetries:  cfg.Queue.MaxRetries,
	}, logger)
	mgr.OnEvent(queueMetrics.Listener())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		logger.Error("Failed to initialize queue manager", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	logger.Info("Queue manager initialized", "backend", string(mgr.BackendType()))

	// Periodic retention sweep
	go func() {
		ticker := time.NewTicker(cfg.Retention.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := mgr.Cleanup(ctx, cfg.Retention.Days)
				if err != nil {
					logger.Error("Retention cleanup failed", "error", err)
					continue
				}
				logger.Info("Retention cleanup completed", "removed", removed)
			}
		}
	}()

	// Create HTTP server
	httpServer := queueservice.NewHTTPServer(mgr, cfg.Server.Host, cfg.Server.Port,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, registry, logger)

	// Start HTTP server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	logger.Info("Queue Service started successfully",
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Shutdown HTTP server
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("Queue Service stopped gracefully")
	}
}
