// The worker subscribes to the translation topics and forwards each job to
// the downstream translator service over HTTP. A 2xx response acknowledges
// the message; anything else triggers the queue's retry policy.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/seekhub/jobqueue/internal/config"
	"github.com/seekhub/jobqueue/internal/queue"
	"github.com/seekhub/jobqueue/internal/queue/manager"
)

func main() {
	_ = godotenv.Load()

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

	translatorURL := os.Getenv("TRANSLATOR_URL")
	if translatorURL == "" {
		translatorURL = "http://localhost:9000/translate"
	}

	logger.Info("Starting translation worker",
		"backend", cfg.Queue.Backend,
		"translator_url", translatorURL,
	)

	mgr := manager.New(manager.Config{
		Backend:     manager.BackendType(cfg.Queue.Backend),
		PostgresURL: cfg.Postgres.URL,
		NATSURL:     cfg.NATS.URL,
		MaxRetries:  cfg.Queue.MaxRetries,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Initialize(ctx); err != nil {
		logger.Error("Failed to initialize queue manager", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	client := &http.Client{Timeout: 120 * time.Second}
	handler := forwardHandler(client, translatorURL, logger)

	topics := []string{
		manager.TopicDocumentTranslation,
		manager.TopicTextTranslation,
		manager.TopicTranslationImprovement,
	}
	for _, topic := range topics {
		opts := queue.SubscribeOptions{
			PollInterval:      cfg.Queue.PollInterval,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}
		subID, err := mgr.Subscribe(ctx, topic, handler, opts)
		if err != nil {
			logger.Error("Failed to subscribe", "topic", topic, "error", err)
			os.Exit(1)
		}
		logger.Info("Subscribed", "topic", topic, "subscription_id", subID)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("Shutdown signal received", "signal", sig.String())
}

// forwardHandler posts each job payload to the translator service.
func forwardHandler(client *http.Client, url string, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, d queue.Delivery) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Message-ID", d.MessageID)
		req.Header.Set("X-Topic", d.Topic)

		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("Translator request failed",
				"topic", d.Topic,
				"message_id", d.MessageID,
				"error", err,
			)
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			logger.Warn("Translator rejected job",
				"topic", d.Topic,
				"message_id", d.MessageID,
				"status", resp.StatusCode,
			)
			return fmt.Errorf("translator returned status %d", resp.StatusCode)
		}

		logger.Info("Job completed",
			"topic", d.Topic,
			"message_id", d.MessageID,
			"retry_count", d.RetryCount,
		)
		return nil
	}
}
