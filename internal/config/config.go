package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Queue     QueueConfig
	Postgres  PostgresConfig
	NATS      NATSConfig
	Retention RetentionConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// QueueConfig holds queue behavior configuration
type QueueConfig struct {
	Backend           string
	MaxRetries        int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// PostgresConfig holds the durable backend's connection settings
type PostgresConfig struct {
	URL string
}

// NATSConfig holds the broker backend's connection settings
type NATSConfig struct {
	URL string
}

// RetentionConfig controls how long terminal messages are kept
type RetentionConfig struct {
	Days            int
	CleanupInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", DefaultServerHost),
			Port:         getEnvAsInt("SERVER_PORT", DefaultServerPort),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", DefaultReadTimeout),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", DefaultWriteTimeout),
		},
		Queue: QueueConfig{
			Backend:           getEnv("QUEUE_BACKEND", DefaultQueueBackend),
			MaxRetries:        getEnvAsInt("QUEUE_MAX_RETRIES", DefaultMaxRetries),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", DefaultPollInterval),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", DefaultVisibilityTimeout),
		},
		Postgres: PostgresConfig{
			URL: getEnv("POSTGRES_URL", DefaultPostgresURL),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", DefaultNATSURL),
		},
		Retention: RetentionConfig{
			Days:            getEnvAsInt("QUEUE_RETENTION_DAYS", DefaultRetentionDays),
			CleanupInterval: getEnvAsDuration("QUEUE_CLEANUP_INTERVAL", DefaultCleanupInterval),
		},
	}

	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Queue.Backend {
	case "postgres", "memory", "jetstream":
	default:
		return fmt.Errorf("invalid queue backend: %s", c.Queue.Backend)
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.Queue.MaxRetries)
	}

	if c.Retention.Days <= 0 {
		return fmt.Errorf("invalid retention days: %d", c.Retention.Days)
	}

	return nil
}
