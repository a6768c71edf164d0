package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	config, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Server.Port)
	}
	if config.Queue.Backend != "postgres" {
		t.Errorf("Expected postgres backend, got %s", config.Queue.Backend)
	}
	if config.Queue.MaxRetries != 3 {
		t.Errorf("Expected 3 max retries, got %d", config.Queue.MaxRetries)
	}
	if config.Retention.Days != 7 {
		t.Errorf("Expected 7 retention days, got %d", config.Retention.Days)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Clearenv()
	os.Setenv("QUEUE_BACKEND", "memory")
	os.Setenv("QUEUE_POLL_INTERVAL", "500ms")
	defer os.Clearenv()

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Queue.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", config.Queue.Backend)
	}
	if config.Queue.PollInterval != 500*time.Millisecond {
		t.Errorf("Expected 500ms poll interval, got %v", config.Queue.PollInterval)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	config := &Config{
		Server:    ServerConfig{Port: 8080},
		Queue:     QueueConfig{Backend: "memory", MaxRetries: 3},
		Retention: RetentionConfig{Days: 7},
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	config := &Config{
		Server:    ServerConfig{Port: -1},
		Queue:     QueueConfig{Backend: "memory", MaxRetries: 3},
		Retention: RetentionConfig{Days: 7},
	}
	if err := config.Validate(); err == nil {
		t.Error("Expected error for invalid port")
	}
}

func TestValidate_InvalidBackend(t *testing.T) {
	config := &Config{
		Server:    ServerConfig{Port: 8080},
		Queue:     QueueConfig{Backend: "rabbitmq", MaxRetries: 3},
		Retention: RetentionConfig{Days: 7},
	}
	if err := config.Validate(); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestValidate_InvalidRetention(t *testing.T) {
	config := &Config{
		Server:    ServerConfig{Port: 8080},
		Queue:     QueueConfig{Backend: "postgres", MaxRetries: 3},
		Retention: RetentionConfig{Days: 0},
	}
	if err := config.Validate(); err == nil {
		t.Error("Expected error for zero retention days")
	}
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	result := getEnv("TEST_KEY", "default")
	if result != "default" {
		t.Errorf("Expected 'default', got '%s'", result)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	os.Clearenv()
	result := getEnvAsInt("TEST_INT", 42)
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	os.Clearenv()
	result := getEnvAsDuration("TEST_DUR", 5*time.Second)
	if result != 5*time.Second {
		t.Errorf("Expected 5s, got %v", result)
	}
}
