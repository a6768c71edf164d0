// Package manager exposes the queue subsystem behind a single facade. It
// selects a backend from configuration, falls back to the in-memory backend
// when the configured one cannot start, and offers task-kind publish helpers
// for the translation pipeline.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seekhub/jobqueue/internal/queue"
	"github.com/seekhub/jobqueue/internal/queue/jetstream"
	"github.com/seekhub/jobqueue/internal/queue/memory"
	"github.com/seekhub/jobqueue/internal/queue/postgres"
)

// BackendType selects the queue implementation.
type BackendType string

const (
	BackendPostgres  BackendType = "postgres"
	BackendMemory    BackendType = "memory"
	BackendJetStream BackendType = "jetstream"
)

// Topics of the translation pipeline. Priorities are fixed per task kind:
// shorter jobs preempt longer ones.
const (
	TopicDocumentTranslation       = "translation-document"
	TopicTextTranslation           = "translation-text"
	TopicTranslationImprovement    = "translation-improvement"
	priorityDocumentTranslation    = 1
	priorityTextTranslation        = 2
	priorityTranslationImprovement = 3
)

// Config selects and parameterizes the backend.
type Config struct {
	Backend     BackendType
	PostgresURL string
	NATSURL     string

	// MaxRetries is the default retry budget applied when a publish call
	// does not set its own.
	MaxRetries int
}

// Manager is the queue facade. Zero value is not usable; construct with New.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	notifier *queue.Notifier

	// backendFactory builds the backend for a requested type; tests swap it
	// to observe backend lifecycle.
	backendFactory func(BackendType) (queue.Backend, BackendType)

	mu          sync.Mutex
	backend     queue.Backend
	backendType BackendType
	initialized bool
	closed      bool
}

// New creates an uninitialized Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = queue.DefaultPublishOptions().MaxRetries
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "queue_manager"),
		notifier: &queue.Notifier{},
	}
	m.backendFactory = m.buildBackend
	return m
}

// OnEvent registers a lifecycle listener. Must be called before Initialize so
// the listener observes every event.
func (m *Manager) OnEvent(l queue.Listener) {
	m.notifier.Register(l)
}

// Initialize constructs and initializes the configured backend. It never
// fails: an unknown backend type or a failed backend start degrades to the
// in-memory backend with a logged warning, keeping publish paths available.
// Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return queue.ErrClosed
	}
	if m.initialized {
		return nil
	}

	requested := BackendType(strings.ToLower(string(m.cfg.Backend)))
	if requested == "" {
		requested = BackendPostgres
	}

	backend, actual := m.backendFactory(requested)
	if err := backend.Initialize(ctx); err != nil {
		m.logger.Warn("backend initialization failed, falling back to memory",
			"backend", string(actual),
			"error", err,
		)
		// Release whatever the failed backend allocated before it gave up.
		if closeErr := backend.Close(); closeErr != nil {
			m.logger.Warn("failed to close backend after failed init", "error", closeErr)
		}
		backend = memory.New(m.notifier, m.logger)
		actual = BackendMemory
		if err := backend.Initialize(ctx); err != nil {
			// The memory backend only fails when already closed, which
			// cannot be the case for a fresh instance.
			return err
		}
	}

	m.backend = backend
	m.backendType = actual
	m.initialized = true
	m.logger.Info("queue manager initialized", "backend", string(actual))
	return nil
}

func (m *Manager) buildBackend(requested BackendType) (queue.Backend, BackendType) {
	switch requested {
	case BackendPostgres:
		return postgres.New(postgres.Config{URL: m.cfg.PostgresURL}, m.notifier, m.logger), BackendPostgres
	case BackendJetStream:
		return jetstream.New(jetstream.Config{URL: m.cfg.NATSURL}, m.notifier, m.logger), BackendJetStream
	case BackendMemory:
		return memory.New(m.notifier, m.logger), BackendMemory
	default:
		m.logger.Warn("unknown queue backend, using memory", "backend", string(requested))
		return memory.New(m.notifier, m.logger), BackendMemory
	}
}

func (m *Manager) ready() (queue.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, queue.ErrClosed
	}
	if !m.initialized {
		return nil, queue.ErrNotInitialized
	}
	return m.backend, nil
}

// BackendType reports which backend is actually serving, which may differ
// from the configured one after a fallback.
func (m *Manager) BackendType() BackendType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backendType
}

// Publish enqueues a message on the given topic.
func (m *Manager) Publish(ctx context.Context, topic string, payload json.RawMessage, opts queue.PublishOptions) (string, error) {
	backend, err := m.ready()
	if err != nil {
		return "", err
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = m.cfg.MaxRetries
	}
	return backend.Publish(ctx, topic, payload, opts)
}

// Subscribe registers a handler for the topic and starts delivery.
func (m *Manager) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts queue.SubscribeOptions) (string, error) {
	backend, err := m.ready()
	if err != nil {
		return "", err
	}
	return backend.Subscribe(ctx, topic, handler, opts)
}

// GetStats aggregates per-topic counters, optionally filtered to one topic.
func (m *Manager) GetStats(ctx context.Context, topic string) (queue.Stats, error) {
	backend, err := m.ready()
	if err != nil {
		return nil, err
	}
	return backend.GetStats(ctx, topic)
}

// Cleanup removes terminal messages older than the given number of days.
// Zero means no retention window: every completed or failed message is
// removed immediately. The periodic sweep's default window is configured at
// the call site, not here.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	backend, err := m.ready()
	if err != nil {
		return 0, err
	}
	if olderThanDays < 0 {
		olderThanDays = 0
	}
	return backend.Cleanup(ctx, time.Duration(olderThanDays)*24*time.Hour)
}

// DeadLetters lists dead-letter entries, newest first.
func (m *Manager) DeadLetters(ctx context.Context, topic string, limit int) ([]queue.DeadLetterEntry, error) {
	backend, err := m.ready()
	if err != nil {
		return nil, err
	}
	return backend.DeadLetters(ctx, topic, limit)
}

// Close shuts the backend down. Safe to call repeatedly and before
// Initialize.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	backend := m.backend
	m.mu.Unlock()

	if backend == nil {
		return nil
	}
	return backend.Close()
}

// taskEnvelope is the payload shape the translation workers consume.
type taskEnvelope struct {
	TaskType  string          `json:"task_type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

func (m *Manager) publishTask(ctx context.Context, topic, taskType string, data json.RawMessage, priority int) (string, error) {
	payload, err := json.Marshal(taskEnvelope{
		TaskType:  taskType,
		Data:      data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	opts := queue.DefaultPublishOptions()
	opts.Priority = priority
	opts.MaxRetries = m.cfg.MaxRetries
	return m.Publish(ctx, topic, payload, opts)
}

// PublishDocumentTranslation enqueues a full-document translation job.
func (m *Manager) PublishDocumentTranslation(ctx context.Context, data json.RawMessage) (string, error) {
	return m.publishTask(ctx, TopicDocumentTranslation, "document_translation", data, priorityDocumentTranslation)
}

// PublishTextTranslation enqueues a text-snippet translation job.
func (m *Manager) PublishTextTranslation(ctx context.Context, data json.RawMessage) (string, error) {
	return m.publishTask(ctx, TopicTextTranslation, "text_translation", data, priorityTextTranslation)
}

// PublishTranslationImprovement enqueues a translation-improvement job.
func (m *Manager) PublishTranslationImprovement(ctx context.Context, data json.RawMessage) (string, error) {
	return m.publishTask(ctx, TopicTranslationImprovement, "translation_improvement", data, priorityTranslationImprovement)
}
