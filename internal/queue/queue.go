package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("queue backend is closed")
	ErrNotInitialized  = errors.New("queue backend is not initialized")
	ErrTopicRequired   = errors.New("topic is required")
	ErrHandlerRequired = errors.New("handler is required")
)

// Delivery is the metadata handed to a handler along with the payload.
type Delivery struct {
	MessageID  string
	Topic      string
	Payload    json.RawMessage
	Priority   int
	RetryCount int
	CreatedAt  time.Time
}

// Handler processes a delivered message. A nil return acknowledges the
// message; a non-nil error negatively acknowledges it and triggers the
// retry/dead-letter policy. A panicking handler is recovered and treated as
// a failure.
type Handler func(ctx context.Context, d Delivery) error

// PublishOptions control a single publish call.
type PublishOptions struct {
	// Priority orders dispatch within a topic; higher is served first.
	Priority int

	// DelaySeconds postpones eligibility for claim.
	DelaySeconds int

	// MaxRetries caps negative acknowledgements before dead-lettering.
	MaxRetries int
}

// DefaultPublishOptions mirror the platform's defaults.
func DefaultPublishOptions() PublishOptions {
	return PublishOptions{Priority: 0, DelaySeconds: 0, MaxRetries: 3}
}

// SubscribeOptions control a subscription's polling behavior.
type SubscribeOptions struct {
	// SubscriberID identifies this consumer; generated when empty.
	SubscriberID string

	// MaxMessages is the claim batch size per poll tick.
	MaxMessages int

	// VisibilityTimeout hides claimed messages from other claimants.
	VisibilityTimeout time.Duration

	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration
}

// DefaultSubscribeOptions mirror the platform's defaults.
func DefaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		MaxMessages:       1,
		VisibilityTimeout: 300 * time.Second,
		PollInterval:      2 * time.Second,
	}
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	def := DefaultSubscribeOptions()
	if o.MaxMessages <= 0 {
		o.MaxMessages = def.MaxMessages
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = def.VisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

// NormalizeSubscribeOptions fills zero-valued fields with defaults. Backends
// call this before starting a poll loop so all three implementations agree on
// the defaults.
func NormalizeSubscribeOptions(o SubscribeOptions) SubscribeOptions {
	return o.withDefaults()
}

// TopicStats aggregates message counts per status for one topic.
type TopicStats struct {
	TotalMessages            int64   `json:"total_messages"`
	PendingMessages          int64   `json:"pending_messages"`
	ProcessingMessages       int64   `json:"processing_messages"`
	CompletedMessages        int64   `json:"completed_messages"`
	FailedMessages           int64   `json:"failed_messages"`
	AvgProcessingTimeSeconds float64 `json:"avg_processing_time_seconds"`
}

// Stats maps topic name to its aggregated counters.
type Stats map[string]TopicStats

// Backend is the capability interface every queue implementation satisfies.
// One backend is selected at construction time by the Manager; callers only
// ever see this contract.
type Backend interface {
	// Initialize prepares the backend (connections, schema, streams).
	Initialize(ctx context.Context) error

	// Publish persists a message and returns its caller-visible id.
	// It never blocks on consumer availability.
	Publish(ctx context.Context, topic string, payload json.RawMessage, opts PublishOptions) (string, error)

	// Subscribe registers a handler and starts a background delivery loop.
	// It returns immediately with a subscription id.
	Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (string, error)

	// GetStats aggregates counts per status, optionally filtered to one topic
	// (empty topic means all topics).
	GetStats(ctx context.Context, topic string) (Stats, error)

	// Cleanup removes completed/failed messages older than the retention
	// window. Backends without a retention sweep return 0.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// DeadLetters lists dead-letter entries, newest first, optionally
	// filtered to one topic.
	DeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetterEntry, error)

	// Close stops delivery loops and releases resources.
	Close() error
}
