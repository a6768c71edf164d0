package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Message is the unit of work flowing through the queue.
// The durable backend assigns ID from the store; the in-memory backend uses a
// process-local counter. MessageID is the caller-visible identifier and is
// stable across backends.
type Message struct {
	ID          int64           `json:"id"`
	Topic       string          `json:"topic"`
	MessageID   string          `json:"message_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// VisibilityTimeoutAt hides a processing message from other claimants.
	// Nil while the message is not claimed.
	VisibilityTimeoutAt *time.Time `json:"visibility_timeout_at,omitempty"`

	// ProcessedAt is set when the message completes.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ShouldRetry reports whether the message has retry budget left.
func (m *Message) ShouldRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// NewMessageID builds a caller-visible message identifier in the platform's
// {topic}_{timestamp}_{random} format.
func NewMessageID(topic string) string {
	return fmt.Sprintf("%s_%d_%s", topic, time.Now().UnixMicro(), uuid.NewString()[:8])
}

// Subscription records a registered consumer's polling bookkeeping. It is
// upserted on every Subscribe call and exists for observability only; message
// delivery does not depend on it.
type Subscription struct {
	Topic        string    `json:"topic"`
	SubscriberID string    `json:"subscriber_id"`
	LastPollAt   time.Time `json:"last_poll_at"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeadLetterEntry is the terminal record for a message that exhausted its
// retry budget. The original message is kept (status failed) for audit; the
// entry preserves what is needed to diagnose or replay by hand.
type DeadLetterEntry struct {
	ID                int64           `json:"id"`
	OriginalMessageID string          `json:"original_message_id"`
	Topic             string          `json:"topic"`
	Payload           json.RawMessage `json:"payload"`
	FailureReason     string          `json:"failure_reason"`
	RetryCount        int             `json:"retry_count"`
	CreatedAt         time.Time       `json:"created_at"`
}

// FailureReasonMaxRetries is the reason recorded when retries run out.
const FailureReasonMaxRetries = "Max retries exceeded"

// BackoffDelay returns the retry delay for a message that has already failed
// retryCount times: 2^retryCount seconds, capped at 300s (5 minutes).
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^9 already exceeds the cap; guard the shift.
	if retryCount > 8 {
		return 300 * time.Second
	}
	delay := time.Duration(1<<uint(retryCount)) * time.Second
	if delay > 300*time.Second {
		delay = 300 * time.Second
	}
	return delay
}
