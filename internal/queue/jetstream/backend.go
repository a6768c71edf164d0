// Package jetstream implements the queue backend contract on NATS JetStream.
// Unlike the durable backend it does not poll a store: persistence,
// redelivery and worker concurrency belong to the broker. Retry backoff maps
// to the consumer's BackOff schedule, the visibility timeout to AckWait, and
// the retry count is read back from the broker's delivery metadata.
//
// Three contract deviations, all broker-native: priority is not honored
// (delivery is FIFO per subject), MaxRetries applies per subscription via
// the consumer's MaxDeliver instead of per message, and a delayed message
// spends broker deliveries on its delay bounces (each NakWithDelay of a
// not-yet-due delivery counts toward MaxDeliver and shows up in the
// reported retry count).
package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/seekhub/jobqueue/internal/queue"
)

const (
	defaultStreamName    = "JOBQUEUE"
	subjectPrefix        = "jobs."
	defaultMaxDLQEntries = 1000
)

// Config holds broker settings for the JetStream backend.
type Config struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222.
	URL string

	// StreamName is the JetStream stream holding all topics.
	StreamName string

	// MaxAge bounds broker-side retention; zero keeps messages until acked.
	MaxAge time.Duration

	// ConnectAttempts bounds the initial connection retries.
	ConnectAttempts uint
}

// envelope is the wire form of a queued message on the broker.
type envelope struct {
	MessageID   string          `json:"message_id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// topicCounters tracks outcomes the broker does not aggregate per topic.
type topicCounters struct {
	published int64
	completed int64
	failed    int64
	durations float64
}

// Backend is the alternate broker backend.
type Backend struct {
	cfg      Config
	notifier *queue.Notifier
	logger   *slog.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	conn        *nats.Conn
	js          jetstream.JetStream
	consumers   []jetstream.ConsumeContext
	counters    map[string]*topicCounters
	deadLetters []queue.DeadLetterEntry
	nextDLQID   int64
}

// New creates a JetStream backend. notifier may be nil.
func New(cfg Config, notifier *queue.Notifier, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStreamName
	}
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = 5
	}
	return &Backend{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.With("component", "jetstream_backend"),
		counters: make(map[string]*topicCounters),
	}
}

// Initialize connects to NATS and ensures the stream exists. Idempotent.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return queue.ErrClosed
	}
	if b.initialized {
		return nil
	}

	var conn *nats.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = nats.Connect(b.cfg.URL, nats.Timeout(5*time.Second))
			return err
		},
		retry.Attempts(b.cfg.ConnectAttempts),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    b.cfg.MaxAge,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to ensure stream %s: %w", b.cfg.StreamName, err)
	}

	b.conn = conn
	b.js = js
	b.initialized = true
	b.logger.Info("jetstream backend initialized", "stream", b.cfg.StreamName, "url", b.cfg.URL)
	return nil
}

func (b *Backend) ready() (jetstream.JetStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	if !b.initialized {
		return nil, queue.ErrNotInitialized
	}
	return b.js, nil
}

// Publish writes the message envelope to the topic's subject. DelaySeconds is
// carried in the envelope and enforced at delivery time via NakWithDelay; the
// broker itself has no delayed publish. Per-message MaxRetries is ignored
// (see package doc).
func (b *Backend) Publish(ctx context.Context, topic string, payload json.RawMessage, opts queue.PublishOptions) (string, error) {
	if topic == "" {
		return "", queue.ErrTopicRequired
	}
	js, err := b.ready()
	if err != nil {
		return "", err
	}

	now := time.Now()
	env := envelope{
		MessageID:   queue.NewMessageID(topic),
		Topic:       topic,
		Payload:     payload,
		Priority:    opts.Priority,
		ScheduledAt: now.Add(time.Duration(opts.DelaySeconds) * time.Second),
		CreatedAt:   now,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if _, err := js.Publish(ctx, subjectPrefix+topic, data); err != nil {
		return "", fmt.Errorf("failed to publish to subject %s: %w", subjectPrefix+topic, err)
	}

	b.mu.Lock()
	b.topicCountersLocked(topic).published++
	b.mu.Unlock()

	b.logger.Debug("message published", "topic", topic, "message_id", env.MessageID)
	b.notifier.Notify(queue.Event{Kind: queue.EventPublished, Topic: topic, MessageID: env.MessageID})

	return env.MessageID, nil
}

// Subscribe creates (or updates) a durable consumer for the topic and starts
// broker-driven consumption. The handler outcome maps onto the broker's
// ack/nak semantics; the final failed delivery is recorded to the in-process
// dead-letter ledger and terminated.
func (b *Backend) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts queue.SubscribeOptions) (string, error) {
	if topic == "" {
		return "", queue.ErrTopicRequired
	}
	if handler == nil {
		return "", queue.ErrHandlerRequired
	}
	js, err := b.ready()
	if err != nil {
		return "", err
	}

	opts = queue.NormalizeSubscribeOptions(opts)
	if opts.SubscriberID == "" {
		opts.SubscriberID = topic + "_subscriber"
	}

	maxRetries := queue.DefaultPublishOptions().MaxRetries
	consumerName := sanitizeConsumerName(fmt.Sprintf("%s_%s", topic, opts.SubscriberID))
	maxDeliver := maxRetries + 1

	consumer, err := js.CreateOrUpdateConsumer(ctx, b.cfg.StreamName, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		FilterSubject: subjectPrefix + topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       opts.VisibilityTimeout,
		MaxDeliver:    maxDeliver,
		BackOff:       backoffSchedule(maxRetries),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.handleDelivery(msg, topic, handler, maxDeliver)
	})
	if err != nil {
		return "", fmt.Errorf("failed to start consuming for %s: %w", consumerName, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, cc)
	b.mu.Unlock()

	b.logger.Info("subscribed",
		"topic", topic,
		"consumer", consumerName,
		"ack_wait", opts.VisibilityTimeout,
		"max_deliver", maxDeliver,
	)

	return consumerName, nil
}

// handleDelivery runs one broker delivery through the handler contract.
func (b *Backend) handleDelivery(msg jetstream.Msg, topic string, handler queue.Handler, maxDeliver int) {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		// Undecodable message: poisoned, terminate it rather than loop.
		b.logger.Error("failed to decode envelope, terminating message", "topic", topic, "error", err)
		_ = msg.Term()
		return
	}

	// Not yet due: hand it back for redelivery after the remaining delay.
	// The bounce consumes one of the consumer's MaxDeliver attempts (see
	// package doc).
	if remaining := time.Until(env.ScheduledAt); remaining > 0 {
		_ = msg.NakWithDelay(remaining)
		return
	}

	delivered := 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}
	retryCount := delivered - 1

	err := b.runHandler(handler, queue.Delivery{
		MessageID:  env.MessageID,
		Topic:      env.Topic,
		Payload:    env.Payload,
		Priority:   env.Priority,
		RetryCount: retryCount,
		CreatedAt:  env.CreatedAt,
	})
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Error("ack failed", "message_id", env.MessageID, "error", ackErr)
			return
		}
		b.mu.Lock()
		c := b.topicCountersLocked(topic)
		c.completed++
		c.durations += time.Since(env.CreatedAt).Seconds()
		b.mu.Unlock()
		b.notifier.Notify(queue.Event{Kind: queue.EventCompleted, Topic: topic, MessageID: env.MessageID, RetryCount: retryCount})
		return
	}

	if delivered >= maxDeliver {
		// Last allowed delivery failed: record the dead letter ourselves,
		// then terminate so the broker stops redelivering.
		b.recordDeadLetter(env, retryCount)
		_ = msg.Term()
		b.logger.Warn("message dead-lettered",
			"topic", topic,
			"message_id", env.MessageID,
			"retry_count", retryCount,
		)
		b.notifier.Notify(queue.Event{Kind: queue.EventDeadLettered, Topic: topic, MessageID: env.MessageID, RetryCount: retryCount})
		return
	}

	// The consumer's BackOff schedule supplies the exponential delay.
	_ = msg.Nak()
	b.logger.Info("message nacked for broker retry",
		"topic", topic,
		"message_id", env.MessageID,
		"delivered", delivered,
	)
	b.notifier.Notify(queue.Event{Kind: queue.EventRetried, Topic: topic, MessageID: env.MessageID, RetryCount: retryCount + 1})
}

func (b *Backend) runHandler(handler queue.Handler, d queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "panic", r, "topic", d.Topic, "message_id", d.MessageID)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(context.Background(), d)
}

func (b *Backend) recordDeadLetter(env envelope, retryCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextDLQID++
	b.deadLetters = append(b.deadLetters, queue.DeadLetterEntry{
		ID:                b.nextDLQID,
		OriginalMessageID: env.MessageID,
		Topic:             env.Topic,
		Payload:           env.Payload,
		FailureReason:     queue.FailureReasonMaxRetries,
		RetryCount:        retryCount,
		CreatedAt:         time.Now(),
	})
	if len(b.deadLetters) > defaultMaxDLQEntries {
		b.deadLetters = b.deadLetters[len(b.deadLetters)-defaultMaxDLQEntries:]
	}
	b.topicCountersLocked(env.Topic).failed++
}

func (b *Backend) topicCountersLocked(topic string) *topicCounters {
	c, ok := b.counters[topic]
	if !ok {
		c = &topicCounters{}
		b.counters[topic] = c
	}
	return c
}

// GetStats reports per-topic outcome counters. Pending is approximated from
// the broker's stream message count; processing is not observable per topic
// through the broker API and is reported as the remainder.
func (b *Backend) GetStats(ctx context.Context, topic string) (queue.Stats, error) {
	if _, err := b.ready(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(queue.Stats)
	for name, c := range b.counters {
		if topic != "" && name != topic {
			continue
		}
		ts := queue.TopicStats{
			TotalMessages:     c.published,
			CompletedMessages: c.completed,
			FailedMessages:    c.failed,
			PendingMessages:   c.published - c.completed - c.failed,
		}
		if c.completed > 0 {
			ts.AvgProcessingTimeSeconds = c.durations / float64(c.completed)
		}
		stats[name] = ts
	}
	return stats, nil
}

// Cleanup is handled by the broker's retention policy; nothing to do here.
func (b *Backend) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

// DeadLetters returns the in-process dead-letter ledger, newest first.
func (b *Backend) DeadLetters(ctx context.Context, topic string, limit int) ([]queue.DeadLetterEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := make([]queue.DeadLetterEntry, 0, limit)
	for i := len(b.deadLetters) - 1; i >= 0; i-- {
		if topic != "" && b.deadLetters[i].Topic != topic {
			continue
		}
		entries = append(entries, b.deadLetters[i])
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// Close stops consumption and closes the connection. Safe to call repeatedly.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	conn := b.conn
	b.mu.Unlock()

	for _, cc := range consumers {
		cc.Stop()
	}
	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}

	b.logger.Info("jetstream backend closed")
	return nil
}

// backoffSchedule builds the consumer BackOff durations matching the
// platform's capped exponential policy: 1s, 2s, 4s, ... capped at 300s, one
// entry per allowed retry.
func backoffSchedule(maxRetries int) []time.Duration {
	if maxRetries <= 0 {
		return nil
	}
	schedule := make([]time.Duration, 0, maxRetries)
	for i := 0; i < maxRetries; i++ {
		schedule = append(schedule, queue.BackoffDelay(i))
	}
	return schedule
}

// sanitizeConsumerName strips characters JetStream rejects in durable names.
func sanitizeConsumerName(name string) string {
	replacer := strings.NewReplacer(
		".", "_",
		":", "_",
		" ", "_",
		"-", "_",
		">", "all",
		"*", "any",
	)
	name = replacer.Replace(name)
	if len(name) > 0 && !unicode.IsLetter(rune(name[0])) && name[0] != '_' {
		name = "_" + name
	}
	return name
}
