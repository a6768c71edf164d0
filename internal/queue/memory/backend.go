// Package memory implements the queue backend contract entirely in process
// memory. It reproduces the durable backend's ordering, backoff and
// dead-letter behavior without a store, for tests and single-process
// deployments. The dead-letter ledger lives only as long as the process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seekhub/jobqueue/internal/queue"
)

// Backend is the in-memory queue backend. All message state is guarded by a
// single mutex; claim removes messages from the pending list before any
// handler runs, so two subscribers on the same topic can never double-claim.
type Backend struct {
	mu sync.Mutex

	// pending holds claimable messages per topic, sorted by
	// (priority desc, scheduledAt asc) on every insert.
	pending map[string][]*queue.Message

	// messages indexes every message ever published, by caller-visible id.
	// It is the source of truth for stats and cleanup.
	messages map[string]*queue.Message

	deadLetters   []queue.DeadLetterEntry
	subscriptions map[string]*queue.Subscription
	pollers       map[string]*poller

	nextID     int64
	nextDLQID  int64
	closed     bool
	notifier   *queue.Notifier
	logger     *slog.Logger
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

type poller struct {
	cancel context.CancelFunc
}

// New creates an in-memory backend. notifier may be nil.
func New(notifier *queue.Notifier, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		pending:       make(map[string][]*queue.Message),
		messages:      make(map[string]*queue.Message),
		subscriptions: make(map[string]*queue.Subscription),
		pollers:       make(map[string]*poller),
		notifier:      notifier,
		logger:        logger.With("component", "memory_backend"),
		baseCtx:       ctx,
		baseCancel:    cancel,
	}
}

// Initialize is a no-op for the in-memory backend.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	return nil
}

// Publish enqueues a message. It never blocks.
func (b *Backend) Publish(ctx context.Context, topic string, payload json.RawMessage, opts queue.PublishOptions) (string, error) {
	if topic == "" {
		return "", queue.ErrTopicRequired
	}

	now := time.Now()
	msg := &queue.Message{
		Topic:       topic,
		MessageID:   queue.NewMessageID(topic),
		Payload:     payload,
		Priority:    opts.Priority,
		Status:      queue.StatusPending,
		MaxRetries:  opts.MaxRetries,
		ScheduledAt: now.Add(time.Duration(opts.DelaySeconds) * time.Second),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", queue.ErrClosed
	}
	b.nextID++
	msg.ID = b.nextID
	b.messages[msg.MessageID] = msg
	b.insertPending(msg)
	b.mu.Unlock()

	b.logger.Debug("message published", "topic", topic, "message_id", msg.MessageID)
	b.notifier.Notify(queue.Event{Kind: queue.EventPublished, Topic: topic, MessageID: msg.MessageID})

	return msg.MessageID, nil
}

// insertPending places msg into the topic's pending list keeping the
// (priority desc, scheduledAt asc) order. Caller holds b.mu.
func (b *Backend) insertPending(msg *queue.Message) {
	list := append(b.pending[msg.Topic], msg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].ScheduledAt.Before(list[j].ScheduledAt)
	})
	b.pending[msg.Topic] = list
}

// claim atomically removes up to max eligible messages from the topic's
// pending list and marks them processing. Removal happens under the lock and
// before any handler is invoked, which is what prevents two subscribers from
// double-claiming within the process.
func (b *Backend) claim(topic string, max int, visibilityTimeout time.Duration) []*queue.Message {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.pending[topic]
	claimed := make([]*queue.Message, 0, max)
	remaining := list[:0]

	for _, msg := range list {
		if len(claimed) < max && !msg.ScheduledAt.After(now) {
			visibleUntil := now.Add(visibilityTimeout)
			msg.Status = queue.StatusProcessing
			msg.VisibilityTimeoutAt = &visibleUntil
			msg.UpdatedAt = now
			claimed = append(claimed, msg)
			continue
		}
		remaining = append(remaining, msg)
	}
	b.pending[topic] = remaining

	return claimed
}

// ack marks a claimed message completed.
func (b *Backend) ack(msg *queue.Message) {
	now := time.Now()

	b.mu.Lock()
	msg.Status = queue.StatusCompleted
	msg.ProcessedAt = &now
	msg.VisibilityTimeoutAt = nil
	msg.UpdatedAt = now
	b.mu.Unlock()

	b.notifier.Notify(queue.Event{Kind: queue.EventCompleted, Topic: msg.Topic, MessageID: msg.MessageID, RetryCount: msg.RetryCount})
}

// nack reschedules a claimed message with exponential backoff, or
// dead-letters it when the retry budget is spent.
func (b *Backend) nack(msg *queue.Message) {
	now := time.Now()

	b.mu.Lock()
	if msg.RetryCount >= msg.MaxRetries {
		b.nextDLQID++
		b.deadLetters = append(b.deadLetters, queue.DeadLetterEntry{
			ID:                b.nextDLQID,
			OriginalMessageID: msg.MessageID,
			Topic:             msg.Topic,
			Payload:           msg.Payload,
			FailureReason:     queue.FailureReasonMaxRetries,
			RetryCount:        msg.RetryCount,
			CreatedAt:         now,
		})
		msg.Status = queue.StatusFailed
		msg.VisibilityTimeoutAt = nil
		msg.UpdatedAt = now
		retries := msg.RetryCount
		b.mu.Unlock()

		b.logger.Warn("message dead-lettered",
			"topic", msg.Topic,
			"message_id", msg.MessageID,
			"retry_count", retries,
		)
		b.notifier.Notify(queue.Event{Kind: queue.EventDeadLettered, Topic: msg.Topic, MessageID: msg.MessageID, RetryCount: retries})
		return
	}

	delay := queue.BackoffDelay(msg.RetryCount)
	msg.RetryCount++
	msg.Status = queue.StatusPending
	msg.ScheduledAt = now.Add(delay)
	msg.VisibilityTimeoutAt = nil
	msg.UpdatedAt = now
	b.insertPending(msg)
	retries := msg.RetryCount
	b.mu.Unlock()

	b.logger.Info("message requeued for retry",
		"topic", msg.Topic,
		"message_id", msg.MessageID,
		"retry_count", retries,
		"delay", delay,
	)
	b.notifier.Notify(queue.Event{Kind: queue.EventRetried, Topic: msg.Topic, MessageID: msg.MessageID, RetryCount: retries})
}

// Subscribe registers a handler and starts a poll loop for it.
func (b *Backend) Subscribe(ctx context.Context, topic string, handler queue.Handler, opts queue.SubscribeOptions) (string, error) {
	if topic == "" {
		return "", queue.ErrTopicRequired
	}
	if handler == nil {
		return "", queue.ErrHandlerRequired
	}
	opts = queue.NormalizeSubscribeOptions(opts)
	if opts.SubscriberID == "" {
		opts.SubscriberID = fmt.Sprintf("%s_subscriber_%s", topic, uuid.NewString()[:8])
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", queue.ErrClosed
	}
	subID := fmt.Sprintf("%s:%s", topic, opts.SubscriberID)
	if _, exists := b.pollers[subID]; exists {
		b.mu.Unlock()
		b.logger.Warn("subscription already exists", "subscription_id", subID)
		return subID, nil
	}
	now := time.Now()
	b.subscriptions[subID] = &queue.Subscription{
		Topic:        topic,
		SubscriberID: opts.SubscriberID,
		LastPollAt:   now,
		IsActive:     true,
		CreatedAt:    now,
	}

	pollCtx, cancel := context.WithCancel(b.baseCtx)
	b.pollers[subID] = &poller{cancel: cancel}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pollLoop(pollCtx, subID, topic, handler, opts)

	b.logger.Info("subscribed",
		"topic", topic,
		"subscriber_id", opts.SubscriberID,
		"poll_interval", opts.PollInterval,
	)

	return subID, nil
}

// pollLoop claims and processes messages until the subscription is cancelled.
// Handlers run sequentially per tick; claim order is the sort order.
func (b *Backend) pollLoop(ctx context.Context, subID, topic string, handler queue.Handler, opts queue.SubscribeOptions) {
	defer b.wg.Done()

	// Re-poll quickly while the topic has work, back off to the configured
	// interval when idle. Same cadence the durable backend uses.
	const busyInterval = 50 * time.Millisecond

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		claimed := b.claim(topic, opts.MaxMessages, opts.VisibilityTimeout)
		for _, msg := range claimed {
			if err := b.runHandler(ctx, handler, msg); err != nil {
				b.nack(msg)
			} else {
				b.ack(msg)
			}
		}

		b.mu.Lock()
		if sub, ok := b.subscriptions[subID]; ok {
			sub.LastPollAt = time.Now()
		}
		b.mu.Unlock()

		if len(claimed) > 0 {
			timer.Reset(busyInterval)
		} else {
			timer.Reset(opts.PollInterval)
		}
	}
}

// runHandler invokes the handler with panic recovery; a panic counts as a
// failed delivery.
func (b *Backend) runHandler(ctx context.Context, handler queue.Handler, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"panic", r,
				"topic", msg.Topic,
				"message_id", msg.MessageID,
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, queue.Delivery{
		MessageID:  msg.MessageID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		Priority:   msg.Priority,
		RetryCount: msg.RetryCount,
		CreatedAt:  msg.CreatedAt,
	})
}

// GetStats aggregates counts per status. Empty topic means all topics.
func (b *Backend) GetStats(ctx context.Context, topic string) (queue.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make(queue.Stats)
	sums := make(map[string]float64)

	for _, msg := range b.messages {
		if topic != "" && msg.Topic != topic {
			continue
		}
		ts := stats[msg.Topic]
		ts.TotalMessages++
		switch msg.Status {
		case queue.StatusPending:
			ts.PendingMessages++
		case queue.StatusProcessing:
			ts.ProcessingMessages++
		case queue.StatusCompleted:
			ts.CompletedMessages++
			if msg.ProcessedAt != nil {
				sums[msg.Topic] += msg.ProcessedAt.Sub(msg.CreatedAt).Seconds()
			}
		case queue.StatusFailed:
			ts.FailedMessages++
		}
		stats[msg.Topic] = ts
	}

	for name, ts := range stats {
		if ts.CompletedMessages > 0 {
			ts.AvgProcessingTimeSeconds = sums[name] / float64(ts.CompletedMessages)
			stats[name] = ts
		}
	}

	return stats, nil
}

// Cleanup removes completed and failed messages older than the window.
func (b *Backend) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	b.mu.Lock()
	defer b.mu.Unlock()

	var deleted int64
	for id, msg := range b.messages {
		if (msg.Status == queue.StatusCompleted || msg.Status == queue.StatusFailed) && msg.UpdatedAt.Before(cutoff) {
			delete(b.messages, id)
			deleted++
		}
	}

	if deleted > 0 {
		b.logger.Info("cleaned up old messages", "deleted", deleted)
	}
	return deleted, nil
}

// DeadLetters returns dead-letter entries, newest first.
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

// Subscriptions returns a snapshot of registered subscriptions.
func (b *Backend) Subscriptions() []queue.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]queue.Subscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, *s)
	}
	return subs
}

// Close stops all poll loops. Safe to call multiple times.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, p := range b.pollers {
		p.cancel()
		delete(b.pollers, id)
	}
	for _, sub := range b.subscriptions {
		sub.IsActive = false
	}
	b.mu.Unlock()

	b.baseCancel()
	b.wg.Wait()

	b.logger.Info("memory backend closed")
	return nil
}
