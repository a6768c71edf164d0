package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageID_Format(t *testing.T) {
	id := NewMessageID("translation-text")

	assert.True(t, strings.HasPrefix(id, "translation-text_"))
	parts := strings.Split(strings.TrimPrefix(id, "translation-text_"), "_")
	assert.Len(t, parts, 2)
	assert.Len(t, parts[1], 8)
}

func TestNewMessageID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID("topic")
		assert.False(t, seen[id], "duplicate message id %s", id)
		seen[id] = true
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{20, 300 * time.Second},
		{-1, 1 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestBackoffDelay_Monotonic(t *testing.T) {
	prev := time.Duration(0)
	for i := 0; i < 15; i++ {
		d := BackoffDelay(i)
		assert.GreaterOrEqual(t, d, prev, "delay decreased at retryCount=%d", i)
		assert.LessOrEqual(t, d, 300*time.Second)
		prev = d
	}
}

func TestShouldRetry(t *testing.T) {
	msg := &Message{RetryCount: 2, MaxRetries: 3}
	assert.True(t, msg.ShouldRetry())

	msg.RetryCount = 3
	assert.False(t, msg.ShouldRetry())
}

func TestNormalizeSubscribeOptions(t *testing.T) {
	opts := NormalizeSubscribeOptions(SubscribeOptions{})
	assert.Equal(t, 1, opts.MaxMessages)
	assert.Equal(t, 300*time.Second, opts.VisibilityTimeout)
	assert.Equal(t, 2*time.Second, opts.PollInterval)

	opts = NormalizeSubscribeOptions(SubscribeOptions{MaxMessages: 10, PollInterval: time.Second})
	assert.Equal(t, 10, opts.MaxMessages)
	assert.Equal(t, time.Second, opts.PollInterval)
	assert.Equal(t, 300*time.Second, opts.VisibilityTimeout)
}
