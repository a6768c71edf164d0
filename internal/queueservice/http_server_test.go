package queueservice

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekhub/jobqueue/internal/metrics"
	"github.com/seekhub/jobqueue/internal/queue"
	"github.com/seekhub/jobqueue/internal/queue/manager"
)

func newTestServer(t *testing.T) (*HTTPServer, *manager.Manager) {
	t.Helper()

	registry := prometheus.NewRegistry()
	queueMetrics := metrics.New(registry)

	mgr := manager.New(manager.Config{Backend: manager.BackendMemory}, nil)
	mgr.OnEvent(queueMetrics.Listener())
	require.NoError(t, mgr.Initialize(context.Background()))
	t.Cleanup(func() { mgr.Close() })

	return NewHTTPServer(mgr, "127.0.0.1", 0, 0, 0, registry, nil), mgr
}

func TestNewHTTPServer_Timeouts(t *testing.T) {
	mgr := manager.New(manager.Config{Backend: manager.BackendMemory}, nil)
	require.NoError(t, mgr.Initialize(context.Background()))
	t.Cleanup(func() { mgr.Close() })

	server := NewHTTPServer(mgr, "127.0.0.1", 0, 3*time.Second, 4*time.Second, nil, nil)
	assert.Equal(t, 3*time.Second, server.server.ReadTimeout)
	assert.Equal(t, 4*time.Second, server.server.WriteTimeout)

	// Zero falls back to the 10s defaults.
	server = NewHTTPServer(mgr, "127.0.0.1", 0, 0, 0, nil, nil)
	assert.Equal(t, 10*time.Second, server.server.ReadTimeout)
	assert.Equal(t, 10*time.Second, server.server.WriteTimeout)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHandlePublish(t *testing.T) {
	server, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/queue/publish", PublishRequest{
		Topic:   "orders",
		Payload: json.RawMessage(`{"order_id":42}`),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp PublishResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "orders", resp.Topic)
	assert.NotEmpty(t, resp.MessageID)
}

func TestHandlePublish_MissingTopic(t *testing.T) {
	server, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/queue/publish", map[string]interface{}{
		"payload": map[string]int{"n": 1},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	endpoints := map[string]string{
		"/api/v1/queue/tasks/document-translation":    manager.TopicDocumentTranslation,
		"/api/v1/queue/tasks/text-translation":        manager.TopicTextTranslation,
		"/api/v1/queue/tasks/translation-improvement": manager.TopicTranslationImprovement,
	}

	for path, topic := range endpoints {
		w := doJSON(t, server.Handler(), http.MethodPost, path, TaskRequest{
			Data: json.RawMessage(`{"document_id":"d1"}`),
		})
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp PublishResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, topic, resp.Topic, path)
	}
}

func TestTaskEndpoint_MissingData(t *testing.T) {
	server, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/queue/tasks/text-translation", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStats(t *testing.T) {
	server, mgr := newTestServer(t)

	_, err := mgr.Publish(context.Background(), "stats-topic", json.RawMessage(`{}`), queue.PublishOptions{})
	require.NoError(t, err)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/queue/stats?topic=stats-topic", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats["stats-topic"].TotalMessages)
	assert.Equal(t, int64(1), stats["stats-topic"].PendingMessages)
}

func TestHandleDeadLetters(t *testing.T) {
	server, mgr := newTestServer(t)

	// Drive one message through its whole retry budget.
	_, err := mgr.Publish(context.Background(), "dlq-topic", json.RawMessage(`{}`), queue.PublishOptions{MaxRetries: 0})
	require.NoError(t, err)
	_, err = mgr.Subscribe(context.Background(), "dlq-topic", func(ctx context.Context, d queue.Delivery) error {
		return context.DeadlineExceeded
	}, queue.SubscribeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := mgr.DeadLetters(context.Background(), "dlq-topic", 10)
		return err == nil && len(entries) == 1
	}, 3*time.Second, 20*time.Millisecond)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/queue/dead-letters?topic=dlq-topic", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DeadLetters []queue.DeadLetterEntry `json:"dead_letters"`
		Count       int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.DeadLetters, 1)
	assert.Equal(t, "dlq-topic", resp.DeadLetters[0].Topic)
}

func TestHandleDeadLetters_InvalidLimit(t *testing.T) {
	server, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/queue/dead-letters?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCleanup(t *testing.T) {
	server, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/queue/cleanup", CleanupRequest{OlderThanDays: 7})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(0), resp["removed"])
}

func TestHandleCleanup_ZeroDaysRemovesCompleted(t *testing.T) {
	server, mgr := newTestServer(t)

	done := make(chan struct{})
	_, err := mgr.Subscribe(context.Background(), "swept", func(ctx context.Context, d queue.Delivery) error {
		defer close(done)
		return nil
	}, queue.SubscribeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	_, err = mgr.Publish(context.Background(), "swept", json.RawMessage(`{}`), queue.PublishOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message not processed")
	}

	require.Eventually(t, func() bool {
		stats, err := mgr.GetStats(context.Background(), "swept")
		return err == nil && stats["swept"].CompletedMessages == 1
	}, 2*time.Second, 20*time.Millisecond)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/queue/cleanup", CleanupRequest{OlderThanDays: 0})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp["removed"])

	stats, err := mgr.GetStats(context.Background(), "swept")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["swept"].TotalMessages)
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "memory", resp["backend"])
}

func TestMetricsEndpoint(t *testing.T) {
	server, mgr := newTestServer(t)

	_, err := mgr.Publish(context.Background(), "metered", json.RawMessage(`{}`), queue.PublishOptions{})
	require.NoError(t, err)

	w := doJSON(t, server.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "jobqueue_messages_published_total")
}
