package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/seekhub/jobqueue/internal/queue"
)

func TestListener_CountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	listener := m.Listener()

	listener(queue.Event{Kind: queue.EventPublished, Topic: "a"})
	listener(queue.Event{Kind: queue.EventPublished, Topic: "a"})
	listener(queue.Event{Kind: queue.EventCompleted, Topic: "a", RetryCount: 1})
	listener(queue.Event{Kind: queue.EventRetried, Topic: "a", RetryCount: 1})
	listener(queue.Event{Kind: queue.EventDeadLettered, Topic: "b", RetryCount: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesCompleted.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRetried.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDeadLettered.WithLabelValues("b")))
}

func TestNew_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	New(registry)

	families, err := registry.Gather()
	assert.NoError(t, err)
	// Histograms without observations are not gathered; counters with no
	// label values are not either, so gathering just must not fail.
	assert.NotNil(t, families)
}
