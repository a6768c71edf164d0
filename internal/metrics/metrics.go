// Package metrics exposes Prometheus instrumentation for the queue
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seekhub/jobqueue/internal/queue"
)

// Metrics holds the queue subsystem's Prometheus collectors.
type Metrics struct {
	MessagesPublished    *prometheus.CounterVec
	MessagesCompleted    *prometheus.CounterVec
	MessagesRetried      *prometheus.CounterVec
	MessagesDeadLettered *prometheus.CounterVec
	RetryCount           prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "messages_published_total",
			Help:      "Messages accepted for delivery, by topic.",
		}, []string{"topic"}),
		MessagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "messages_completed_total",
			Help:      "Messages acknowledged by a handler, by topic.",
		}, []string{"topic"}),
		MessagesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "messages_retried_total",
			Help:      "Redelivery attempts scheduled after a handler failure, by topic.",
		}, []string{"topic"}),
		MessagesDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobqueue",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages moved to the dead-letter ledger, by topic.",
		}, []string{"topic"}),
		RetryCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jobqueue",
			Name:      "message_retry_count",
			Help:      "Retries a message accumulated before reaching a terminal state.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		}),
	}

	reg.MustRegister(
		m.MessagesPublished,
		m.MessagesCompleted,
		m.MessagesRetried,
		m.MessagesDeadLettered,
		m.RetryCount,
	)
	return m
}

// Listener adapts the collectors to the queue's lifecycle event stream.
func (m *Metrics) Listener() queue.Listener {
	return func(e queue.Event) {
		switch e.Kind {
		case queue.EventPublished:
			m.MessagesPublished.WithLabelValues(e.Topic).Inc()
		case queue.EventCompleted:
			m.MessagesCompleted.WithLabelValues(e.Topic).Inc()
			m.RetryCount.Observe(float64(e.RetryCount))
		case queue.EventRetried:
			m.MessagesRetried.WithLabelValues(e.Topic).Inc()
		case queue.EventDeadLettered:
			m.MessagesDeadLettered.WithLabelValues(e.Topic).Inc()
			m.RetryCount.Observe(float64(e.RetryCount))
		}
	}
}
