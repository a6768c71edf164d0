package queue

import (
	"sync"
	"time"
)

// EventKind names a message lifecycle transition.
type EventKind string

const (
	EventPublished    EventKind = "published"
	EventCompleted    EventKind = "completed"
	EventRetried      EventKind = "retried"
	EventDeadLettered EventKind = "dead_lettered"
)

// Event describes one lifecycle transition of a message.
type Event struct {
	Kind       EventKind
	Topic      string
	MessageID  string
	RetryCount int
	At         time.Time
}

// Listener receives lifecycle events. Listeners run synchronously on the
// delivery goroutine and must be fast.
type Listener func(Event)

// Notifier fans lifecycle events out to registered listeners. A nil Notifier
// is valid and drops all events, so backends can hold one unconditionally.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

// Register adds a listener. There is no unregister; listeners live as long
// as the Manager.
func (n *Notifier) Register(l Listener) {
	if n == nil || l == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Notify delivers the event to every registered listener.
func (n *Notifier) Notify(e Event) {
	if n == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	n.mu.RLock()
	listeners := n.listeners
	n.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}
