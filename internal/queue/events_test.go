package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_FansOut(t *testing.T) {
	n := NewNotifier()

	var got []Event
	n.Register(func(e Event) { got = append(got, e) })
	n.Register(func(e Event) { got = append(got, e) })

	n.Notify(Event{Kind: EventPublished, Topic: "t", MessageID: "m1"})

	assert.Len(t, got, 2)
	assert.Equal(t, EventPublished, got[0].Kind)
	assert.False(t, got[0].At.IsZero(), "Notify should stamp At")
}

func TestNotifier_NilSafe(t *testing.T) {
	var n *Notifier
	n.Register(func(Event) {})
	assert.NotPanics(t, func() {
		n.Notify(Event{Kind: EventCompleted})
	})
}

func TestNotifier_IgnoresNilListener(t *testing.T) {
	n := NewNotifier()
	n.Register(nil)
	assert.NotPanics(t, func() {
		n.Notify(Event{Kind: EventRetried})
	})
}
