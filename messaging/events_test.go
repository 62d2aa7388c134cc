package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	a, cancelA := hub.Subscribe(2)
	b, cancelB := hub.Subscribe(2)
	defer cancelA()
	defer cancelB()

	ev := Event{Type: EventStateChanged, MessageID: "m1", ConversationID: "c1", State: StateSent}
	hub.Publish(ev)

	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-b)
	assert.Equal(t, 2, hub.Subscribers())
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(Event{MessageID: "first"})
	hub.Publish(Event{MessageID: "second"})

	got := <-ch
	assert.Equal(t, "first", got.MessageID)
	select {
	case ev := <-ch:
		t.Fatalf("expected dropped event, got %+v", ev)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())

	hub.Publish(Event{MessageID: "after-cancel"})
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	hub.Close()
	hub.Close()

	_, open := <-ch
	assert.False(t, open)
	cancel()

	late, _ := hub.Subscribe(1)
	_, open = <-late
	require.False(t, open, "subscriptions after Close receive a closed channel")
}
