package messaging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultSubscriberBuffer is the channel buffer used when Subscribe is given
// a non-positive size.
const DefaultSubscriberBuffer = 256

// EventType identifies the kind of store event.
type EventType string

const (
	// EventNewMessage is published when a message is admitted to the store.
	EventNewMessage EventType = "newMessage"
	// EventStateChanged is published when a message changes delivery state.
	EventStateChanged EventType = "stateChanged"
)

// Event is the notification delivered to presentation-layer subscribers.
type Event struct {
	Type           EventType
	MessageID      string
	ConversationID string
	State          DeliveryState
}

// Hub fans store events out to subscribers.
//
// Publish never blocks: it is called while the store holds its lock so that
// subscribers observe each message's states in order. A subscriber whose
// buffer is full misses the event and a warning is logged.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function that unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function":        "Hub.Publish",
				"subscriber":      id,
				"event_type":      ev.Type,
				"message_id":      ev.MessageID,
				"conversation_id": ev.ConversationID,
				"state":           ev.State.String(),
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
