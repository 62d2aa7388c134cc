// Package messaging implements the message ledger and delivery state machine
// for the relay engine.
//
// This package owns every message record held by a device, enforces the
// one-way delivery state progression, and publishes state changes to
// subscribers.
//
// Example:
//
//	store := messaging.NewStore(nil, nil)
//	msg, _, err := store.Upsert(messaging.Message{
//	    ID:             "m1",
//	    ConversationID: "c1",
//	    SenderID:       "device-a",
//	    Payload:        ciphertext,
//	    CreatedAt:      time.Now(),
//	})
package messaging

import (
	"time"
)

// DeliveryState represents the delivery state of a message.
type DeliveryState uint8

const (
	// StateQueued means the message was accepted locally but not yet sent.
	StateQueued DeliveryState = iota
	// StateSent means the message was handed to a transport and awaits acknowledgment.
	StateSent
	// StateDelivered means an acknowledgment was received.
	StateDelivered
	// StateFailed means retries were exhausted or the send was rejected.
	StateFailed
	// StateExpired means the message passed its expiration timestamp.
	StateExpired
)

// String returns the state name used in logs and on the wire.
func (s DeliveryState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseDeliveryState converts a wire name back into a DeliveryState.
func ParseDeliveryState(name string) (DeliveryState, bool) {
	switch name {
	case "queued":
		return StateQueued, true
	case "sent":
		return StateSent, true
	case "delivered":
		return StateDelivered, true
	case "failed":
		return StateFailed, true
	case "expired":
		return StateExpired, true
	default:
		return StateQueued, false
	}
}

// rank places a state in the partial order. Delivered and Failed share a rank
// and are incomparable with each other.
func (s DeliveryState) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateSent:
		return 1
	case StateDelivered, StateFailed:
		return 2
	case StateExpired:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition except expiry can apply.
func (s DeliveryState) IsTerminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateExpired
}

// Later reports whether s is strictly later than other in the partial order.
func (s DeliveryState) Later(other DeliveryState) bool {
	return CanTransition(other, s)
}

// CanTransition reports whether a message in state from may move to state to.
//
// The order is Queued -> Sent -> {Delivered | Failed}, and any state may move
// to Expired. Expired is never left, and Delivered and Failed only move to
// Expired. Re-applying the current state is not a transition.
func CanTransition(from, to DeliveryState) bool {
	if from == to || from.rank() < 0 || to.rank() < 0 {
		return false
	}
	if from == StateExpired {
		return false
	}
	if to == StateExpired {
		return true
	}
	if from == StateDelivered || from == StateFailed {
		return false
	}
	return to.rank() > from.rank()
}

// Message represents a single message record held by a device.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Payload        []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means the message never expires
	State          DeliveryState
	Retries        int
	LastAttempt    time.Time
}

// ExpiredAt reports whether the message's expiration timestamp has passed at now.
func (m Message) ExpiredAt(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Clone returns a deep copy so callers never share the payload buffer.
func (m Message) Clone() Message {
	if m.Payload != nil {
		payload := make([]byte, len(m.Payload))
		copy(payload, m.Payload)
		m.Payload = payload
	}
	return m
}

// Acknowledgment confirms that a participant received a message.
// ConversationID is optional and never used for matching.
type Acknowledgment struct {
	MessageID      string
	ParticipantID  string
	ConversationID string
	At             time.Time
}

// Evidence describes why a transition was proposed.
type Evidence struct {
	Source        string
	ParticipantID string
	Reason        error
}
