package transport

import (
	"context"

	"github.com/opd-ai/toxrelay/messaging"
)

// Kind identifies a transport variant.
type Kind uint8

const (
	// KindStreaming is the long-lived bidirectional primary transport.
	KindStreaming Kind = iota
	// KindPolling is the request/response fallback transport.
	KindPolling
)

// String returns the transport kind name.
func (k Kind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindPolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Status reports the reachability of a transport.
type Status uint8

const (
	// StatusDisconnected means the transport cannot currently carry traffic.
	StatusDisconnected Status = iota
	// StatusConnected means the transport is carrying traffic.
	StatusConnected
)

// String returns the status name.
func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// EventType identifies the kind of inbound transport event.
type EventType string

const (
	// EventNewMessage carries a message copy.
	EventNewMessage EventType = "newMessage"
	// EventAcknowledgment carries an acknowledgment record.
	EventAcknowledgment EventType = "acknowledgment"
)

// Event is the inbound event shape shared by every transport variant.
// Message is set for EventNewMessage and Ack for EventAcknowledgment.
type Event struct {
	Type    EventType
	Message messaging.Message
	Ack     messaging.Acknowledgment
	Source  Kind
}

// EventHandler processes inbound events. Each transport calls its handler
// from a single goroutine, in arrival order.
type EventHandler func(ev Event)

// MalformedHandler is told about inbound frames dropped by the codec.
type MalformedHandler func(source Kind, err error)

// StatusHandler is notified when a transport becomes reachable or unreachable.
type StatusHandler func(status Status, err error)

// Transport defines the capability set every delivery channel provides.
// This abstraction allows the controller to switch between the streaming
// and polling variants without callers observing the switch.
type Transport interface {
	// Kind returns the transport variant.
	Kind() Kind

	// Connect establishes the transport. It is safe to call while connected.
	Connect(ctx context.Context) error

	// Send hands a message to the transport.
	Send(ctx context.Context, msg messaging.Message) error

	// OnEvent registers the inbound event handler.
	OnEvent(handler EventHandler)

	// OnStatus registers the reachability handler.
	OnStatus(handler StatusHandler)

	// Disconnect releases the transport and cancels any reconnect attempt.
	Disconnect() error

	// Connected reports whether the transport can currently carry traffic.
	Connected() bool
}
