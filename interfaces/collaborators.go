package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/messaging"
)

// Clock supplies the current time and timers. Production code uses
// NewRealClock; tests substitute a fake clock to drive timeouts deterministically.
type Clock = clockwork.Clock

// NewRealClock returns a Clock backed by the system time.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}

// ClockOrReal returns c when non-nil, otherwise the real clock.
func ClockOrReal(c Clock) Clock {
	if c != nil {
		return c
	}
	return clockwork.NewRealClock()
}

// Authorizer answers whether a device may send to or read from a conversation.
// A negative answer is terminal for the message being sent.
type Authorizer interface {
	// CanSend reports whether deviceID may send to conversationID
	CanSend(ctx context.Context, deviceID, conversationID string) (bool, error)

	// CanRead reports whether deviceID may read conversationID
	CanRead(ctx context.Context, deviceID, conversationID string) (bool, error)
}

// MessageFetcher is the authoritative fetch API used exclusively by the
// reconciliation engine.
type MessageFetcher interface {
	// FetchSince returns the messages of conversationID created strictly after
	// since, ordered by creation timestamp ascending
	FetchSince(ctx context.Context, conversationID string, since time.Time) ([]messaging.Message, error)
}

// AllowAll is an Authorizer that accepts every request. It is used when no
// authorization endpoint is configured.
type AllowAll struct{}

// CanSend always returns true.
func (AllowAll) CanSend(context.Context, string, string) (bool, error) { return true, nil }

// CanRead always returns true.
func (AllowAll) CanRead(context.Context, string, string) (bool, error) { return true, nil }

var (
	// ErrInvalidTimeout indicates a non-positive network timeout
	ErrInvalidTimeout = errors.New("network timeout must be positive")

	// ErrInvalidRetryAttempts indicates a negative retry count
	ErrInvalidRetryAttempts = errors.New("retry attempts must not be negative")
)

// CollaboratorConfig holds configuration shared by collaborator implementations
type CollaboratorConfig struct {
	// UseSimulation determines whether to use simulated or real collaborators
	UseSimulation bool

	// NetworkTimeout bounds a single request to a collaborator
	NetworkTimeout time.Duration

	// RetryAttempts sets the number of retries for failed requests
	RetryAttempts int
}

// Validate checks that the configuration values are usable.
func (c CollaboratorConfig) Validate() error {
	if c.NetworkTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.RetryAttempts < 0 {
		return ErrInvalidRetryAttempts
	}
	return nil
}
