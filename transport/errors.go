package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable indicates both transports are unreachable
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNotConnected indicates the transport has no live session
	ErrNotConnected = errors.New("transport not connected")

	// ErrMalformedEvent indicates an inbound frame failed shape validation
	ErrMalformedEvent = errors.New("malformed event")

	// ErrTransportClosed indicates the controller has been shut down
	ErrTransportClosed = errors.New("transport closed")
)

// TransportError represents a transport failure with additional context
type TransportError struct {
	Op   string // operation that caused the error
	Kind Kind   // transport variant
	Err  error  // underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Kind, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// newTransportError creates a new TransportError
func newTransportError(op string, kind Kind, err error) *TransportError {
	return &TransportError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}
