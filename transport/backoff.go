package transport

import "time"

const (
	// DefaultReconnectMin is the first reconnect delay.
	DefaultReconnectMin = 1 * time.Second
	// DefaultReconnectMax caps the reconnect delay.
	DefaultReconnectMax = 60 * time.Second
)

// Backoff produces exponentially growing delays: Min, 2·Min, 4·Min, ...
// capped at Max. It is not safe for concurrent use.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	current time.Duration
}

// NewBackoff creates a backoff, substituting defaults for non-positive bounds.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultReconnectMin
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	if max < min {
		max = min
	}
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Min
		return b.current
	}
	b.current *= 2
	if b.current > b.Max || b.current <= 0 {
		b.current = b.Max
	}
	return b.current
}

// Reset restarts the sequence at Min.
func (b *Backoff) Reset() {
	b.current = 0
}
