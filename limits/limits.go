// Package limits provides centralized size limits for the relay engine.
// This ensures consistent validation across the store, transports and the facade.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPayload is the largest opaque payload accepted for a single message.
	// Payloads are ciphertext produced by the encryption collaborator and padded
	// to standard sizes, the largest of which is 16 KiB.
	MaxPayload = 16384

	// MaxParticipants bounds the participant set of a conversation.
	MaxParticipants = 50

	// MaxFrameSize is the absolute maximum for any inbound frame or HTTP body.
	// It covers a full payload plus JSON/base64 envelope overhead and prevents
	// memory exhaustion from a misbehaving endpoint (1MB limit).
	MaxFrameSize = 1024 * 1024

	// MaxBatchSize bounds the number of messages accepted from one fetch or poll.
	MaxBatchSize = 1000
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds the maximum size
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrTooManyParticipants indicates a conversation exceeds MaxParticipants
	ErrTooManyParticipants = errors.New("too many participants")

	// ErrFrameTooLarge indicates an inbound frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")
)

// ValidateSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrPayloadEmpty
	}
	if len(data) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(data), maxSize)
	}
	return nil
}

// ValidatePayload validates a message payload against MaxPayload.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	return nil
}

// ValidateFrame validates raw inbound bytes against MaxFrameSize.
// All network-received data should pass this check before decoding.
func ValidateFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrFrameTooLarge, len(frame), MaxFrameSize)
	}
	return nil
}

// ValidateParticipants validates a conversation participant count.
func ValidateParticipants(count int) error {
	if count > MaxParticipants {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManyParticipants, count, MaxParticipants)
	}
	return nil
}
