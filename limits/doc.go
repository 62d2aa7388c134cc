// Package limits provides centralized size constants and validation functions
// for the relay engine.
//
// # Limits
//
//   - MaxPayload (16384 bytes): largest opaque message payload. Payloads are
//     produced by the encryption collaborator and are never inspected here.
//   - MaxParticipants (50): largest conversation participant set.
//   - MaxFrameSize (1MB): absolute maximum for any inbound WebSocket frame or
//     HTTP response body.
//   - MaxBatchSize (1000): largest number of messages taken from one fetch.
//
// # Validation Functions
//
//	if err := limits.ValidatePayload(payload); err != nil {
//	    // ErrPayloadEmpty or ErrPayloadTooLarge
//	}
//
// For custom size limits, use the generic ValidateSize function:
//
//	err := limits.ValidateSize(data, 4096)
package limits
