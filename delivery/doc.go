// Package delivery implements the retry and acknowledgment scheduler for
// outbound messages.
//
// A tracked message is handed to the transport immediately. Each attempt
// records Retries and LastAttempt on the stored message, moves it to Sent on
// a successful hand-off, and arms an acknowledgment window that doubles per
// attempt:
//
//	attempt 1: 30s   attempt 2: 60s   attempt 3: 120s ...
//
// capped at MaxAckWait. The first valid acknowledgment moves the message to
// Delivered and cancels the window. When MaxAttempts windows elapse without
// acknowledgment the message moves to Failed with ErrRetryExhausted as the
// evidence; later acknowledgments are no-ops.
//
// Acknowledgments match on message ID alone. The conversation ID carried by
// an acknowledgment is never used to filter it.
package delivery
