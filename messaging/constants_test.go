package messaging

import "time"

// Test conversation and device identifiers.
const (
	testConversationID = "c1"
	testOtherConvID    = "c2"
	testSenderID       = "device-a"
	testPeerID         = "device-b"
)

// Test time values.
var (
	testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
)

// Test durations.
const (
	testEventWait = 200 * time.Millisecond
)
