package transport

import "time"

const (
	testConversationID = "c1"
	testSenderID       = "device-a"
	testDeviceID       = "device-b"
	testEventWait      = 2 * time.Second
	testTick           = 5 * time.Millisecond
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
