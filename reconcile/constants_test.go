package reconcile

import "time"

const (
	testConversationID = "c1"
	testOtherConvID    = "c2"
	testPeerID         = "device-b"
	testEventWait      = 2 * time.Second
)

var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
