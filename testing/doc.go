// Package testing provides in-memory collaborators for exercising a relay
// without a network.
//
// # Overview
//
// SimServer stands in for the relay's server side. It implements every
// collaborator a Relay consumes:
//
//   - transport.PollClient (Poll, Send) for the polling fallback
//   - interfaces.MessageFetcher (FetchSince) for reconciliation
//   - interfaces.Authorizer (CanSend, CanRead)
//
// Stream returns a SimTransport, a streaming session whose events are
// dispatched in order from a single goroutine like the websocket reader.
//
// # Usage
//
//	server := testing.NewSimServer(nil)
//	server.AddParticipants("c1", "alice", "bob")
//
//	stream := server.Stream("alice")
//	// hand stream and server to the relay
//
//	stream.Drop()    // primary link lost
//	stream.Restore() // primary link back; the session reconnects itself
//
// Messages published through the server are fanned out to the other
// participants and, unless SetAutoAck(false) is called, acknowledged back to
// the sender. Store records a message in the authoritative history without
// any live delivery, which models a message missed during a gap.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package testing
