// Package toxrelay implements message delivery and transport reconciliation
// for a single device of an end-to-end encrypted messaging system.
//
// A Relay owns the device's message store and keeps it consistent with the
// server while the network comes and goes. Payloads are opaque ciphertext;
// the relay never inspects them.
//
// # Getting Started
//
//	options := toxrelay.NewOptions()
//	options.DeviceID = "device-a"
//	options.Primary = stream     // transport.StreamingTransport
//	options.Fallback = poller    // transport.PollingTransport
//	options.Fetcher = client     // real.HTTPClient
//	options.Authorizer = client
//
//	relay, err := toxrelay.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := relay.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer relay.Shutdown(context.Background())
//
//	msg, err := relay.Send(ctx, "conversation-1", "", ciphertext)
//
// The factory package builds the transports and collaborators from a
// config.Config, in either real or simulated mode.
//
// # Delivery
//
// Send validates the payload, checks that the conversation is open, asks the
// authorizer and stores the message as Queued. The delivery scheduler hands it
// to the active transport and waits for an acknowledgment, doubling the wait
// on every retry. States only move forward:
//
//	Queued -> Sent -> Delivered | Failed, and any state -> Expired
//
// # Transports and Gaps
//
// The streaming transport is preferred. When it drops, sends are bridged
// through the polling transport's request path for a grace period before the
// controller switches over. Every switch is a gap; after each gap the relay
// fetches the authoritative history of every known conversation and folds it
// into the store, so messages missed during the gap appear exactly once.
//
// # Events
//
// Subscribe returns a channel of newMessage and stateChanged events. Publish
// never blocks; a subscriber that falls behind misses events and a warning is
// logged.
//
// # Persistence
//
// With a Ledger set, every mutation is written through and the store is
// replayed on Start. Messages that were still Queued or Sent resume delivery.
package toxrelay
