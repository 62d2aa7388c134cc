// Package interfaces defines the contracts between the relay engine and its
// external collaborators.
//
// The engine never talks to an identity service, membership service or
// clock directly. Each collaborator is consumed through an interface so the
// same engine code runs against real HTTP endpoints (package real) and the
// in-memory simulation (package testing).
//
// # Core Interfaces
//
// [MessageFetcher] is the authoritative fetch API. Only the reconciliation
// engine calls it:
//
//	msgs, err := fetcher.FetchSince(ctx, "c1", watermark)
//
// [Authorizer] decides whether a device may send to a conversation. A
// negative answer moves the message straight to Failed with no retry.
//
// [Clock] supplies time for expiration and timeout comparisons. It is an
// alias of clockwork.Clock so tests can substitute a fake clock:
//
//	clock := clockwork.NewFakeClock()
//	relay, _ := toxrelay.New(&toxrelay.Options{Clock: clock, ...})
//	clock.Advance(30 * time.Second)
//
// # Configuration
//
// [CollaboratorConfig] carries the timeout and retry settings shared by
// collaborator implementations and is validated with
// [CollaboratorConfig.Validate].
package interfaces
