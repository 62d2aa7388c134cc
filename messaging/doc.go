// Package messaging provides the message ledger and delivery state machine of
// the relay engine.
//
// # Overview
//
// The messaging package holds every message record known to a device and is
// the only place a record's delivery state changes. Transports, the retry
// scheduler and the reconciliation engine all read and write through [Store].
//
// # Architecture
//
//   - [Store]: in-memory ledger keyed by message identifier, guarded by a single
//     mutex. It is the serialization point for every mutation.
//   - [Message] and [DeliveryState]: the record and its lifecycle.
//   - [Hub]: fan-out of [Event] values to presentation-layer subscribers.
//   - [Conversations]: lifecycle registry (active/closed) and participant bound.
//
// # Message States
//
// States form a partial order:
//
//	Queued -> Sent -> Delivered
//	             \
//	              -> Failed
//
//	any state -> Expired
//
// [CanTransition] encodes the order. [Store.ApplyTransition] rejects backward
// moves and transitions on unknown messages, so re-applying an event is always
// safe. Delivered and Failed are incomparable: a late acknowledgment never
// revives a failed message.
//
// # Duplicate Delivery
//
// [Store.Upsert] is the merge point for copies of the same message arriving
// from several transports or from reconciliation. The first-seen payload and
// timestamps are authoritative; only a strictly later state is taken from the
// incoming copy. A duplicate whose payload fingerprint differs is logged.
//
// # Reading
//
// [Store.Get] returns an iter.Seq so callers can range over a conversation:
//
//	for msg := range store.Get("c1") {
//	    fmt.Println(msg.ID, msg.State)
//	}
//
// Messages are ordered newest first; ties are broken by identifier. Expired
// messages are hidden as soon as their expiration timestamp passes, even
// before the periodic [Store.MarkExpired] sweep runs.
//
// # Persistence
//
// A [Persister] receives every committed mutation. [Store.Restore] reloads
// persisted records on startup without publishing events.
package messaging
