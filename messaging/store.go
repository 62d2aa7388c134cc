package messaging

import (
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Persister receives every committed store mutation.
// It is optional; when unset the store is memory-only.
type Persister interface {
	Save(msg Message) error
	Delete(id string) error
}

// record is the stored form of a message.
type record struct {
	msg         Message
	fingerprint [32]byte
}

// Store is the authoritative in-memory ledger of message state for one device.
//
// Every mutation goes through a single mutex, which makes the store the
// serialization point for transports, the scheduler and reconciliation.
// Callers only ever receive copies.
type Store struct {
	mu        sync.Mutex
	records   map[string]*record
	byConv    map[string]map[string]struct{}
	clock     clockwork.Clock
	hub       *Hub
	persister Persister
}

// NewStore creates an empty store. A nil clock uses the real clock and a nil
// hub creates a private one.
func NewStore(clock clockwork.Clock, hub *Hub) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Store{
		records: make(map[string]*record),
		byConv:  make(map[string]map[string]struct{}),
		clock:   clock,
		hub:     hub,
	}
}

// SetPersister configures write-through persistence.
func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

// Hub returns the event hub the store publishes to.
func (s *Store) Hub() *Hub {
	return s.hub
}

// validateMessage checks the fields every stored record must carry.
func validateMessage(msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidMessage)
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("%w: message %s has no conversation", ErrInvalidMessage, msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %s has no creation timestamp", ErrInvalidMessage, msg.ID)
	}
	if err := limits.ValidatePayload(msg.Payload); err != nil {
		return fmt.Errorf("%w: message %s: %v", ErrInvalidMessage, msg.ID, err)
	}
	return nil
}

// Upsert inserts msg if its identifier is unknown, otherwise merges it into the
// existing record.
//
// The merge keeps the existing state unless the incoming state is strictly
// later. Identifier, sender, conversation, payload and timestamps of the
// first-seen copy are never overwritten. The returned bool is true when the
// message was inserted.
func (s *Store) Upsert(msg Message) (Message, bool, error) {
	if err := validateMessage(msg); err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[msg.ID]; ok {
		return s.mergeLocked(existing, msg), false, nil
	}

	stored := msg.Clone()
	if stored.ExpiredAt(s.clock.Now()) {
		stored.State = StateExpired
	}
	rec := &record{
		msg:         stored,
		fingerprint: blake2b.Sum256(stored.Payload),
	}
	s.insertLocked(rec)
	s.persistLocked(rec.msg)

	if stored.State != StateExpired {
		s.hub.Publish(Event{
			Type:           EventNewMessage,
			MessageID:      stored.ID,
			ConversationID: stored.ConversationID,
			State:          stored.State,
		})
	}
	return stored.Clone(), true, nil
}

// mergeLocked folds a duplicate copy into an existing record.
func (s *Store) mergeLocked(existing *record, incoming Message) Message {
	if fp := blake2b.Sum256(incoming.Payload); fp != existing.fingerprint {
		logrus.WithFields(logrus.Fields{
			"function":        "Store.Upsert",
			"message_id":      incoming.ID,
			"conversation_id": existing.msg.ConversationID,
		}).Warn("Duplicate message carries a different payload, keeping first-seen copy")
	}

	if !CanTransition(existing.msg.State, incoming.State) {
		logrus.WithFields(logrus.Fields{
			"function":       "Store.Upsert",
			"message_id":     incoming.ID,
			"existing_state": existing.msg.State.String(),
			"incoming_state": incoming.State.String(),
		}).Debug("Duplicate message not later than stored copy, keeping stored state")
		return existing.msg.Clone()
	}

	s.setStateLocked(existing, incoming.State)
	return existing.msg.Clone()
}

// ApplyTransition moves a known message to the proposed state if the partial
// order allows it. Backward moves and transitions on unknown messages are
// rejected without side effects. Re-applying the current state is a no-op
// that returns (false, nil).
func (s *Store) ApplyTransition(messageID string, proposed DeliveryState, ev Evidence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "Store.ApplyTransition",
			"message_id": messageID,
			"proposed":   proposed.String(),
			"source":     ev.Source,
		}).Warn("Rejected transition for message that was never admitted")
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	current := rec.msg.State
	if current == proposed {
		return false, nil
	}
	if !CanTransition(current, proposed) {
		logrus.WithFields(logrus.Fields{
			"function":   "Store.ApplyTransition",
			"message_id": messageID,
			"current":    current.String(),
			"proposed":   proposed.String(),
			"source":     ev.Source,
		}).Debug("Rejected non-monotonic transition")
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, proposed)
	}

	fields := logrus.Fields{
		"function":   "Store.ApplyTransition",
		"message_id": messageID,
		"from":       current.String(),
		"to":         proposed.String(),
		"source":     ev.Source,
	}
	if ev.ParticipantID != "" {
		fields["participant_id"] = ev.ParticipantID
	}
	if ev.Reason != nil {
		fields["reason"] = ev.Reason.Error()
	}
	logrus.WithFields(fields).Debug("Message state changed")

	s.setStateLocked(rec, proposed)
	return true, nil
}

// RecordAttempt notes a send attempt. attempt is 1-based; Retries becomes
// attempt-1. Terminal messages are left untouched.
func (s *Store) RecordAttempt(messageID string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if rec.msg.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrIllegalTransition, messageID, rec.msg.State)
	}
	if attempt > 0 {
		rec.msg.Retries = attempt - 1
	}
	rec.msg.LastAttempt = at
	s.persistLocked(rec.msg)
	return nil
}

// setStateLocked commits a validated state change and publishes it.
func (s *Store) setStateLocked(rec *record, state DeliveryState) {
	rec.msg.State = state
	s.persistLocked(rec.msg)
	s.hub.Publish(Event{
		Type:           EventStateChanged,
		MessageID:      rec.msg.ID,
		ConversationID: rec.msg.ConversationID,
		State:          state,
	})
}

func (s *Store) insertLocked(rec *record) {
	s.records[rec.msg.ID] = rec
	ids, ok := s.byConv[rec.msg.ConversationID]
	if !ok {
		ids = make(map[string]struct{})
		s.byConv[rec.msg.ConversationID] = ids
	}
	ids[rec.msg.ID] = struct{}{}
}

func (s *Store) persistLocked(msg Message) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Store.persist",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Failed to persist message")
	}
}

// Message returns a copy of a single record.
func (s *Store) Message(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return Message{}, false
	}
	return rec.msg.Clone(), true
}

// Get returns the active messages of a conversation, newest first with ties
// broken by identifier ascending. Expired records and records whose
// expiration timestamp has passed are excluded.
//
// The sequence is lazy and restartable: nothing is read until it is ranged
// over, and every range takes a fresh snapshot.
func (s *Store) Get(conversationID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, msg := range s.snapshot(conversationID) {
			if !yield(msg) {
				return
			}
		}
	}
}

// snapshot collects and orders the visible messages of a conversation.
func (s *Store) snapshot(conversationID string) []Message {
	s.mu.Lock()
	now := s.clock.Now()
	ids := s.byConv[conversationID]
	out := make([]Message, 0, len(ids))
	for id := range ids {
		msg := s.records[id].msg
		if msg.State == StateExpired || msg.ExpiredAt(now) {
			continue
		}
		out = append(out, msg.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkExpired transitions every message whose expiration timestamp has passed
// to Expired and returns how many changed. Running it again without time
// advancing changes nothing.
func (s *Store) MarkExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	expired := 0
	for _, rec := range s.records {
		if rec.msg.State == StateExpired || !rec.msg.ExpiredAt(now) {
			continue
		}
		s.setStateLocked(rec, StateExpired)
		expired++
	}

	if expired > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Store.MarkExpired",
			"expired":  expired,
		}).Debug("Expired messages swept")
	}
	return expired
}

// Purge reclaims Expired records whose expiration timestamp is before the
// given time and returns how many were removed.
func (s *Store) Purge(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, rec := range s.records {
		if rec.msg.State != StateExpired || rec.msg.ExpiresAt.IsZero() || !rec.msg.ExpiresAt.Before(before) {
			continue
		}
		delete(s.records, id)
		if ids, ok := s.byConv[rec.msg.ConversationID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byConv, rec.msg.ConversationID)
			}
		}
		if s.persister != nil {
			if err := s.persister.Delete(id); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "Store.Purge",
					"message_id": id,
					"error":      err.Error(),
				}).Error("Failed to delete persisted message")
			}
		}
		purged++
	}
	return purged
}

// Restore loads previously persisted records without publishing events.
// Records already present are merged with the usual rule. Invalid records are
// skipped and counted out of the returned total.
func (s *Store) Restore(msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, msg := range msgs {
		if err := validateMessage(msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Store.Restore",
				"error":    err.Error(),
			}).Warn("Skipping invalid persisted message")
			continue
		}
		if existing, ok := s.records[msg.ID]; ok {
			if CanTransition(existing.msg.State, msg.State) {
				existing.msg.State = msg.State
			}
			continue
		}
		stored := msg.Clone()
		s.insertLocked(&record{msg: stored, fingerprint: blake2b.Sum256(stored.Payload)})
		restored++
	}
	return restored
}

// Pending returns messages from senderID that are still Queued or Sent,
// oldest first.
func (s *Store) Pending(senderID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0)
	for _, rec := range s.records {
		if rec.msg.SenderID != senderID {
			continue
		}
		if rec.msg.State == StateQueued || rec.msg.State == StateSent {
			out = append(out, rec.msg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Conversations returns the identifiers of every conversation with stored messages.
func (s *Store) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.byConv))
	for id := range s.byConv {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored records, including expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
