package testing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/opd-ai/toxrelay/transport"
	"github.com/sirupsen/logrus"
)

// ErrSimUnreachable is returned by every simulated endpoint while the server
// is marked unreachable.
var ErrSimUnreachable = errors.New("simulated server unreachable")

var (
	_ transport.PollClient      = (*SimServer)(nil)
	_ interfaces.MessageFetcher = (*SimServer)(nil)
	_ interfaces.Authorizer     = (*SimServer)(nil)
)

// queuedEvent is one entry in a device's poll queue.
type queuedEvent struct {
	seq uint64
	ev  transport.Event
}

// SimServer is an in-memory relay server shared by any number of simulated
// devices. It implements the poll, fetch and authorization APIs and hosts
// SimTransport streaming sessions.
type SimServer struct {
	mu           sync.Mutex
	clock        interfaces.Clock
	messages     map[string]messaging.Message
	participants map[string]map[string]struct{}
	denied       map[string]struct{}
	queues       map[string][]queuedEvent
	sessions     map[string]*SimTransport
	seq          uint64
	unreachable  bool
	autoAck      bool
	sent         []messaging.Message
	polls        int
	fetches      int
}

// NewSimServer creates an empty simulated server. Acknowledgments are
// generated automatically for every recipient of a sent message.
func NewSimServer(clock interfaces.Clock) *SimServer {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimServer",
	}).Info("Creating simulated relay server")

	return &SimServer{
		clock:        interfaces.ClockOrReal(clock),
		messages:     make(map[string]messaging.Message),
		participants: make(map[string]map[string]struct{}),
		denied:       make(map[string]struct{}),
		queues:       make(map[string][]queuedEvent),
		sessions:     make(map[string]*SimTransport),
		autoAck:      true,
	}
}

func denyKey(deviceID, conversationID string) string {
	return deviceID + "\x00" + conversationID
}

// AddParticipants adds devices to a conversation's membership.
func (s *SimServer) AddParticipants(conversationID string, deviceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[conversationID]
	if !ok {
		members = make(map[string]struct{})
		s.participants[conversationID] = members
	}
	for _, id := range deviceIDs {
		members[id] = struct{}{}
	}
}

// Deny revokes deviceID's permission to send to conversationID.
func (s *SimServer) Deny(deviceID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[denyKey(deviceID, conversationID)] = struct{}{}
}

// SetReachable toggles whether poll, send, fetch and authorization requests
// succeed.
func (s *SimServer) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = !reachable

	logrus.WithFields(logrus.Fields{
		"function":  "SimServer.SetReachable",
		"reachable": reachable,
	}).Info("Simulated server reachability changed")
}

// SetAutoAck controls whether recipients acknowledge messages automatically.
func (s *SimServer) SetAutoAck(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAck = enabled
}

func (s *SimServer) checkReachable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return ErrSimUnreachable
	}
	return nil
}

// Publish accepts msg as if a device had sent it: the message is stored,
// fanned out to the other participants and, with auto-ack, acknowledged
// back to the sender by each recipient. The history copy stays Sent until a
// recipient acknowledges it. Republishing a known ID is a no-op.
func (s *SimServer) Publish(msg messaging.Message) {
	s.mu.Lock()
	if _, dup := s.messages[msg.ID]; dup {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "SimServer.Publish",
			"message_id": msg.ID,
		}).Debug("Duplicate publish ignored")
		return
	}
	stored := msg
	stored.State = messaging.StateSent
	stored.Retries = 0
	stored.LastAttempt = time.Time{}
	s.sent = append(s.sent, msg)

	inbound := stored
	inbound.State = messaging.StateDelivered

	var deliveries []pendingPush
	for _, device := range s.recipientsLocked(msg) {
		deliveries = append(deliveries, s.enqueueLocked(device, transport.Event{
			Type:    transport.EventNewMessage,
			Message: inbound,
		}))
		if s.autoAck {
			stored.State = messaging.StateDelivered
			deliveries = append(deliveries, s.enqueueLocked(msg.SenderID, transport.Event{
				Type: transport.EventAcknowledgment,
				Ack: messaging.Acknowledgment{
					MessageID:      msg.ID,
					ParticipantID:  device,
					ConversationID: msg.ConversationID,
					At:             s.clock.Now(),
				},
			}))
		}
	}
	s.messages[msg.ID] = stored
	s.mu.Unlock()

	for _, d := range deliveries {
		d.push()
	}
}

// Store records msg in the authoritative history without notifying anyone,
// modelling a message whose live delivery was missed. A message given
// without a state is recorded as Sent, awaiting acknowledgment.
func (s *SimServer) Store(msg messaging.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.messages[msg.ID]; dup {
		return
	}
	if msg.State == messaging.StateQueued {
		msg.State = messaging.StateSent
	}
	s.messages[msg.ID] = msg
}

// Acknowledge queues an acknowledgment of messageID from participantID to
// the message's sender.
func (s *SimServer) Acknowledge(messageID, participantID string) error {
	s.mu.Lock()
	msg, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", messaging.ErrUnknownMessage, messageID)
	}
	if msg.State == messaging.StateSent {
		msg.State = messaging.StateDelivered
		s.messages[messageID] = msg
	}
	d := s.enqueueLocked(msg.SenderID, transport.Event{
		Type: transport.EventAcknowledgment,
		Ack: messaging.Acknowledgment{
			MessageID:      messageID,
			ParticipantID:  participantID,
			ConversationID: msg.ConversationID,
			At:             s.clock.Now(),
		},
	})
	s.mu.Unlock()
	d.push()
	return nil
}

// recipientsLocked returns the participants of msg's conversation other
// than its sender, in a stable order.
func (s *SimServer) recipientsLocked(msg messaging.Message) []string {
	var out []string
	for id := range s.participants[msg.ConversationID] {
		if id != msg.SenderID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// pendingPush is an event to hand to a live session once the server lock
// is released.
type pendingPush struct {
	session *SimTransport
	ev      transport.Event
}

func (p pendingPush) push() {
	if p.session != nil {
		p.session.deliver(p.ev)
	}
}

func (s *SimServer) enqueueLocked(deviceID string, ev transport.Event) pendingPush {
	s.seq++
	s.queues[deviceID] = append(s.queues[deviceID], queuedEvent{seq: s.seq, ev: ev})
	return pendingPush{session: s.sessions[deviceID], ev: ev}
}

func (s *SimServer) attach(deviceID string, t *SimTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[deviceID] = t
}

func (s *SimServer) detach(deviceID string, t *SimTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[deviceID] == t {
		delete(s.sessions, deviceID)
	}
}

// Poll implements transport.PollClient. The cursor is the sequence number of
// the last event the device has seen.
func (s *SimServer) Poll(ctx context.Context, deviceID, cursor string) (transport.PollResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.PollResult{}, err
	}

	var after uint64
	if cursor != "" {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return transport.PollResult{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.unreachable {
		return transport.PollResult{}, ErrSimUnreachable
	}

	result := transport.PollResult{Cursor: cursor}
	for _, q := range s.queues[deviceID] {
		if q.seq <= after {
			continue
		}
		ev := q.ev
		ev.Source = transport.KindPolling
		result.Events = append(result.Events, ev)
		result.Cursor = strconv.FormatUint(q.seq, 10)
	}
	return result, nil
}

// Send implements transport.PollClient.
func (s *SimServer) Send(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkReachable(); err != nil {
		return err
	}
	s.Publish(msg)
	return nil
}

// FetchSince implements interfaces.MessageFetcher.
func (s *SimServer) FetchSince(ctx context.Context, conversationID string, since time.Time) ([]messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.unreachable {
		return nil, ErrSimUnreachable
	}

	return s.historyLocked(conversationID, since), nil
}

func (s *SimServer) historyLocked(conversationID string, since time.Time) []messaging.Message {
	var out []messaging.Message
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.CreatedAt.After(since) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CanSend implements interfaces.Authorizer. A conversation without
// registered participants admits every device that is not denied.
func (s *SimServer) CanSend(ctx context.Context, deviceID, conversationID string) (bool, error) {
	return s.permitted(ctx, deviceID, conversationID, true)
}

// CanRead implements interfaces.Authorizer.
func (s *SimServer) CanRead(ctx context.Context, deviceID, conversationID string) (bool, error) {
	return s.permitted(ctx, deviceID, conversationID, false)
}

func (s *SimServer) permitted(ctx context.Context, deviceID, conversationID string, send bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return false, ErrSimUnreachable
	}
	if _, denied := s.denied[denyKey(deviceID, conversationID)]; denied && send {
		return false, nil
	}
	members, ok := s.participants[conversationID]
	if !ok {
		return true, nil
	}
	_, member := members[deviceID]
	return member, nil
}

// Messages returns the authoritative history of a conversation, oldest first.
func (s *SimServer) Messages(conversationID string) []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(conversationID, time.Time{})
}

// Sent returns every message accepted through Send or Publish, in order.
func (s *SimServer) Sent() []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Message(nil), s.sent...)
}

// Stats reports how many poll and fetch requests the server has handled.
func (s *SimServer) Stats() (polls, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls, s.fetches
}
