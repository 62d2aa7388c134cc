package messaging

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/limits"
	"github.com/sirupsen/logrus"
)

// ConversationState is the lifecycle state of a conversation.
type ConversationState uint8

const (
	// ConversationActive accepts new sends.
	ConversationActive ConversationState = iota
	// ConversationClosed rejects new sends but keeps existing messages until they expire.
	ConversationClosed
)

// String returns the lifecycle state name.
func (s ConversationState) String() string {
	switch s {
	case ConversationActive:
		return "active"
	case ConversationClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conversation describes a conversation known to this device.
type Conversation struct {
	ID           string
	Participants []string
	State        ConversationState
	ClosedAt     time.Time
}

// Conversations tracks conversation lifecycle. Membership itself is decided
// by the authorization collaborator; this registry only enforces closure and
// the participant bound.
type Conversations struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
	clock clockwork.Clock
}

// NewConversations creates an empty registry.
func NewConversations(clock clockwork.Clock) *Conversations {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Conversations{
		convs: make(map[string]*Conversation),
		clock: clock,
	}
}

// Open registers an active conversation or replaces the participant set of an
// active one. A closed conversation cannot be reopened.
func (c *Conversations) Open(id string, participants []string) error {
	if id == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidMessage)
	}
	unique := dedupeParticipants(participants)
	if err := limits.ValidateParticipants(len(unique)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conv, ok := c.convs[id]; ok {
		if conv.State == ConversationClosed {
			return fmt.Errorf("%w: %s", ErrConversationClosed, id)
		}
		conv.Participants = unique
		return nil
	}

	c.convs[id] = &Conversation{
		ID:           id,
		Participants: unique,
		State:        ConversationActive,
	}
	return nil
}

// Ensure registers id as active with the given participant when it is unknown.
func (c *Conversations) Ensure(id, participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.convs[id]; ok {
		return
	}
	var participants []string
	if participant != "" {
		participants = []string{participant}
	}
	c.convs[id] = &Conversation{
		ID:           id,
		Participants: participants,
		State:        ConversationActive,
	}
}

// Close marks a conversation closed. Closing an unknown conversation registers
// it as closed; closing twice is a no-op. It reports whether the state changed.
func (c *Conversations) Close(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.convs[id]
	if !ok {
		conv = &Conversation{ID: id}
		c.convs[id] = conv
	} else if conv.State == ConversationClosed {
		return false
	}
	conv.State = ConversationClosed
	conv.ClosedAt = c.clock.Now()

	logrus.WithFields(logrus.Fields{
		"function":        "Conversations.Close",
		"conversation_id": id,
	}).Info("Conversation closed")
	return true
}

// CheckSendable returns ErrConversationClosed for closed conversations.
// Unknown conversations are sendable.
func (c *Conversations) CheckSendable(id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if conv, ok := c.convs[id]; ok && conv.State == ConversationClosed {
		return fmt.Errorf("%w: %s", ErrConversationClosed, id)
	}
	return nil
}

// Get returns a copy of a conversation.
func (c *Conversations) Get(id string) (Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv, ok := c.convs[id]
	if !ok {
		return Conversation{}, false
	}
	out := *conv
	out.Participants = append([]string(nil), conv.Participants...)
	return out, true
}

// IDs returns every registered conversation identifier in sorted order.
func (c *Conversations) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.convs))
	for id := range c.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func dedupeParticipants(participants []string) []string {
	seen := make(map[string]struct{}, len(participants))
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
