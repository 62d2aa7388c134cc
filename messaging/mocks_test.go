package messaging

import (
	"errors"
	"sync"
	"time"
)

// errPersist is returned by failingPersister.
var errPersist = errors.New("persist failure")

// recordingPersister implements Persister for testing.
type recordingPersister struct {
	mu      sync.Mutex
	saved   map[string]Message
	deleted []string
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{saved: make(map[string]Message)}
}

func (p *recordingPersister) Save(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[msg.ID] = msg.Clone()
	return nil
}

func (p *recordingPersister) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.saved, id)
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *recordingPersister) get(id string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.saved[id]
	return msg, ok
}

// failingPersister always fails; the store must keep working.
type failingPersister struct{}

func (failingPersister) Save(Message) error  { return errPersist }
func (failingPersister) Delete(string) error { return errPersist }

// newTestMessage builds a valid message created offset after testEpoch.
func newTestMessage(id string, offset time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: testConversationID,
		SenderID:       testSenderID,
		Payload:        []byte("payload-" + id),
		CreatedAt:      testEpoch.Add(offset),
		State:          StateQueued,
	}
}

// collect drains a store sequence into a slice of IDs.
func collect(s *Store, conversationID string) []string {
	ids := make([]string, 0)
	for msg := range s.Get(conversationID) {
		ids = append(ids, msg.ID)
	}
	return ids
}
