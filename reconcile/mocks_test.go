package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/toxrelay/messaging"
)

var errFetchDown = errors.New("fetch endpoint down")

type fetchCall struct {
	conversationID string
	since          time.Time
}

// mockFetcher serves an in-memory authoritative history.
type mockFetcher struct {
	mu       sync.Mutex
	history  map[string][]messaging.Message
	calls    []fetchCall
	failNext int
	err      error
	block    chan struct{}
	entered  chan struct{}
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{history: make(map[string][]messaging.Message)}
}

func (f *mockFetcher) add(msgs ...messaging.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.history[m.ConversationID] = append(f.history[m.ConversationID], m)
	}
}

func (f *mockFetcher) FetchSince(ctx context.Context, conversationID string, since time.Time) ([]messaging.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{conversationID: conversationID, since: since})
	block, entered := f.block, f.entered
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return nil, errFetchDown
	}
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	var out []messaging.Message
	for _, m := range f.history[conversationID] {
		if m.CreatedAt.After(since) {
			out = append(out, m.Clone())
		}
	}
	f.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}
	return out, nil
}

func (f *mockFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *mockFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *mockFetcher) callsFor(conversationID string) []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fetchCall
	for _, c := range f.calls {
		if c.conversationID == conversationID {
			out = append(out, c)
		}
	}
	return out
}

func serverMessage(id, conversationID string, offset time.Duration, state messaging.DeliveryState) messaging.Message {
	return messaging.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       testPeerID,
		Payload:        []byte("payload-" + id),
		CreatedAt:      testEpoch.Add(offset),
		State:          state,
	}
}

func collect(store *messaging.Store, conversationID string) []messaging.Message {
	var out []messaging.Message
	for m := range store.Get(conversationID) {
		out = append(out, m)
	}
	return out
}
