package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/stretchr/testify/require"
)

var errSendDown = errors.New("transport down")

// fakeClock is the part of the clockwork fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

// mockSender records every hand-off.
type mockSender struct {
	mu      sync.Mutex
	sent    []messaging.Message
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (m *mockSender) Send(ctx context.Context, msg messaging.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	err := m.err
	block, entered := m.block, m.entered
	m.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}
	return err
}

func (m *mockSender) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// mockObserver counts observer callbacks.
type mockObserver struct {
	mu       sync.Mutex
	attempts []int
	failures int
	timeouts []int
}

func (o *mockObserver) RecordAttempt(ctx context.Context, attempt int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, attempt)
	if err != nil {
		o.failures++
	}
}

func (o *mockObserver) RecordAckTimeout(ctx context.Context, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeouts = append(o.timeouts, attempt)
}

func (o *mockObserver) snapshot() ([]int, []int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.attempts...), append([]int(nil), o.timeouts...), o.failures
}

type schedulerFixture struct {
	clock  fakeClock
	store  *messaging.Store
	sender *mockSender
	sched  *Scheduler
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	store := messaging.NewStore(clock, messaging.NewHub())
	sender := &mockSender{}

	sched, err := NewScheduler(store, sender, Config{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	return &schedulerFixture{clock: clock, store: store, sender: sender, sched: sched}
}

// admit stores a queued outbound message.
func (f *schedulerFixture) admit(t *testing.T, id, conversationID string) messaging.Message {
	t.Helper()
	msg, _, err := f.store.Upsert(messaging.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       testSenderID,
		Payload:        []byte("payload-" + id),
		CreatedAt:      f.clock.Now(),
		State:          messaging.StateQueued,
	})
	require.NoError(t, err)
	return msg
}

func (f *schedulerFixture) state(id string) messaging.DeliveryState {
	msg, _ := f.store.Message(id)
	return msg.State
}

func (f *schedulerFixture) waitSends(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sender.count() == n }, testEventWait, testTick,
		"expected %d sends", n)
}
