package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/messaging"
)

var errMockDown = errors.New("mock transport down")

// fakeClock is the part of the clockwork fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

// callLog records connect attempts across transports in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// MockTransport is a controllable Transport for controller tests.
type MockTransport struct {
	kind Kind
	log  *callLog

	mu            sync.Mutex
	connected     bool
	connectErr    error
	disconnectErr error
	beforeConnect func()
	sendErr       error
	sent          []messaging.Message
	connects      int
	disconnects   int
	eventHandler  EventHandler
	statusHandler StatusHandler
}

// NewMockTransport creates a disconnected mock of the given kind.
func NewMockTransport(kind Kind, log *callLog) *MockTransport {
	return &MockTransport{kind: kind, log: log}
}

func (m *MockTransport) Kind() Kind { return m.kind }

func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connects++
	if m.log != nil {
		m.log.add(m.kind.String())
	}
	if hook := m.beforeConnect; hook != nil {
		m.mu.Unlock()
		hook()
		m.mu.Lock()
	}
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	already := m.connected
	m.connected = true
	handler := m.statusHandler
	m.mu.Unlock()

	if !already && handler != nil {
		handler(StatusConnected, nil)
	}
	return nil
}

func (m *MockTransport) Send(ctx context.Context, msg messaging.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *MockTransport) OnEvent(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHandler = handler
}

func (m *MockTransport) OnStatus(handler StatusHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHandler = handler
}

func (m *MockTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	m.connected = false
	return m.disconnectErr
}

func (m *MockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetConnectErr makes subsequent Connect calls fail with err.
func (m *MockTransport) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetDisconnectErr makes subsequent Disconnect calls return err.
func (m *MockTransport) SetDisconnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectErr = err
}

// BeforeConnect runs hook at the start of every Connect call.
func (m *MockTransport) BeforeConnect(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeConnect = hook
}

// Drop simulates the transport losing its session.
func (m *MockTransport) Drop() {
	m.mu.Lock()
	m.connected = false
	handler := m.statusHandler
	m.mu.Unlock()
	if handler != nil {
		handler(StatusDisconnected, errMockDown)
	}
}

// Restore simulates the transport regaining its session on its own.
func (m *MockTransport) Restore() {
	m.mu.Lock()
	m.connected = true
	m.connectErr = nil
	handler := m.statusHandler
	m.mu.Unlock()
	if handler != nil {
		handler(StatusConnected, nil)
	}
}

// Emit delivers an inbound event through the registered handler.
func (m *MockTransport) Emit(ev Event) {
	m.mu.Lock()
	handler := m.eventHandler
	m.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (m *MockTransport) Sent() []messaging.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messaging.Message(nil), m.sent...)
}

func (m *MockTransport) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *MockTransport) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// mockPollClient serves scripted poll results.
type mockPollClient struct {
	mu      sync.Mutex
	results []PollResult
	err     error
	cursors []string
	sent    []messaging.Message
	polls   int
	block   chan struct{}
	entered chan struct{}
}

func (c *mockPollClient) Poll(ctx context.Context, deviceID, cursor string) (PollResult, error) {
	c.mu.Lock()
	c.polls++
	c.cursors = append(c.cursors, cursor)
	block, entered := c.block, c.entered
	c.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return PollResult{}, c.err
	}
	if len(c.results) == 0 {
		return PollResult{}, nil
	}
	result := c.results[0]
	c.results = c.results[1:]
	return result, nil
}

func (c *mockPollClient) Send(ctx context.Context, msg messaging.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *mockPollClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *mockPollClient) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func (c *mockPollClient) seenCursors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cursors...)
}

// eventRecorder collects events and statuses from a transport or controller.
type eventRecorder struct {
	mu       sync.Mutex
	events   []Event
	statuses []Status
	gaps     []GapEvent
}

func (r *eventRecorder) onEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) onStatus(status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *eventRecorder) onGap(gap GapEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gaps = append(r.gaps, gap)
}

func (r *eventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *eventRecorder) Gaps() []GapEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GapEvent(nil), r.gaps...)
}

func newTestMessage(id string) messaging.Message {
	return messaging.Message{
		ID:             id,
		ConversationID: testConversationID,
		SenderID:       testSenderID,
		Payload:        []byte("payload-" + id),
		CreatedAt:      testEpoch,
		State:          messaging.StateDelivered,
	}
}

func newMessageEvent(id string) Event {
	return Event{Type: EventNewMessage, Message: newTestMessage(id)}
}
