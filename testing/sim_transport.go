package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/toxrelay/messaging"
	"github.com/opd-ai/toxrelay/transport"
	"github.com/sirupsen/logrus"
)

// simInboxSize bounds the events buffered for one session.
const simInboxSize = 1024

var _ transport.Transport = (*SimTransport)(nil)

// SimTransport is a streaming session to a SimServer. Events are dispatched
// in order from a single goroutine, like the websocket reader. Drop and
// Restore simulate loss and recovery of the link; after Restore the session
// reconnects by itself if it was wanted.
type SimTransport struct {
	server   *SimServer
	deviceID string

	mu            sync.Mutex
	connected     bool
	wanted        bool
	down          bool
	inbox         chan transport.Event
	done          chan struct{}
	eventHandler  transport.EventHandler
	statusHandler transport.StatusHandler
	connects      int

	wg sync.WaitGroup
}

// Stream creates a streaming session for deviceID. The session is idle
// until Connect.
func (s *SimServer) Stream(deviceID string) *SimTransport {
	return &SimTransport{
		server:   s,
		deviceID: deviceID,
		inbox:    make(chan transport.Event, simInboxSize),
	}
}

// Kind returns transport.KindStreaming.
func (t *SimTransport) Kind() transport.Kind {
	return transport.KindStreaming
}

// OnEvent registers the inbound event handler.
func (t *SimTransport) OnEvent(handler transport.EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventHandler = handler
}

// OnStatus registers the reachability handler.
func (t *SimTransport) OnStatus(handler transport.StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = handler
}

// Connected reports whether the session is up.
func (t *SimTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connects returns how many times the session has come up.
func (t *SimTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Connect opens the session. It fails while the link is dropped.
func (t *SimTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.wanted = true
	if t.down {
		t.mu.Unlock()
		return fmt.Errorf("simulated stream for %s: %w", t.deviceID, ErrSimUnreachable)
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	handler := t.upLocked()
	t.mu.Unlock()

	if handler != nil {
		handler(transport.StatusConnected, nil)
	}
	return nil
}

// upLocked marks the session connected and starts its dispatcher.
func (t *SimTransport) upLocked() transport.StatusHandler {
	t.connected = true
	t.connects++
	t.done = make(chan struct{})
	t.wg.Add(1)
	go t.dispatch(t.done)
	t.server.attach(t.deviceID, t)

	logrus.WithFields(logrus.Fields{
		"function":  "SimTransport.Connect",
		"device_id": t.deviceID,
	}).Debug("Simulated stream connected")
	return t.statusHandler
}

// downLocked marks the session disconnected and stops its dispatcher.
func (t *SimTransport) downLocked() {
	if !t.connected {
		return
	}
	t.connected = false
	close(t.done)
	t.server.detach(t.deviceID, t)
}

// Send hands msg to the server over the live session.
func (t *SimTransport) Send(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Connected() {
		return transport.ErrNotConnected
	}
	t.server.Publish(msg)
	return nil
}

// Disconnect closes the session without reporting a status change.
func (t *SimTransport) Disconnect() error {
	t.mu.Lock()
	t.wanted = false
	t.downLocked()
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// Drop simulates losing the link: the session reports Disconnected and
// Connect fails until Restore.
func (t *SimTransport) Drop() {
	t.mu.Lock()
	t.down = true
	wasUp := t.connected
	t.downLocked()
	handler := t.statusHandler
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "SimTransport.Drop",
		"device_id": t.deviceID,
	}).Info("Simulated stream dropped")

	if wasUp && handler != nil {
		handler(transport.StatusDisconnected, ErrSimUnreachable)
	}
}

// Restore ends a simulated outage. A session that was wanted reconnects
// immediately and reports Connected.
func (t *SimTransport) Restore() {
	t.mu.Lock()
	t.down = false
	if !t.wanted || t.connected {
		t.mu.Unlock()
		return
	}
	handler := t.upLocked()
	t.mu.Unlock()

	if handler != nil {
		handler(transport.StatusConnected, nil)
	}
}

// Inject delivers ev to the session as if the server had sent it.
func (t *SimTransport) Inject(ev transport.Event) {
	t.deliver(ev)
}

func (t *SimTransport) deliver(ev transport.Event) {
	ev.Source = transport.KindStreaming

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	select {
	case t.inbox <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "SimTransport.deliver",
			"device_id": t.deviceID,
			"type":      ev.Type,
		}).Warn("Simulated stream inbox full, dropping event")
	}
}

func (t *SimTransport) dispatch(done <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-done:
			return
		case ev := <-t.inbox:
			t.mu.Lock()
			handler := t.eventHandler
			t.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		}
	}
}
