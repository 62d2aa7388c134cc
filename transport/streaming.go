package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/limits"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a single frame write on the streaming channel.
const DefaultWriteTimeout = 10 * time.Second

// StreamingConfig configures a StreamingTransport.
type StreamingConfig struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	Clock        interfaces.Clock
	OnMalformed  MalformedHandler
}

// StreamingTransport is the primary transport: a websocket session carrying
// JSON frames in both directions. A dropped session is redialed in the
// background with exponential backoff until Disconnect is called.
type StreamingTransport struct {
	config StreamingConfig
	dialer *websocket.Dialer
	clock  interfaces.Clock

	mu            sync.Mutex
	conn          *websocket.Conn
	life          context.Context
	cancel        context.CancelFunc
	reconnecting  bool
	eventHandler  EventHandler
	statusHandler StatusHandler

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewStreamingTransport creates a streaming transport for the given endpoint.
func NewStreamingTransport(config StreamingConfig) (*StreamingTransport, error) {
	if config.URL == "" {
		return nil, errors.New("streaming transport requires a URL")
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewStreamingTransport",
		"url":      config.URL,
	}).Debug("Creating streaming transport")

	return &StreamingTransport{
		config: config,
		dialer: dialer,
		clock:  interfaces.ClockOrReal(config.Clock),
	}, nil
}

// Kind returns KindStreaming.
func (t *StreamingTransport) Kind() Kind {
	return KindStreaming
}

// OnEvent registers the inbound event handler.
func (t *StreamingTransport) OnEvent(handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventHandler = handler
}

// OnStatus registers the reachability handler.
func (t *StreamingTransport) OnStatus(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = handler
}

// Connected reports whether a websocket session is live.
func (t *StreamingTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect dials the endpoint. On failure the background reconnect loop is
// started and the dial error is returned.
func (t *StreamingTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.life == nil {
		t.life, t.cancel = context.WithCancel(context.Background())
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "StreamingTransport.Connect",
			"url":      t.config.URL,
			"error":    err.Error(),
		}).Warn("Streaming connect failed, scheduling reconnect")
		t.startReconnect()
		return newTransportError("connect", KindStreaming, err)
	}

	if !t.install(conn) {
		return newTransportError("connect", KindStreaming, ErrTransportClosed)
	}
	return nil
}

// Send writes an outbound message frame on the live session.
func (t *StreamingTransport) Send(ctx context.Context, msg messaging.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return newTransportError("send", KindStreaming, ErrNotConnected)
	}

	frame, err := EncodeSend(msg)
	if err != nil {
		return newTransportError("send", KindStreaming, err)
	}

	deadline := time.Now().Add(t.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return newTransportError("send", KindStreaming, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "StreamingTransport.Send",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Warn("Streaming write failed")
		return newTransportError("send", KindStreaming, err)
	}
	return nil
}

// Disconnect closes the session, stops reconnecting and waits for the
// transport's goroutines to exit. It must not be called from an event or
// status handler of the same transport.
func (t *StreamingTransport) Disconnect() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.life = nil
	t.cancel = nil
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		conn.Close()
	}
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "StreamingTransport.Disconnect",
		"url":      t.config.URL,
	}).Debug("Streaming transport disconnected")
	return nil
}

func (t *StreamingTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, t.config.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(limits.MaxFrameSize)
	return conn, nil
}

// install makes conn the live session. It returns false when the transport
// was disconnected while the dial was in flight.
func (t *StreamingTransport) install(conn *websocket.Conn) bool {
	t.mu.Lock()
	if t.life == nil || t.life.Err() != nil {
		t.mu.Unlock()
		conn.Close()
		return false
	}
	if t.conn != nil {
		t.mu.Unlock()
		conn.Close()
		return true
	}
	t.conn = conn
	t.wg.Add(1)
	go t.readLoop(conn)
	handler := t.statusHandler
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StreamingTransport.install",
		"url":      t.config.URL,
	}).Info("Streaming transport connected")

	if handler != nil {
		handler(StatusConnected, nil)
	}
	return true
}

func (t *StreamingTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(conn, err)
			return
		}

		ev, err := DecodeFrame(data, KindStreaming)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "StreamingTransport.readLoop",
				"size":     len(data),
				"error":    err.Error(),
			}).Warn("Dropping malformed frame")
			if t.config.OnMalformed != nil {
				t.config.OnMalformed(KindStreaming, err)
			}
			continue
		}

		t.mu.Lock()
		handler := t.eventHandler
		t.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (t *StreamingTransport) handleDrop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// Replaced or closed by Disconnect.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	handler := t.statusHandler
	t.mu.Unlock()
	conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "StreamingTransport.handleDrop",
		"url":      t.config.URL,
		"error":    cause.Error(),
	}).Warn("Streaming session dropped")

	if handler != nil {
		handler(StatusDisconnected, cause)
	}
	t.startReconnect()
}

func (t *StreamingTransport) startReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reconnecting || t.life == nil || t.life.Err() != nil {
		return
	}
	t.reconnecting = true
	t.wg.Add(1)
	go t.reconnectLoop(t.life)
}

func (t *StreamingTransport) reconnectLoop(life context.Context) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	backoff := NewBackoff(t.config.ReconnectMin, t.config.ReconnectMax)
	for attempt := 1; ; attempt++ {
		delay := backoff.Next()
		select {
		case <-life.Done():
			return
		case <-t.clock.After(delay):
		}
		if t.Connected() {
			return
		}

		conn, err := t.dial(life)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "StreamingTransport.reconnectLoop",
				"attempt":  attempt,
				"delay":    delay,
				"error":    err.Error(),
			}).Debug("Reconnect attempt failed")
			continue
		}
		t.install(conn)
		return
	}
}
