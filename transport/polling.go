package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is the period between polls.
	DefaultPollInterval = 30 * time.Second
	// DefaultPollTimeout bounds a single poll request.
	DefaultPollTimeout = 10 * time.Second
	// DefaultFailureThreshold is the number of consecutive failed polls
	// after which the fallback is reported unreachable.
	DefaultFailureThreshold = 3
)

// PollResult is the response to one poll request.
type PollResult struct {
	Events []Event
	Cursor string
}

// PollClient is the request/response API the polling transport drives.
type PollClient interface {
	// Poll returns all events newer than cursor for the device.
	Poll(ctx context.Context, deviceID, cursor string) (PollResult, error)

	// Send submits an outbound message.
	Send(ctx context.Context, msg messaging.Message) error
}

// PollingConfig configures a PollingTransport.
type PollingConfig struct {
	DeviceID         string
	Interval         time.Duration
	RequestTimeout   time.Duration
	FailureThreshold int
	Clock            interfaces.Clock
}

// PollingTransport is the fallback transport. It polls on a fixed period and
// sends through individual requests, so Send works whether or not the poll
// loop is running.
type PollingTransport struct {
	config PollingConfig
	client PollClient
	clock  interfaces.Clock

	mu            sync.Mutex
	cursor        string
	running       bool
	stop          chan struct{}
	connected     bool
	failures      int
	eventHandler  EventHandler
	statusHandler StatusHandler

	pollMu sync.Mutex
	wg     sync.WaitGroup
}

// NewPollingTransport creates a polling transport over client.
func NewPollingTransport(client PollClient, config PollingConfig) (*PollingTransport, error) {
	if client == nil {
		return nil, errors.New("polling transport requires a client")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultPollTimeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewPollingTransport",
		"device_id": config.DeviceID,
		"interval":  config.Interval,
	}).Debug("Creating polling transport")

	return &PollingTransport{
		config: config,
		client: client,
		clock:  interfaces.ClockOrReal(config.Clock),
	}, nil
}

// Kind returns KindPolling.
func (t *PollingTransport) Kind() Kind {
	return KindPolling
}

// OnEvent registers the inbound event handler.
func (t *PollingTransport) OnEvent(handler EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventHandler = handler
}

// OnStatus registers the reachability handler.
func (t *PollingTransport) OnStatus(handler StatusHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusHandler = handler
}

// Connected reports whether the last polls succeeded.
func (t *PollingTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Cursor returns the last-seen watermark.
func (t *PollingTransport) Cursor() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// Connect performs one poll immediately. On success the periodic poll loop
// is started if it is not already running. The poll error is returned as-is
// so the caller can treat it as a reachability probe.
func (t *PollingTransport) Connect(ctx context.Context) error {
	if err := t.pollOnce(ctx, true); err != nil {
		return newTransportError("connect", KindPolling, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.loop(t.stop)
	return nil
}

// Send submits msg with a single request.
func (t *PollingTransport) Send(ctx context.Context, msg messaging.Message) error {
	if err := t.client.Send(ctx, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "PollingTransport.Send",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Warn("Polling send failed")
		return newTransportError("send", KindPolling, err)
	}
	return nil
}

// Disconnect stops the poll loop. A poll already in flight is allowed to
// complete and its events are still delivered.
func (t *PollingTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		close(t.stop)
		t.running = false
	}
	t.connected = false
	t.failures = 0
	return nil
}

// Wait blocks until the poll loop has exited.
func (t *PollingTransport) Wait() {
	t.wg.Wait()
}

func (t *PollingTransport) loop(stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
			_ = t.pollOnce(ctx, false)
			cancel()
		}
	}
}

// pollOnce issues one poll and dispatches its events in order. Polls are
// serialized so the cursor only moves forward. A loop poll that completes
// after Disconnect still delivers its events but does not change status.
func (t *PollingTransport) pollOnce(ctx context.Context, probe bool) error {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	result, err := t.client.Poll(ctx, t.config.DeviceID, cursor)
	if err != nil {
		t.recordFailure(err)
		return err
	}

	t.mu.Lock()
	t.failures = 0
	becameConnected := false
	if probe || t.running {
		becameConnected = !t.connected
		t.connected = true
	}
	if result.Cursor != "" {
		t.cursor = result.Cursor
	}
	eventHandler := t.eventHandler
	statusHandler := t.statusHandler
	t.mu.Unlock()

	if becameConnected {
		logrus.WithFields(logrus.Fields{
			"function":  "PollingTransport.pollOnce",
			"device_id": t.config.DeviceID,
		}).Info("Polling transport reachable")
		if statusHandler != nil {
			statusHandler(StatusConnected, nil)
		}
	}

	for _, ev := range result.Events {
		ev.Source = KindPolling
		if eventHandler != nil {
			eventHandler(ev)
		}
	}
	return nil
}

func (t *PollingTransport) recordFailure(err error) {
	t.mu.Lock()
	t.failures++
	failures := t.failures
	lost := t.connected && failures >= t.config.FailureThreshold
	if lost {
		t.connected = false
	}
	handler := t.statusHandler
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "PollingTransport.recordFailure",
		"device_id": t.config.DeviceID,
		"failures":  failures,
		"error":     err.Error(),
	}).Warn("Poll failed")

	if lost && handler != nil {
		handler(StatusDisconnected, err)
	}
}
