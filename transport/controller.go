package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultGracePeriod is how long the primary may stay down before the
	// controller switches to the fallback.
	DefaultGracePeriod = 15 * time.Second
	// DefaultConnectTimeout bounds connect attempts made by the controller.
	DefaultConnectTimeout = 10 * time.Second
)

// ControllerState is the composite transport state.
type ControllerState uint8

const (
	// StatePrimaryActive means traffic flows over the primary, or the
	// primary is down but still inside its grace window.
	StatePrimaryActive ControllerState = iota
	// StateFallbackActive means traffic flows over the fallback.
	StateFallbackActive
	// StateDisconnected means neither transport is reachable.
	StateDisconnected
)

// String returns the state name.
func (s ControllerState) String() string {
	switch s {
	case StatePrimaryActive:
		return "primaryActive"
	case StateFallbackActive:
		return "fallbackActive"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// GapEvent reports a window in which events may have been missed. It is
// emitted on every controller transition and whenever the primary
// reconnects after a drop, even inside the grace window.
type GapEvent struct {
	From   ControllerState
	To     ControllerState
	Reason string
	At     time.Time
}

// GapHandler is called for every GapEvent.
type GapHandler func(gap GapEvent)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	GracePeriod    time.Duration
	ProbeMin       time.Duration
	ProbeMax       time.Duration
	ConnectTimeout time.Duration
	Clock          interfaces.Clock
}

// Controller multiplexes a primary and a fallback transport. Callers see a
// single send capability and a single event stream regardless of which
// transport is carrying traffic.
type Controller struct {
	config   ControllerConfig
	clock    interfaces.Clock
	primary  Transport
	fallback Transport

	mu           sync.Mutex
	state        ControllerState
	primaryDown  bool
	closed       bool
	graceTimer   clockwork.Timer
	probeTimer   clockwork.Timer
	probeBackoff *Backoff
	eventHandler EventHandler
	gapHandler   GapHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller. Either transport may be nil, but not both.
func NewController(primary, fallback Transport, config ControllerConfig) (*Controller, error) {
	if primary == nil && fallback == nil {
		return nil, errors.New("controller requires at least one transport")
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:       config,
		clock:        interfaces.ClockOrReal(config.Clock),
		primary:      primary,
		fallback:     fallback,
		state:        StateDisconnected,
		probeBackoff: NewBackoff(config.ProbeMin, config.ProbeMax),
		ctx:          ctx,
		cancel:       cancel,
	}

	if primary != nil {
		primary.OnEvent(c.dispatch)
		primary.OnStatus(c.onPrimaryStatus)
	}
	if fallback != nil {
		fallback.OnEvent(c.dispatch)
		fallback.OnStatus(c.onFallbackStatus)
	}
	return c, nil
}

// OnEvent registers the handler that receives events from both transports.
func (c *Controller) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandler = handler
}

// OnGap registers the gap handler.
func (c *Controller) OnGap(handler GapHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gapHandler = handler
}

// State returns the current composite state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start connects the preferred transport. Connect failures are absorbed:
// the controller keeps retrying and reports progress through gap events.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.mu.Unlock()

	if c.primary != nil {
		c.mu.Lock()
		c.state = StatePrimaryActive
		c.primaryDown = false
		c.mu.Unlock()

		if err := c.connect(ctx, c.primary); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.Start",
				"error":    err.Error(),
			}).Warn("Primary transport unavailable at startup")
			c.onPrimaryStatus(StatusDisconnected, err)
		}
		return nil
	}

	c.mu.Lock()
	c.state = StateFallbackActive
	c.mu.Unlock()
	if err := c.connect(ctx, c.fallback); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.Start",
			"error":    err.Error(),
		}).Warn("Fallback transport unavailable at startup")
		c.transition(StateFallbackActive, StateDisconnected, "fallback unreachable")
	}
	return nil
}

// Send hands msg to whichever transport is carrying traffic. While the
// primary is down inside its grace window, sends use the fallback's
// request/response path.
func (c *Controller) Send(ctx context.Context, msg messaging.Message) error {
	c.mu.Lock()
	state := c.state
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrTransportClosed
	}

	switch state {
	case StatePrimaryActive:
		if c.primary.Connected() {
			err := c.primary.Send(ctx, msg)
			if err == nil || c.fallback == nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function":   "Controller.Send",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Debug("Primary send failed, bridging through fallback")
		}
		if c.fallback == nil {
			return newTransportError("send", KindStreaming, ErrNotConnected)
		}
		return c.fallback.Send(ctx, msg)
	case StateFallbackActive:
		return c.fallback.Send(ctx, msg)
	default:
		return ErrTransportUnavailable
	}
}

// Reconnect tears both transports down and starts over from the primary.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	from := c.state
	c.stopTimersLocked()
	c.mu.Unlock()

	c.disconnectAll()
	if err := c.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	to := c.state
	c.mu.Unlock()
	c.emitGap(GapEvent{From: from, To: to, Reason: "manual reconnect", At: c.clock.Now()})
	return nil
}

// Close stops all timers and disconnects both transports. No gap event is
// emitted for the shutdown.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	c.stopTimersLocked()
	c.cancel()
	c.mu.Unlock()

	c.disconnectAll()
	logrus.WithFields(logrus.Fields{
		"function": "Controller.Close",
	}).Info("Transport controller closed")
	return nil
}

func (c *Controller) disconnectAll() {
	if c.primary != nil {
		if err := c.primary.Disconnect(); err != nil {
			logrus.WithError(err).Warn("Primary disconnect failed")
		}
	}
	if c.fallback != nil {
		if err := c.fallback.Disconnect(); err != nil {
			logrus.WithError(err).Warn("Fallback disconnect failed")
		}
	}
}

func (c *Controller) connect(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	return t.Connect(ctx)
}

func (c *Controller) dispatch(ev Event) {
	c.mu.Lock()
	handler := c.eventHandler
	c.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (c *Controller) onPrimaryStatus(status Status, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if status == StatusDisconnected {
		c.primaryDown = true
		if c.state == StatePrimaryActive && c.graceTimer == nil {
			c.graceTimer = c.clock.AfterFunc(c.config.GracePeriod, c.graceExpired)
			logrus.WithFields(logrus.Fields{
				"function": "Controller.onPrimaryStatus",
				"grace":    c.config.GracePeriod,
			}).Info("Primary down, grace window started")
		}
		c.mu.Unlock()
		return
	}

	from := c.state
	reconnected := c.primaryDown || from != StatePrimaryActive
	c.primaryDown = false
	c.state = StatePrimaryActive
	c.stopTimersLocked()
	c.probeBackoff.Reset()
	c.mu.Unlock()

	if from == StateFallbackActive && c.fallback != nil {
		if err := c.fallback.Disconnect(); err != nil {
			logrus.WithError(err).Warn("Fallback disconnect failed")
		}
	}
	if reconnected {
		c.emitGap(GapEvent{From: from, To: StatePrimaryActive, Reason: "primary reconnected", At: c.clock.Now()})
	}
}

func (c *Controller) onFallbackStatus(status Status, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if status == StatusDisconnected {
		if c.state != StateFallbackActive {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.armProbeLocked()
		c.mu.Unlock()
		c.emitGap(GapEvent{From: StateFallbackActive, To: StateDisconnected, Reason: "fallback unreachable", At: c.clock.Now()})
		return
	}

	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateFallbackActive
	c.stopProbeLocked()
	c.probeBackoff.Reset()
	c.mu.Unlock()
	c.emitGap(GapEvent{From: StateDisconnected, To: StateFallbackActive, Reason: "fallback reachable", At: c.clock.Now()})
}

func (c *Controller) graceExpired() {
	c.mu.Lock()
	c.graceTimer = nil
	if c.closed || c.state != StatePrimaryActive || c.primary.Connected() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	var err error = ErrTransportUnavailable
	if c.fallback != nil {
		err = c.connect(c.ctx, c.fallback)
	}

	c.mu.Lock()
	if c.closed || c.state != StatePrimaryActive || c.primary.Connected() {
		c.mu.Unlock()
		if err == nil {
			if derr := c.fallback.Disconnect(); derr != nil {
				logrus.WithError(derr).Warn("Fallback disconnect failed")
			}
		}
		return
	}
	to := StateFallbackActive
	reason := "primary grace expired"
	if err != nil {
		to = StateDisconnected
		reason = "primary grace expired, fallback unreachable"
		c.armProbeLocked()
	}
	c.state = to
	c.mu.Unlock()

	c.emitGap(GapEvent{From: StatePrimaryActive, To: to, Reason: reason, At: c.clock.Now()})
}

// probe retries the primary first and then the fallback while disconnected.
func (c *Controller) probe() {
	c.mu.Lock()
	c.probeTimer = nil
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.primary != nil {
		if err := c.connect(c.ctx, c.primary); err == nil {
			return
		}
	}
	if c.fallback != nil {
		if err := c.connect(c.ctx, c.fallback); err == nil {
			return
		}
	}

	c.mu.Lock()
	if !c.closed && c.state == StateDisconnected {
		c.armProbeLocked()
	}
	c.mu.Unlock()
}

func (c *Controller) transition(from, to ControllerState, reason string) {
	c.mu.Lock()
	if c.closed || c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	if to == StateDisconnected {
		c.armProbeLocked()
	}
	c.mu.Unlock()
	c.emitGap(GapEvent{From: from, To: to, Reason: reason, At: c.clock.Now()})
}

func (c *Controller) emitGap(gap GapEvent) {
	logrus.WithFields(logrus.Fields{
		"function": "Controller.emitGap",
		"from":     gap.From.String(),
		"to":       gap.To.String(),
		"reason":   gap.Reason,
	}).Info("Transport gap")

	c.mu.Lock()
	handler := c.gapHandler
	c.mu.Unlock()
	if handler != nil {
		handler(gap)
	}
}

func (c *Controller) armProbeLocked() {
	if c.probeTimer != nil {
		return
	}
	c.probeTimer = c.clock.AfterFunc(c.probeBackoff.Next(), c.probe)
}

func (c *Controller) stopProbeLocked() {
	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.probeTimer = nil
	}
}

func (c *Controller) stopTimersLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.stopProbeLocked()
}
