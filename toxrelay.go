package toxrelay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/delivery"
	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/limits"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/opd-ai/toxrelay/metrics"
	"github.com/opd-ai/toxrelay/reconcile"
	"github.com/opd-ai/toxrelay/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSweepInterval is how often expired messages are swept.
	DefaultSweepInterval = time.Minute
	// DefaultRetainExpired is how long expired records are kept before purge.
	DefaultRetainExpired = 24 * time.Hour
	// DefaultAuthTimeout bounds a single authorization check.
	DefaultAuthTimeout = 10 * time.Second
)

var (
	// ErrRelayClosed indicates an operation on a relay after Shutdown.
	ErrRelayClosed = errors.New("relay closed")

	// ErrNotStarted indicates Send was called before Start.
	ErrNotStarted = errors.New("relay not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("relay already started")
)

// Ledger is a durable message store. It receives every committed mutation
// and is replayed on Start.
type Ledger interface {
	messaging.Persister
	LoadAll() ([]messaging.Message, error)
}

// Options contains configuration for creating a Relay.
type Options struct {
	// DeviceID identifies this device. Outbound messages with an empty
	// sender are sent as DeviceID, and pending messages of DeviceID are
	// resumed on Start.
	DeviceID string

	// Primary and Fallback are the streaming and polling transports. At
	// least one is required.
	Primary  transport.Transport
	Fallback transport.Transport

	// Fetcher answers reconciliation queries. Required.
	Fetcher interfaces.MessageFetcher

	// Authorizer gates outbound sends. Nil allows everything.
	Authorizer interfaces.Authorizer

	// Ledger persists the message store. Nil keeps messages in memory only.
	Ledger Ledger

	// Metrics records counters. Nil uses the global meter provider.
	Metrics *metrics.Metrics

	Clock interfaces.Clock

	Controller transport.ControllerConfig
	Delivery   delivery.Config
	Reconcile  reconcile.Config

	SweepInterval time.Duration
	RetainExpired time.Duration
	AuthTimeout   time.Duration
}

// NewOptions creates a new default options.
func NewOptions() *Options {
	return &Options{
		Controller: transport.ControllerConfig{
			GracePeriod:    transport.DefaultGracePeriod,
			ConnectTimeout: transport.DefaultConnectTimeout,
		},
		Delivery: delivery.Config{
			MaxAttempts: delivery.DefaultMaxAttempts,
			AckTimeout:  delivery.DefaultAckTimeout,
			MaxAckWait:  delivery.DefaultMaxAckWait,
			SendTimeout: delivery.DefaultSendTimeout,
		},
		Reconcile: reconcile.Config{
			FetchTimeout:    reconcile.DefaultFetchTimeout,
			MaxAttempts:     reconcile.DefaultMaxAttempts,
			RetryBackoff:    reconcile.DefaultRetryBackoff,
			Overlap:         reconcile.DefaultOverlap,
			BreakerFailures: reconcile.DefaultBreakerFailures,
			BreakerReset:    reconcile.DefaultBreakerReset,
			Parallelism:     reconcile.DefaultParallelism,
		},
		SweepInterval: DefaultSweepInterval,
		RetainExpired: DefaultRetainExpired,
		AuthTimeout:   DefaultAuthTimeout,
	}
}

// Relay is the message delivery engine of one device. It owns the message
// store and wires the delivery scheduler, transport controller and
// reconciliation engine around it.
type Relay struct {
	options       *Options
	clock         interfaces.Clock
	authorizer    interfaces.Authorizer
	metrics       *metrics.Metrics
	store         *messaging.Store
	conversations *messaging.Conversations
	controller    *transport.Controller
	scheduler     *delivery.Scheduler
	engine        *reconcile.Engine

	mu      sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a relay from options. Nothing is connected until Start.
func New(options *Options) (*Relay, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}
	if options.Fetcher == nil {
		return nil, errors.New("message fetcher is required")
	}

	clock := interfaces.ClockOrReal(options.Clock)
	authorizer := options.Authorizer
	if authorizer == nil {
		authorizer = interfaces.AllowAll{}
	}

	m := options.Metrics
	if m == nil {
		var err error
		if m, err = metrics.NewMetrics(nil); err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	store := messaging.NewStore(clock, messaging.NewHub())
	if options.Ledger != nil {
		store.SetPersister(options.Ledger)
	}

	controllerConfig := options.Controller
	controllerConfig.Clock = clock
	controller, err := transport.NewController(options.Primary, options.Fallback, controllerConfig)
	if err != nil {
		return nil, err
	}

	deliveryConfig := options.Delivery
	deliveryConfig.Clock = clock
	scheduler, err := delivery.NewScheduler(store, controller, deliveryConfig)
	if err != nil {
		return nil, err
	}
	scheduler.SetObserver(m)

	reconcileConfig := options.Reconcile
	reconcileConfig.Clock = clock
	reconcileConfig.LocalSender = options.DeviceID
	engine, err := reconcile.NewEngine(store, options.Fetcher, reconcileConfig)
	if err != nil {
		return nil, err
	}
	engine.SetObserver(m)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		options:       options,
		clock:         clock,
		authorizer:    authorizer,
		metrics:       m,
		store:         store,
		conversations: messaging.NewConversations(clock),
		controller:    controller,
		scheduler:     scheduler,
		engine:        engine,
		ctx:           ctx,
		cancel:        cancel,
	}
	controller.OnEvent(r.handleEvent)
	controller.OnGap(r.handleGap)

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"device_id":    options.DeviceID,
		"has_primary":  options.Primary != nil,
		"has_fallback": options.Fallback != nil,
		"persistent":   options.Ledger != nil,
	}).Info("Relay created")
	return r, nil
}

// Start restores persisted messages, connects the transports, resumes
// pending deliveries and runs a startup reconciliation in the background.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	if r.options.Ledger != nil {
		msgs, err := r.options.Ledger.LoadAll()
		if err != nil {
			return fmt.Errorf("failed to load message ledger: %w", err)
		}
		restored := r.store.Restore(msgs)
		logrus.WithFields(logrus.Fields{
			"function": "Relay.Start",
			"restored": restored,
		}).Info("Restored messages from ledger")
	}

	events, unsubscribe := r.store.Hub().Subscribe(0)
	r.wg.Add(2)
	go r.observeStates(events, unsubscribe)
	go r.sweep(r.clock.NewTicker(r.sweepInterval()))

	if err := r.controller.Start(ctx); err != nil {
		return err
	}

	resumed := 0
	for _, msg := range r.store.Pending(r.options.DeviceID) {
		if err := r.scheduler.Track(msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Relay.Start",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Warn("Failed to resume pending message")
			continue
		}
		resumed++
	}

	r.reconcileAsync("startup")

	logrus.WithFields(logrus.Fields{
		"function":  "Relay.Start",
		"resumed":   resumed,
		"transport": r.controller.State().String(),
	}).Info("Relay started")
	return nil
}

func (r *Relay) sweepInterval() time.Duration {
	if r.options.SweepInterval <= 0 {
		return DefaultSweepInterval
	}
	return r.options.SweepInterval
}

// Send queues payload for delivery to a conversation and returns the stored
// message. A refused authorization stores the message as Failed and returns
// messaging.ErrAuthorizationDenied.
func (r *Relay) Send(ctx context.Context, conversationID, senderID string, payload []byte) (messaging.Message, error) {
	return r.send(ctx, conversationID, senderID, payload, time.Time{})
}

// SendWithExpiration is Send with an expiration timestamp. A message that is
// already past expiresAt is stored as Expired and never sent.
func (r *Relay) SendWithExpiration(ctx context.Context, conversationID, senderID string, payload []byte, expiresAt time.Time) (messaging.Message, error) {
	return r.send(ctx, conversationID, senderID, payload, expiresAt)
}

func (r *Relay) send(ctx context.Context, conversationID, senderID string, payload []byte, expiresAt time.Time) (messaging.Message, error) {
	r.mu.Lock()
	closed, started := r.closed, r.started
	r.mu.Unlock()
	if closed {
		return messaging.Message{}, ErrRelayClosed
	}
	if !started {
		return messaging.Message{}, ErrNotStarted
	}

	if conversationID == "" {
		return messaging.Message{}, fmt.Errorf("%w: empty conversation", messaging.ErrInvalidMessage)
	}
	if err := limits.ValidatePayload(payload); err != nil {
		return messaging.Message{}, fmt.Errorf("invalid payload: %w", err)
	}
	if err := r.conversations.CheckSendable(conversationID); err != nil {
		return messaging.Message{}, err
	}
	if senderID == "" {
		senderID = r.options.DeviceID
	}

	msg := messaging.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Payload:        payload,
		CreatedAt:      r.clock.Now(),
		ExpiresAt:      expiresAt,
		State:          messaging.StateQueued,
	}

	allowed, err := r.authorize(ctx, senderID, conversationID)
	if err != nil {
		return messaging.Message{}, fmt.Errorf("authorization check failed: %w", err)
	}

	stored, _, err := r.store.Upsert(msg)
	if err != nil {
		return messaging.Message{}, err
	}
	r.conversations.Ensure(conversationID, senderID)
	r.engine.Watch(conversationID)

	if !allowed {
		if _, err := r.store.ApplyTransition(msg.ID, messaging.StateFailed, messaging.Evidence{
			Source: "authorization",
			Reason: messaging.ErrAuthorizationDenied,
		}); err != nil {
			return stored, err
		}
		stored, _ = r.store.Message(msg.ID)

		logrus.WithFields(logrus.Fields{
			"function":        "Relay.Send",
			"message_id":      msg.ID,
			"conversation_id": conversationID,
			"sender_id":       senderID,
		}).Warn("Send refused by authorizer")
		return stored, fmt.Errorf("%w: %s cannot send to %s", messaging.ErrAuthorizationDenied, senderID, conversationID)
	}

	if stored.State == messaging.StateExpired {
		return stored, nil
	}
	if err := r.scheduler.Track(stored); err != nil {
		return stored, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Relay.Send",
		"message_id":      msg.ID,
		"conversation_id": conversationID,
		"payload_size":    len(payload),
	}).Debug("Message queued")
	return stored, nil
}

func (r *Relay) authorize(ctx context.Context, senderID, conversationID string) (bool, error) {
	timeout := r.options.AuthTimeout
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.authorizer.CanSend(ctx, senderID, conversationID)
}

// Subscribe returns a channel of store events and a function that cancels
// the subscription. A buffer of zero selects the hub default.
func (r *Relay) Subscribe(buffer int) (<-chan messaging.Event, func()) {
	return r.store.Hub().Subscribe(buffer)
}

// Messages yields the unexpired messages of a conversation in creation order.
func (r *Relay) Messages(conversationID string) iter.Seq[messaging.Message] {
	return r.store.Get(conversationID)
}

// Message returns a copy of a stored message.
func (r *Relay) Message(messageID string) (messaging.Message, bool) {
	return r.store.Message(messageID)
}

// OpenConversation registers a conversation and its participants and starts
// reconciling it.
func (r *Relay) OpenConversation(conversationID string, participants []string) error {
	if err := r.conversations.Open(conversationID, participants); err != nil {
		return err
	}
	r.engine.Watch(conversationID)
	return nil
}

// Conversation returns a copy of a registered conversation.
func (r *Relay) Conversation(conversationID string) (messaging.Conversation, bool) {
	return r.conversations.Get(conversationID)
}

// CloseConversation closes a conversation to further sends and cancels the
// retry timers of its in-flight messages. Stored messages are kept.
func (r *Relay) CloseConversation(conversationID string) bool {
	if !r.conversations.Close(conversationID) {
		return false
	}
	cancelled := r.scheduler.CancelConversation(conversationID)

	logrus.WithFields(logrus.Fields{
		"function":        "Relay.CloseConversation",
		"conversation_id": conversationID,
		"cancelled":       cancelled,
	}).Info("Closed conversation")
	return true
}

// Reconnect tears the transports down and reconnects from the primary. The
// resulting gap triggers reconciliation.
func (r *Relay) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRelayClosed
	}
	return r.controller.Reconnect(ctx)
}

// Reconcile fetches a conversation's authoritative history since its
// watermark and folds it into the store.
func (r *Relay) Reconcile(ctx context.Context, conversationID string) (reconcile.Result, error) {
	since, _ := r.engine.Watermark(conversationID)
	return r.engine.Reconcile(ctx, conversationID, since)
}

// TransportState reports which transport currently carries traffic.
func (r *Relay) TransportState() transport.ControllerState {
	return r.controller.State()
}

// Shutdown stops the relay. Background work is given until ctx is done to
// finish. The ledger is not closed; its owner closes it.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.controller.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Relay.Shutdown",
			"error":    err.Error(),
		}).Warn("Transport controller close failed")
	}
	r.scheduler.Close()
	r.cancel()
	r.store.Hub().Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.WithFields(logrus.Fields{
			"function":  "Relay.Shutdown",
			"device_id": r.options.DeviceID,
		}).Info("Relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// handleEvent folds inbound transport events into the store and scheduler.
func (r *Relay) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventNewMessage:
		_, created, err := r.store.Upsert(ev.Message)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Relay.handleEvent",
				"message_id": ev.Message.ID,
				"source":     ev.Source.String(),
				"error":      err.Error(),
			}).Warn("Rejected inbound message")
			return
		}
		r.conversations.Ensure(ev.Message.ConversationID, ev.Message.SenderID)
		if created {
			r.metrics.RecordReceived(r.ctx, ev.Source.String())
		}
	case transport.EventAcknowledgment:
		if err := r.scheduler.Acknowledge(ev.Ack); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Relay.handleEvent",
				"message_id": ev.Ack.MessageID,
				"error":      err.Error(),
			}).Debug("Ignored acknowledgment")
		}
	}
}

// handleGap reconciles every known conversation once traffic flows again.
func (r *Relay) handleGap(gap transport.GapEvent) {
	r.metrics.RecordGap(r.ctx, gap.From.String(), gap.To.String())
	if gap.To == transport.StateDisconnected {
		return
	}
	r.reconcileAsync(gap.Reason)
}

func (r *Relay) reconcileAsync(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		results, err := r.engine.ReconcileAll(r.ctx, reason)
		fields := logrus.Fields{
			"function":      "Relay.reconcileAsync",
			"reason":        reason,
			"conversations": len(results),
		}
		if err != nil {
			fields["error"] = err.Error()
			logrus.WithFields(fields).Warn("Reconciliation incomplete")
			return
		}
		logrus.WithFields(fields).Debug("Reconciliation complete")
	}()
}

func (r *Relay) observeStates(events <-chan messaging.Event, unsubscribe func()) {
	defer r.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == messaging.EventStateChanged {
				r.metrics.RecordStateChange(r.ctx, ev.State.String())
			}
		}
	}
}

func (r *Relay) sweep(ticker clockwork.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			expired := r.store.MarkExpired()
			purged := 0
			if r.options.RetainExpired > 0 {
				purged = r.store.Purge(r.clock.Now().Add(-r.options.RetainExpired))
			}
			if expired > 0 || purged > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Relay.sweep",
					"expired":  expired,
					"purged":   purged,
				}).Debug("Swept message store")
			}
		}
	}
}
