package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxAttempts bounds the number of send attempts per message.
	DefaultMaxAttempts = 5
	// DefaultAckTimeout is the acknowledgment window after the first attempt.
	DefaultAckTimeout = 30 * time.Second
	// DefaultMaxAckWait caps the doubling acknowledgment window.
	DefaultMaxAckWait = 8 * time.Minute
	// DefaultSendTimeout bounds a single hand-off to the transport.
	DefaultSendTimeout = 10 * time.Second
)

const evidenceSource = "scheduler"

var (
	// ErrAckTimeout indicates an attempt's acknowledgment window elapsed.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrRetryExhausted indicates every attempt timed out without acknowledgment.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrSchedulerClosed indicates Track was called after Close.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// Sender hands a message to the transport layer.
type Sender interface {
	Send(ctx context.Context, msg messaging.Message) error
}

// Observer receives attempt outcomes, typically for metrics.
type Observer interface {
	RecordAttempt(ctx context.Context, attempt int, err error)
	RecordAckTimeout(ctx context.Context, attempt int)
}

// Config configures a Scheduler.
type Config struct {
	MaxAttempts int
	AckTimeout  time.Duration
	MaxAckWait  time.Duration
	SendTimeout time.Duration
	Clock       interfaces.Clock
}

// entry is the scheduler's view of one outbound message.
type entry struct {
	id             string
	conversationID string
	attempt        int
	timer          clockwork.Timer
}

// Scheduler drives outbound messages from Queued to Delivered or Failed.
// Every attempt arms an acknowledgment window; the first valid
// acknowledgment cancels it, and an elapsed window triggers the next
// attempt until MaxAttempts is reached.
type Scheduler struct {
	config   Config
	clock    interfaces.Clock
	store    *messaging.Store
	sender   Sender
	observer Observer

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler that records outcomes in store and sends
// through sender.
func NewScheduler(store *messaging.Store, sender Sender, config Config) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if sender == nil {
		return nil, errors.New("scheduler requires a sender")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.MaxAckWait <= 0 {
		config.MaxAckWait = DefaultMaxAckWait
	}
	if config.MaxAckWait < config.AckTimeout {
		config.MaxAckWait = config.AckTimeout
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSendTimeout
	}

	return &Scheduler{
		config:  config,
		clock:   interfaces.ClockOrReal(config.Clock),
		store:   store,
		sender:  sender,
		pending: make(map[string]*entry),
	}, nil
}

// SetObserver installs an attempt observer. It must be called before Track.
func (s *Scheduler) SetObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = observer
}

// AckWindow returns the acknowledgment window for a 1-based attempt:
// AckTimeout·2^(attempt-1), capped at MaxAckWait.
func (s *Scheduler) AckWindow(attempt int) time.Duration {
	window := s.config.AckTimeout
	for i := 1; i < attempt; i++ {
		window *= 2
		if window >= s.config.MaxAckWait {
			return s.config.MaxAckWait
		}
	}
	return window
}

// Track starts delivering msg. The first attempt is issued asynchronously.
// Tracking a message that is already tracked is a no-op.
func (s *Scheduler) Track(msg messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if _, ok := s.pending[msg.ID]; ok {
		return nil
	}

	// A message restored with attempts on record resumes numbering after the
	// last one.
	first := 1
	if !msg.LastAttempt.IsZero() {
		first = msg.Retries + 2
	}

	e := &entry{id: msg.ID, conversationID: msg.ConversationID}
	s.pending[msg.ID] = e

	if first > s.config.MaxAttempts {
		// Every attempt was already issued; only the last window remains.
		last := s.config.MaxAttempts
		e.attempt = last
		e.timer = s.clock.AfterFunc(s.AckWindow(last), func() { s.windowElapsed(e, last) })

		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.Track",
			"message_id": msg.ID,
			"attempt":    last,
		}).Debug("Restored message has no attempts left, awaiting final acknowledgment")
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAttempt(e, first)
	}()

	logrus.WithFields(logrus.Fields{
		"function":        "Scheduler.Track",
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
	}).Debug("Tracking outbound message")
	return nil
}

// Acknowledge applies an acknowledgment. Matching is by message ID only;
// the acknowledgment's conversation ID is never consulted. Acknowledgments
// for messages already Delivered, Failed or Expired are no-ops.
func (s *Scheduler) Acknowledge(ack messaging.Acknowledgment) error {
	s.mu.Lock()
	if e, ok := s.pending[ack.MessageID]; ok {
		s.forgetLocked(e)
	}
	s.mu.Unlock()

	_, err := s.store.ApplyTransition(ack.MessageID, messaging.StateDelivered, messaging.Evidence{
		Source:        "ack",
		ParticipantID: ack.ParticipantID,
	})
	if errors.Is(err, messaging.ErrIllegalTransition) {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.Acknowledge",
			"message_id": ack.MessageID,
		}).Debug("Ignoring acknowledgment for settled message")
		return nil
	}
	return err
}

// Cancel stops tracking a single message without changing its state.
func (s *Scheduler) Cancel(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[messageID]
	if ok {
		s.forgetLocked(e)
	}
	return ok
}

// CancelConversation stops tracking every message of a conversation and
// returns how many were cancelled.
func (s *Scheduler) CancelConversation(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, e := range s.pending {
		if e.conversationID == conversationID {
			s.forgetLocked(e)
			cancelled++
		}
	}
	if cancelled > 0 {
		logrus.WithFields(logrus.Fields{
			"function":        "Scheduler.CancelConversation",
			"conversation_id": conversationID,
			"cancelled":       cancelled,
		}).Info("Cancelled delivery timers for closed conversation")
	}
	return cancelled
}

// Tracked returns the number of messages awaiting acknowledgment.
func (s *Scheduler) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every timer and waits for in-flight attempts to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, e := range s.pending {
		s.forgetLocked(e)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) forgetLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(s.pending, e.id)
}

// currentLocked reports whether e is still the live entry for its message.
func (s *Scheduler) currentLocked(e *entry) bool {
	return !s.closed && s.pending[e.id] == e
}

// runAttempt issues attempt n and arms its acknowledgment window. The
// window is armed even when the hand-off fails so a transport outage is
// retried on the same schedule.
func (s *Scheduler) runAttempt(e *entry, n int) {
	s.mu.Lock()
	if !s.currentLocked(e) {
		s.mu.Unlock()
		return
	}
	e.attempt = n
	observer := s.observer
	s.mu.Unlock()

	msg, ok := s.store.Message(e.id)
	if !ok || msg.State.IsTerminal() {
		s.Cancel(e.id)
		return
	}
	if err := s.store.RecordAttempt(e.id, n, s.clock.Now()); err != nil {
		s.Cancel(e.id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.SendTimeout)
	err := s.sender.Send(ctx, msg)
	cancel()

	if observer != nil {
		observer.RecordAttempt(context.Background(), n, err)
	}

	if err == nil {
		if _, terr := s.store.ApplyTransition(e.id, messaging.StateSent, messaging.Evidence{Source: evidenceSource}); terr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Scheduler.runAttempt",
				"message_id": e.id,
				"error":      terr.Error(),
			}).Debug("Message settled during hand-off")
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.runAttempt",
			"message_id": e.id,
			"attempt":    n,
			"error":      err.Error(),
		}).Warn("Send attempt failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(e) {
		return
	}
	e.timer = s.clock.AfterFunc(s.AckWindow(n), func() { s.windowElapsed(e, n) })
}

func (s *Scheduler) windowElapsed(e *entry, n int) {
	s.mu.Lock()
	if !s.currentLocked(e) || e.attempt != n {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	exhausted := n >= s.config.MaxAttempts
	if exhausted {
		delete(s.pending, e.id)
	}
	observer := s.observer
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	logrus.WithFields(logrus.Fields{
		"function":   "Scheduler.windowElapsed",
		"message_id": e.id,
		"attempt":    n,
		"error":      ErrAckTimeout.Error(),
	}).Warn("No acknowledgment within window")
	if observer != nil {
		observer.RecordAckTimeout(context.Background(), n)
	}

	if !exhausted {
		s.runAttempt(e, n+1)
		return
	}

	reason := fmt.Errorf("%w after %d attempts", ErrRetryExhausted, n)
	if _, err := s.store.ApplyTransition(e.id, messaging.StateFailed, messaging.Evidence{
		Source: evidenceSource,
		Reason: reason,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Scheduler.windowElapsed",
			"message_id": e.id,
			"error":      err.Error(),
		}).Debug("Message settled before retries were exhausted")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Scheduler.windowElapsed",
		"message_id": e.id,
		"attempts":   n,
	}).Warn("Delivery failed")
}
