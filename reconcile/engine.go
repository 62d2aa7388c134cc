package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/toxrelay/interfaces"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFetchTimeout bounds a single fetch request.
	DefaultFetchTimeout = 10 * time.Second
	// DefaultMaxAttempts bounds fetch attempts per reconciliation.
	DefaultMaxAttempts = 3
	// DefaultRetryBackoff is the delay before the second fetch attempt; it
	// doubles for each further attempt.
	DefaultRetryBackoff = time.Second
	// DefaultOverlap is subtracted from each watermark by ReconcileAll so
	// late-arriving messages are picked up. A negative Config.Overlap
	// disables it.
	DefaultOverlap = 5 * time.Minute
	// DefaultBreakerFailures trips the fetch breaker.
	DefaultBreakerFailures = 5
	// DefaultBreakerReset is how long the breaker stays open.
	DefaultBreakerReset = 30 * time.Second
	// DefaultParallelism limits concurrent conversations in ReconcileAll.
	DefaultParallelism = 4
)

// ErrReconciliationFailure indicates the authoritative fetch failed after
// retries. The conversation's watermark is left untouched.
var ErrReconciliationFailure = errors.New("reconciliation failure")

// Observer receives reconciliation outcomes, typically for metrics.
type Observer interface {
	RecordReconciliation(ctx context.Context, fetched int, err error)
}

// Config configures an Engine. Zero fields take their defaults.
//
// LocalSender names the device the store belongs to. Its own messages that
// are still Queued or Sent are never settled by fetched history, only by
// acknowledgments, failure or expiry. When empty every pending record is
// treated that way.
type Config struct {
	FetchTimeout    time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	Overlap         time.Duration
	BreakerFailures uint32
	BreakerReset    time.Duration
	Parallelism     int
	LocalSender     string
	Clock           interfaces.Clock
}

// Result summarizes one conversation's reconciliation.
type Result struct {
	ConversationID string
	Since          time.Time
	Fetched        int
	Admitted       int
	Rejected       int
	Watermark      time.Time
}

// Engine restores missed messages after gaps by fetching the authoritative
// history and folding it into the store. Folding goes through Store.Upsert,
// so a reconciliation is idempotent and never moves a message backward.
type Engine struct {
	config  Config
	clock   interfaces.Clock
	store   *messaging.Store
	fetcher interfaces.MessageFetcher
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group

	mu         sync.Mutex
	watermarks map[string]time.Time
	watched    map[string]struct{}
	observer   Observer
}

// NewEngine creates a reconciliation engine over store and fetcher.
func NewEngine(store *messaging.Store, fetcher interfaces.MessageFetcher, config Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("reconciliation engine requires a store")
	}
	if fetcher == nil {
		return nil, errors.New("reconciliation engine requires a fetcher")
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	switch {
	case config.Overlap == 0:
		config.Overlap = DefaultOverlap
	case config.Overlap < 0:
		config.Overlap = 0
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = DefaultBreakerFailures
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = DefaultBreakerReset
	}
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultParallelism
	}

	failures := config.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reconcile-fetch",
		MaxRequests: 1,
		Timeout:     config.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.breaker",
				"breaker":  name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("Fetch circuit breaker state changed")
		},
	})

	return &Engine{
		config:     config,
		clock:      interfaces.ClockOrReal(config.Clock),
		store:      store,
		fetcher:    fetcher,
		breaker:    breaker,
		watermarks: make(map[string]time.Time),
		watched:    make(map[string]struct{}),
	}, nil
}

// SetObserver installs a reconciliation observer.
func (e *Engine) SetObserver(observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = observer
}

// Watch adds a conversation to the set ReconcileAll covers even before any
// of its messages are stored.
func (e *Engine) Watch(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched[conversationID] = struct{}{}
}

// Unwatch removes a conversation from the ReconcileAll set.
func (e *Engine) Unwatch(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watched, conversationID)
	delete(e.watermarks, conversationID)
}

// Watermark returns the creation time up to which the conversation is known
// to be reconciled.
func (e *Engine) Watermark(conversationID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.watermarks[conversationID]
	return w, ok
}

// Reconcile fetches the messages of conversationID created after since and
// folds them into the store. Concurrent calls for the same conversation
// share one fetch.
func (e *Engine) Reconcile(ctx context.Context, conversationID string, since time.Time) (Result, error) {
	v, err, shared := e.group.Do(conversationID, func() (interface{}, error) {
		return e.reconcile(ctx, conversationID, since)
	})
	if shared {
		logrus.WithFields(logrus.Fields{
			"function":        "Engine.Reconcile",
			"conversation_id": conversationID,
		}).Debug("Coalesced concurrent reconciliation")
	}
	result, _ := v.(Result)
	return result, err
}

// ReconcileAll reconciles every known conversation from its watermark minus
// the overlap window. Conversations without a watermark are fetched in full.
func (e *Engine) ReconcileAll(ctx context.Context, reason string) ([]Result, error) {
	conversations := e.conversations()

	logrus.WithFields(logrus.Fields{
		"function":      "Engine.ReconcileAll",
		"reason":        reason,
		"conversations": len(conversations),
	}).Info("Reconciling conversations")

	results := make([]Result, len(conversations))
	errs := make([]error, len(conversations))

	var g errgroup.Group
	g.SetLimit(e.config.Parallelism)
	for i, conversationID := range conversations {
		since := time.Time{}
		if w, ok := e.Watermark(conversationID); ok {
			since = w.Add(-e.config.Overlap)
		}
		g.Go(func() error {
			results[i], errs[i] = e.Reconcile(ctx, conversationID, since)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

func (e *Engine) conversations() []string {
	seen := make(map[string]struct{})
	for _, id := range e.store.Conversations() {
		seen[id] = struct{}{}
	}

	e.mu.Lock()
	for id := range e.watched {
		seen[id] = struct{}{}
	}
	for id := range e.watermarks {
		seen[id] = struct{}{}
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) reconcile(ctx context.Context, conversationID string, since time.Time) (Result, error) {
	result := Result{ConversationID: conversationID, Since: since}

	msgs, err := e.fetchWithRetry(ctx, conversationID, since)

	e.mu.Lock()
	observer := e.observer
	e.mu.Unlock()
	if observer != nil {
		observer.RecordReconciliation(ctx, len(msgs), err)
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "Engine.reconcile",
			"conversation_id": conversationID,
			"since":           since,
			"error":           err.Error(),
		}).Warn("Reconciliation failed, watermark unchanged")
		return result, fmt.Errorf("%w: conversation %s: %w", ErrReconciliationFailure, conversationID, err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	watermark := since
	for _, msg := range msgs {
		result.Fetched++
		if msg.ConversationID != conversationID {
			result.Rejected++
			logrus.WithFields(logrus.Fields{
				"function":        "Engine.reconcile",
				"conversation_id": conversationID,
				"message_id":      msg.ID,
				"other":           msg.ConversationID,
			}).Warn("Fetched message belongs to another conversation")
			continue
		}

		if existing, ok := e.store.Message(msg.ID); ok && e.awaitingAck(existing) {
			msg.State = capUnacknowledged(msg.State)
		}

		_, created, err := e.store.Upsert(msg)
		if err != nil {
			result.Rejected++
			logrus.WithFields(logrus.Fields{
				"function":   "Engine.reconcile",
				"message_id": msg.ID,
				"error":      err.Error(),
			}).Warn("Rejected fetched message")
			continue
		}
		if created {
			result.Admitted++
		}
		if msg.CreatedAt.After(watermark) {
			watermark = msg.CreatedAt
		}
	}

	e.mu.Lock()
	if current, ok := e.watermarks[conversationID]; !ok || watermark.After(current) {
		e.watermarks[conversationID] = watermark
	}
	result.Watermark = e.watermarks[conversationID]
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Engine.reconcile",
		"conversation_id": conversationID,
		"fetched":         result.Fetched,
		"admitted":        result.Admitted,
	}).Debug("Reconciliation complete")
	return result, nil
}

// awaitingAck reports whether msg is an outbound message of this device that
// has not been settled yet.
func (e *Engine) awaitingAck(msg messaging.Message) bool {
	if msg.State != messaging.StateQueued && msg.State != messaging.StateSent {
		return false
	}
	return e.config.LocalSender == "" || msg.SenderID == e.config.LocalSender
}

// capUnacknowledged keeps a fetched copy from settling a message: the
// server holding it proves it was sent, not that it was acknowledged.
func capUnacknowledged(state messaging.DeliveryState) messaging.DeliveryState {
	if state == messaging.StateDelivered || state == messaging.StateFailed {
		return messaging.StateSent
	}
	return state
}

// fetchWithRetry calls the fetcher through the circuit breaker with a
// per-attempt timeout and doubling backoff. An open breaker fails fast.
func (e *Engine) fetchWithRetry(ctx context.Context, conversationID string, since time.Time) ([]messaging.Message, error) {
	backoff := e.config.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		v, err := e.breaker.Execute(func() (interface{}, error) {
			fetchCtx, cancel := context.WithTimeout(ctx, e.config.FetchTimeout)
			defer cancel()
			return e.fetcher.FetchSince(fetchCtx, conversationID, since)
		})
		if err == nil {
			msgs, _ := v.([]messaging.Message)
			return msgs, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
		if attempt == e.config.MaxAttempts {
			break
		}

		logrus.WithFields(logrus.Fields{
			"function":        "Engine.fetchWithRetry",
			"conversation_id": conversationID,
			"attempt":         attempt,
			"backoff":         backoff,
			"error":           err.Error(),
		}).Debug("Fetch failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clock.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}
