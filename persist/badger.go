package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/sirupsen/logrus"
)

var _ messaging.Persister = (*BadgerStore)(nil)

// messagePrefix namespaces message records: msg/{messageID}.
const messagePrefix = "msg/"

// DefaultGCInterval is the period of value log garbage collection.
const DefaultGCInterval = 5 * time.Minute

// ErrStoreClosed indicates the ledger was used after Close.
var ErrStoreClosed = errors.New("persistent store closed")

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // directory for BadgerDB data; ignored when InMemory is set
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
}

// record is the on-disk JSON form of a message.
type record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Payload        []byte    `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
	State          string    `json:"state"`
	Retries        int       `json:"retries"`
	LastAttempt    time.Time `json:"last_attempt,omitempty"`
}

func toRecord(msg messaging.Message) record {
	return record{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Payload:        msg.Payload,
		CreatedAt:      msg.CreatedAt,
		ExpiresAt:      msg.ExpiresAt,
		State:          msg.State.String(),
		Retries:        msg.Retries,
		LastAttempt:    msg.LastAttempt,
	}
}

func (r record) message() (messaging.Message, error) {
	state, ok := messaging.ParseDeliveryState(r.State)
	if !ok {
		return messaging.Message{}, fmt.Errorf("unknown state %q for message %s", r.State, r.ID)
	}
	return messaging.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Payload:        r.Payload,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		State:          state,
		Retries:        r.Retries,
		LastAttempt:    r.LastAttempt,
	}, nil
}

// BadgerStore is a durable message ledger. It receives every store mutation
// through the messaging.Persister interface and reloads the ledger at startup.
type BadgerStore struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Open opens or creates a ledger.
func Open(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = DefaultGCInterval
	}

	s := &BadgerStore{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval, !cfg.InMemory)

	logrus.WithFields(logrus.Fields{
		"function":  "persist.Open",
		"dir":       cfg.Dir,
		"in_memory": cfg.InMemory,
	}).Info("Opened message ledger")
	return s, nil
}

func messageKey(id string) []byte {
	return []byte(messagePrefix + id)
}

// Save writes the current copy of msg.
func (s *BadgerStore) Save(msg messaging.Message) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	data, err := json.Marshal(toRecord(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.ID), data)
	})
}

// Delete removes a message record. Deleting an unknown record succeeds.
func (s *BadgerStore) Delete(id string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(messageKey(id))
	})
}

// Get retrieves one message record.
func (s *BadgerStore) Get(id string) (messaging.Message, bool, error) {
	var msg messaging.Message
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var r record
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			m, err := r.message()
			if err != nil {
				return err
			}
			msg = m
			found = true
			return nil
		})
	})
	return msg, found, err
}

// LoadAll returns every message record. Records that fail to decode are
// skipped and logged.
func (s *BadgerStore) LoadAll() ([]messaging.Message, error) {
	var messages []messaging.Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var r record
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				msg, err := r.message()
				if err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "BadgerStore.LoadAll",
					"key":      string(item.Key()),
					"error":    err.Error(),
				}).Warn("Skipping unreadable ledger record")
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return messages, nil
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *BadgerStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs value log garbage collection periodically.
func (s *BadgerStore) runGC(interval time.Duration, enabled bool) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if enabled {
				// Returns an error when nothing was reclaimed.
				_ = s.db.RunValueLogGC(0.5)
			}
		case <-s.gcStopCh:
			return
		}
	}
}
