package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
)

// ErrNoMessage is returned when no run is ready for delivery
var ErrNoMessage = errors.New("no messages in queue")

// message is the record stored in Badger
type message struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// Config holds the run queue settings
type Config struct {
	Name              string
	VisibilityTimeout time.Duration // A received run is redelivered if not acked in time
	MaxReceive        int           // Deliveries before a message is dropped
	PollInterval      time.Duration // Receive re-scans at least this often
}

// RunQueue is a persistent FIFO of run ids stored in Badger. Messages are keyed
// by visibility time so a scan finds the next ready run first.
type RunQueue struct {
	db     *badger.DB
	config Config
	notify chan struct{}
	logger arbor.ILogger
}

// NewRunQueue creates a queue over an open Badger database
func NewRunQueue(db *badger.DB, config Config, logger arbor.ILogger) (*RunQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 30 * time.Minute
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &RunQueue{
		db:     db,
		config: config,
		notify: make(chan struct{}, 1),
		logger: logger,
	}, nil
}

// Enqueue adds a run for immediate delivery
func (q *RunQueue) Enqueue(ctx context.Context, runID string) error {
	now := time.Now()
	msg := message{
		ID:         uuid.New().String(),
		RunID:      runID,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(msg.ID), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(msg.VisibleAt, msg.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue run %s: %w", runID, err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.logger.Debug().Str("run_id", runID).Str("message_id", msg.ID).Msg("Run enqueued")
	return nil
}

// Receive blocks until a run is ready or ctx is done. The run becomes visible
// again after the visibility timeout unless ack is called.
func (q *RunQueue) Receive(ctx context.Context) (string, func() error, error) {
	for {
		runID, ack, err := q.TryReceive(ctx)
		if err == nil {
			return runID, ack, nil
		}
		if !errors.Is(err, ErrNoMessage) {
			return "", nil, err
		}

		timer := time.NewTimer(q.config.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TryReceive claims the next ready run or returns ErrNoMessage
func (q *RunQueue) TryReceive(ctx context.Context) (string, func() error, error) {
	var claimed message
	var dropped []string

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := q.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var indexKey []byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			if ts.After(now) {
				// Keys sort by visibility, nothing later is ready
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			var msg message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if msg.ReceiveCount >= q.config.MaxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				dropped = append(dropped, msg.RunID)
				continue
			}
			claimed = msg
			indexKey = key
			break
		}
		if indexKey == nil {
			return ErrNoMessage
		}

		claimed.ReceiveCount++
		claimed.VisibleAt = now.Add(q.config.VisibilityTimeout)
		data, err := json.Marshal(claimed)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(claimed.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(indexKey); err != nil {
			return err
		}
		return txn.Set(q.indexKey(claimed.VisibleAt, claimed.ID), []byte{})
	})

	for _, runID := range dropped {
		q.logger.Warn().Str("run_id", runID).Int("max_receive", q.config.MaxReceive).Msg("Run message dropped after repeated delivery")
	}
	if err != nil {
		return "", nil, err
	}

	id := claimed.ID
	ack := func() error {
		return q.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(q.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var current message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			if err := txn.Delete(q.indexKey(current.VisibleAt, id)); err != nil {
				return err
			}
			return txn.Delete(q.msgKey(id))
		})
	}
	return claimed.RunID, ack, nil
}

// Len counts queued runs, including those received but not yet acked
func (q *RunQueue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := q.indexPrefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (q *RunQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.config.Name, id))
}

func (q *RunQueue) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", q.config.Name))
}

// indexKey zero pads the timestamp so byte order matches time order
func (q *RunQueue) indexKey(visibleAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.config.Name, visibleAt.UnixNano(), id))
}

func (q *RunQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := q.indexPrefix()
	if len(key) <= len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid index key %q", key)
	}
	suffix := string(key[len(prefix):])
	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
