package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// revokeAttempts bounds retries when a revoke races a concurrent claim
const revokeAttempts = 5

// storedMessage is the internal structure stored in Badger
type storedMessage struct {
	Body     Message `json:"body"`
	IndexKey string  `json:"index_key"`
}

// BadgerManager implements the broker on an embedded BadgerDB.
// Key format:
//
//	queue:{queueName}:msg:{jobID}                 -> storedMessage JSON
//	queue:{queueName}:index:{enqueuedNanos}:{jobID} -> empty (FIFO order)
type BadgerManager struct {
	db        *badger.DB
	queueName string
}

// NewBadgerManager creates a new Badger-backed broker
func NewBadgerManager(db *badger.DB, queueName string) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}

	return &BadgerManager{
		db:        db,
		queueName: queueName,
	}, nil
}

// Enqueue adds a message to the queue
func (m *BadgerManager) Enqueue(ctx context.Context, msg Message) error {
	if msg.JobID == "" {
		return errors.New("job id is required")
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	indexKey := m.indexKey(msg.EnqueuedAt, msg.JobID)
	data, err := json.Marshal(storedMessage{Body: msg, IndexKey: string(indexKey)})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(msg.JobID)
		if _, err := txn.Get(msgKey); err == nil {
			return fmt.Errorf("job %s is already queued", msg.JobID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(msgKey, data); err != nil {
			return err
		}
		return txn.Set(indexKey, []byte{})
	})
}

// Receive claims the oldest message. Claiming deletes it, so a job is never
// handed to two workers. A transaction conflict with another claimer is
// reported as ErrNoMessage and the caller simply polls again.
func (m *BadgerManager) Receive(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var claimed storedMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			indexKey := it.Item().KeyCopy(nil)

			id, err := m.parseIndexKey(indexKey)
			if err != nil {
				continue // Skip invalid keys
			}

			item, err := txn.Get(m.msgKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index exists but message doesn't - clean up and move on
				if err := txn.Delete(indexKey); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &claimed)
			}); err != nil {
				return err
			}

			if err := txn.Delete(indexKey); err != nil {
				return err
			}
			return txn.Delete(m.msgKey(id))
		}

		return ErrNoMessage
	})

	if errors.Is(err, badger.ErrConflict) {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, err
	}

	return &claimed.Body, nil
}

// Revoke removes a queued job
func (m *BadgerManager) Revoke(ctx context.Context, jobID string) (bool, error) {
	var revoked bool
	var err error

	for attempt := 0; attempt < revokeAttempts; attempt++ {
		revoked, err = m.revokeOnce(jobID)
		if !errors.Is(err, badger.ErrConflict) {
			return revoked, err
		}
	}
	return false, fmt.Errorf("failed to revoke job %s: %w", jobID, err)
}

func (m *BadgerManager) revokeOnce(jobID string) (bool, error) {
	revoked := false
	err := m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(jobID)
		item, err := txn.Get(msgKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already claimed, revoked, or never queued
		}
		if err != nil {
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := txn.Delete([]byte(stored.IndexKey)); err != nil {
			return err
		}
		if err := txn.Delete(msgKey); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	return revoked, err
}

// Purge drops every queued message
func (m *BadgerManager) Purge(ctx context.Context) (int, error) {
	count, err := m.Len(ctx)
	if err != nil {
		return 0, err
	}

	if err := m.db.DropPrefix([]byte(fmt.Sprintf("queue:%s:", m.queueName))); err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", m.queueName, err)
	}
	return count, nil
}

// Len counts queued messages
func (m *BadgerManager) Len(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.msgPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close is a no-op; the DB is owned by the storage layer
func (m *BadgerManager) Close() error {
	return nil
}

// Helpers

func (m *BadgerManager) msgPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

func (m *BadgerManager) indexKey(enqueuedAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, enqueuedAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return "", fmt.Errorf("invalid suffix length")
	}
	return suffix[21:], nil
}
