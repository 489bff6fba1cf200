package worker

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/octopus-sh/octopus/pkg/types"
)

var outboxBucket = []byte("pending_executions")

// Outbox is a durable queue of execution reports that could not reach the
// coordinator. Entries survive worker restarts and are replayed on the next
// sync, so a coordinator outage never surfaces as a lost result.
type Outbox struct {
	db *bbolt.DB
}

// OpenOutbox opens (creating if needed) the outbox database at path
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox bucket: %w", err)
	}

	return &Outbox{db: db}, nil
}

// Put stores a pending execution report, keyed by execution id so a retried
// report overwrites its earlier copy.
func (o *Outbox) Put(exec *types.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte(exec.ID), data)
	})
}

// Drain replays every pending report through send, deleting the entries
// that succeed. It stops at the first send failure and reports how many
// entries were delivered.
func (o *Outbox) Drain(send func(*types.Execution) error) (int, error) {
	type pending struct {
		key  []byte
		exec *types.Execution
	}

	var queue []pending
	var corrupt [][]byte
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			key := append([]byte(nil), k...)
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				// Unreadable entries can never be delivered; drop them so
				// they do not pile up across replays.
				corrupt = append(corrupt, key)
				return nil
			}
			queue = append(queue, pending{key: key, exec: &exec})
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}

	if len(corrupt) > 0 {
		err := o.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(outboxBucket)
			for _, k := range corrupt {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to clear corrupt outbox entries: %w", err)
		}
	}

	delivered := 0
	for _, p := range queue {
		if err := send(p.exec); err != nil {
			return delivered, err
		}
		err := o.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(outboxBucket).Delete(p.key)
		})
		if err != nil {
			return delivered, fmt.Errorf("failed to clear outbox entry: %w", err)
		}
		delivered++
	}
	return delivered, nil
}

// Len returns the number of pending reports
func (o *Outbox) Len() (int, error) {
	var n int
	err := o.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(outboxBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying database
func (o *Outbox) Close() error {
	return o.db.Close()
}
