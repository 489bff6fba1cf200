package worker

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/octopus-sh/octopus/pkg/types"
)

func TestOutboxPutDrain(t *testing.T) {
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Put(&types.Execution{ID: "t000001_alice_1", TaskID: "t000001", Status: "success"}))
	require.NoError(t, o.Put(&types.Execution{ID: "t000002_alice_2", TaskID: "t000002", Status: "failed"}))

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var sent []string
	delivered, err := o.Drain(func(e *types.Execution) error {
		sent = append(sent, e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Len(t, sent, 2)

	n, err = o.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutboxDrainStopsOnSendFailure(t *testing.T) {
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Put(&types.Execution{ID: "a", Status: "success"}))
	require.NoError(t, o.Put(&types.Execution{ID: "b", Status: "success"}))

	calls := 0
	delivered, err := o.Drain(func(e *types.Execution) error {
		calls++
		if calls > 1 {
			return errors.New("coordinator down")
		}
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, 1, delivered)

	// The undelivered entry stays for the next replay.
	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxPutOverwritesSameID(t *testing.T) {
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Put(&types.Execution{ID: "x", Status: "running"}))
	require.NoError(t, o.Put(&types.Execution{ID: "x", Status: "success"}))

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var last string
	_, err = o.Drain(func(e *types.Execution) error {
		last = e.Status
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "success", last)
}

func TestOutboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	o, err := OpenOutbox(path)
	require.NoError(t, err)
	require.NoError(t, o.Put(&types.Execution{ID: "x", Status: "success"}))
	require.NoError(t, o.Close())

	o, err = OpenOutbox(path)
	require.NoError(t, err)
	defer o.Close()

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxDrainDropsCorruptEntries(t *testing.T) {
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Put(&types.Execution{ID: "good", Status: "success"}))
	err = o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(outboxBucket).Put([]byte("bad"), []byte("{not json"))
	})
	require.NoError(t, err)

	var sent []string
	delivered, err := o.Drain(func(e *types.Execution) error {
		sent = append(sent, e.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"good"}, sent)

	// The unreadable entry is gone too, not just skipped.
	n, err := o.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}
