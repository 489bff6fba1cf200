package ledger

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/octopus-sh/octopus/pkg/events"
	"github.com/octopus-sh/octopus/pkg/storage"
	"github.com/octopus-sh/octopus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "octopus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewLedger(store, broker, 0), store
}

func TestAppendComputesExecutionID(t *testing.T) {
	l, _ := newTestLedger(t)

	id, err := l.Append("", "t000001", "alice", "running", "")
	require.NoError(t, err)
	assert.Contains(t, id, "t000001_alice_")
}

func TestAppendIDsAreUnique(t *testing.T) {
	l, _ := newTestLedger(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := l.Append("", fmt.Sprintf("t%06d", i), "alice", "running", "")
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate execution id %s", id)
		seen[id] = true
	}
}

func TestRunningThenTerminalUpgradesRow(t *testing.T) {
	l, store := newTestLedger(t)

	taskID, err := store.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)

	execID, err := l.Append("", taskID, "alice", "running", "")
	require.NoError(t, err)

	_, err = l.Append(execID, taskID, "alice", "success", "done")
	require.NoError(t, err)

	rows, total, err := l.List(storage.ExecFilter{TaskID: taskID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "success", rows[0].Status)
}

func TestAdhocTerminalStateDerivation(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   types.TaskState
	}{
		{"success", "success", types.TaskStateDone},
		{"completed", "completed", types.TaskStateDone},
		{"done", "done", types.TaskStateDone},
		{"failed", "failed", types.TaskStateFailed},
		{"error", "error", types.TaskStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newTestLedger(t)
			taskID, err := store.CreateTask(&types.Task{Owner: "alice", Plugin: "p", Kind: types.TaskKindAdhoc})
			require.NoError(t, err)

			_, err = l.Append("", taskID, "alice", tt.status, "r")
			require.NoError(t, err)

			task, err := store.GetTask(taskID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.State)
			assert.Equal(t, "r", task.Result)
		})
	}
}

func TestBroadcastNeverAutoTerminates(t *testing.T) {
	l, store := newTestLedger(t)

	taskID, err := store.CreateTask(&types.Task{
		Owner:    types.OwnerAll,
		Plugin:   "p",
		Kind:     types.TaskKindAdhoc,
		State:    types.TaskStateActive,
		Executor: types.OwnerAll,
	})
	require.NoError(t, err)

	for i, worker := range []string{"w1", "w2", "w3"} {
		_, err = l.Append(fmt.Sprintf("%s_%s_%d", taskID, worker, i), taskID, worker, "success", "ok")
		require.NoError(t, err)
	}

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateActive, task.State)
}

func TestDataRecordLeavesParentTaskAlone(t *testing.T) {
	l, store := newTestLedger(t)

	taskID, err := store.CreateTask(&types.Task{Owner: "alice", Plugin: "p", Kind: types.TaskKindAdhoc})
	require.NoError(t, err)

	// A plugin's db data operation arrives under its own synthetic task id.
	// It must not derive any state for the real parent task.
	subTask := taskID + "_data_summary"
	_, err = l.Append("", subTask, "alice", "completed", `{"rows":3}`)
	require.NoError(t, err)

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCreated, task.State)

	// The firing's own terminal report still decides the outcome.
	_, err = l.Append("", taskID, "alice", "failed", "boom")
	require.NoError(t, err)

	task, err = store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailed, task.State)
}

func TestRunningStatusLeavesTaskAlone(t *testing.T) {
	l, store := newTestLedger(t)

	taskID, err := store.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)

	_, err = l.Append("", taskID, "alice", "running", "")
	require.NoError(t, err)

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateCreated, task.State)
}

func TestScheduleStaysActiveMidWindow(t *testing.T) {
	l, store := newTestLedger(t)

	now := types.Now()
	taskID, err := store.CreateTask(&types.Task{
		Owner: "alice", Plugin: "p", Kind: types.TaskKindSchedule,
		IntervalSeconds: 30, Start: now, End: now + 3600,
	})
	require.NoError(t, err)

	active := types.TaskStateActive
	_, err = store.UpdateTask(taskID, types.TaskPatch{State: &active})
	require.NoError(t, err)

	_, err = l.Append("", taskID, "alice", "success", "tick")
	require.NoError(t, err)

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateActive, task.State)
}

func TestScheduleDoneAfterWindow(t *testing.T) {
	l, store := newTestLedger(t)

	now := types.Now()
	taskID, err := store.CreateTask(&types.Task{
		Owner: "alice", Plugin: "p", Kind: types.TaskKindSchedule,
		IntervalSeconds: 30, Start: now - 120, End: now - 1,
	})
	require.NoError(t, err)

	active := types.TaskStateActive
	_, err = store.UpdateTask(taskID, types.TaskPatch{State: &active})
	require.NoError(t, err)

	_, err = l.Append("", taskID, "alice", "success", "last tick")
	require.NoError(t, err)

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, task.State)
}

func TestExecutionForDeletedTaskIgnored(t *testing.T) {
	l, _ := newTestLedger(t)

	// No such task; the execution row is still recorded.
	execID, err := l.Append("", "t999999", "alice", "success", "late result")
	require.NoError(t, err)
	assert.NotEmpty(t, execID)
}

func TestRetentionSweep(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "octopus.db"))
	require.NoError(t, err)
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	l := NewLedger(store, broker, time.Hour)

	require.NoError(t, store.AppendExecution(&types.Execution{
		ID: "old_a_1", TaskID: "told", Worker: "a", Status: "success",
		CreatedAt: types.Now() - 7200,
	}))
	require.NoError(t, store.AppendExecution(&types.Execution{
		ID: "new_a_2", TaskID: "tnew", Worker: "a", Status: "success",
	}))

	l.sweep()

	_, total, err := l.List(storage.ExecFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
