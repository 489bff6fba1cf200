package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/octopus-sh/octopus/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "octopus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateTaskIssuesMonotonicIDs(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)
	id2, err := s.CreateTask(&types.Task{Owner: "bob", Plugin: "p"})
	require.NoError(t, err)

	assert.Equal(t, "t000001", id1)
	assert.Equal(t, "t000002", id2)

	task, err := s.GetTask(id1)
	require.NoError(t, err)
	assert.Equal(t, "alice", task.Owner)
	assert.Equal(t, types.TaskStateCreated, task.State)
	assert.Equal(t, "run", task.Action)
	assert.NotZero(t, task.CreatedAt)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask("t999999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksFilterAndPagination(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
		require.NoError(t, err)
	}
	_, err := s.CreateTask(&types.Task{Owner: "bob", Plugin: "p"})
	require.NoError(t, err)

	rows, total, err := s.ListTasks(TaskFilter{Owner: "alice", Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, rows, 2)

	// Creation order: ascending created_at.
	rows, _, err = s.ListTasks(TaskFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i := 1; i < len(rows); i++ {
		assert.LessOrEqual(t, rows[i-1].CreatedAt, rows[i].CreatedAt)
	}
}

func TestListTasksExecutorIncludesBroadcast(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p", Executor: "alice"})
	require.NoError(t, err)
	_, err = s.CreateTask(&types.Task{Owner: types.OwnerAll, Plugin: "p", Executor: types.OwnerAll})
	require.NoError(t, err)
	_, err = s.CreateTask(&types.Task{Owner: "bob", Plugin: "p", Executor: "bob"})
	require.NoError(t, err)

	rows, total, err := s.ListTasks(TaskFilter{Executor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, rows, 2)
}

func TestUpdateTaskAppliesPatch(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)

	state := types.TaskStateActive
	executor := "alice"
	ok, err := s.UpdateTask(id, types.TaskPatch{State: &state, Executor: &executor})
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateActive, task.State)
	assert.Equal(t, "alice", task.Executor)
}

func TestUpdateTaskMissing(t *testing.T) {
	s := newTestStore(t)

	state := types.TaskStateActive
	ok, err := s.UpdateTask("t000042", types.TaskPatch{State: &state})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusGuardSuppressesPrematureTerminal(t *testing.T) {
	s := newTestStore(t)

	now := types.Now()
	id, err := s.CreateTask(&types.Task{
		Owner:           "alice",
		Plugin:          "p",
		Kind:            types.TaskKindSchedule,
		IntervalSeconds: 30,
		Start:           now,
		End:             now + 3600, // window still open
	})
	require.NoError(t, err)

	state := types.TaskStateActive
	_, err = s.UpdateTask(id, types.TaskPatch{State: &state})
	require.NoError(t, err)

	tests := []struct {
		name      string
		requested types.TaskState
	}{
		{"done", types.TaskStateDone},
		{"failed", types.TaskStateFailed},
		{"worker success spelling", types.TaskState("success")},
		{"worker failed spelling", types.TaskState("failed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requested := tt.requested
			result := "r"
			ok, err := s.UpdateTask(id, types.TaskPatch{State: &requested, Result: &result})
			require.NoError(t, err)
			assert.True(t, ok)

			task, err := s.GetTask(id)
			require.NoError(t, err)
			// Status dropped, other fields applied.
			assert.Equal(t, types.TaskStateActive, task.State)
			assert.Equal(t, "r", task.Result)
		})
	}
}

func TestStatusGuardAllowsTerminalAfterWindow(t *testing.T) {
	s := newTestStore(t)

	now := types.Now()
	id, err := s.CreateTask(&types.Task{
		Owner:           "alice",
		Plugin:          "p",
		Kind:            types.TaskKindSchedule,
		IntervalSeconds: 30,
		Start:           now - 120,
		End:             now - 1, // window closed
	})
	require.NoError(t, err)

	state := types.TaskStateDone
	ok, err := s.UpdateTask(id, types.TaskPatch{State: &state})
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, task.State)
}

func TestNoTerminalRegression(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)

	done := types.TaskStateDone
	_, err = s.UpdateTask(id, types.TaskPatch{State: &done})
	require.NoError(t, err)

	active := types.TaskStateActive
	_, err = s.UpdateTask(id, types.TaskPatch{State: &active})
	require.NoError(t, err)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, task.State)
}

func TestWorkerStatusSpellingNormalized(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)

	state := types.TaskState("success")
	_, err = s.UpdateTask(id, types.TaskPatch{State: &state})
	require.NoError(t, err)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateDone, task.State)
}

func TestBroadcastTaskIgnoresWorkerFinalization(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&types.Task{Owner: types.OwnerAll, Plugin: "p"})
	require.NoError(t, err)

	// Assignment binds the broadcast executor while it is still empty.
	active := types.TaskStateActive
	executor := types.OwnerAll
	ok, err := s.UpdateTask(id, types.TaskPatch{State: &active, Executor: &executor})
	require.NoError(t, err)
	require.True(t, ok)

	// A completing worker reports terminal status and claims the executor
	// slot. The task is shared, so only the result may land.
	done := types.TaskStateDone
	claimant := "alice"
	result := "ok"
	ok, err = s.UpdateTask(id, types.TaskPatch{State: &done, Executor: &claimant, Result: &result})
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := s.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateActive, task.State)
	assert.Equal(t, types.OwnerAll, task.Executor)
	assert.Equal(t, "ok", task.Result)

	// Later workers still see it assigned to everyone.
	rows, _, err := s.ListTasks(TaskFilter{Executor: "bob"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
}

func TestAppendExecutionUpsertsByID(t *testing.T) {
	s := newTestStore(t)

	execID := types.ExecutionID("t000001", "alice", time.Now())
	err := s.AppendExecution(&types.Execution{
		ID: execID, TaskID: "t000001", Worker: "alice", Status: "running",
	})
	require.NoError(t, err)

	err = s.AppendExecution(&types.Execution{
		ID: execID, TaskID: "t000001", Worker: "alice", Status: "success", Result: "ok",
	})
	require.NoError(t, err)

	rows, total, err := s.ListExecutions(ExecFilter{TaskID: "t000001"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "success", rows[0].Status)
	assert.Equal(t, "ok", rows[0].Result)
}

func TestAppendExecutionKeepsTerminalRow(t *testing.T) {
	s := newTestStore(t)

	execID := types.ExecutionID("t000001", "alice", time.Now())
	require.NoError(t, s.AppendExecution(&types.Execution{
		ID: execID, TaskID: "t000001", Worker: "alice", Status: "running",
	}))
	require.NoError(t, s.AppendExecution(&types.Execution{
		ID: execID, TaskID: "t000001", Worker: "alice", Status: "success", Result: "ok",
	}))

	// A delayed or replayed running report must not reopen the record.
	require.NoError(t, s.AppendExecution(&types.Execution{
		ID: execID, TaskID: "t000001", Worker: "alice", Status: "running",
	}))

	got, err := s.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, "ok", got.Result)
}

func TestUpdateExecutionMissing(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateExecution("nope", "success", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListExecutionsFilters(t *testing.T) {
	s := newTestStore(t)

	seed := []*types.Execution{
		{ID: "t1_a_1", TaskID: "t1", Worker: "a", Status: "success", Result: "hello world"},
		{ID: "t1_b_2", TaskID: "t1", Worker: "b", Status: "failed", Result: "boom"},
		{ID: "t2_a_3", TaskID: "t2", Worker: "a", Status: "running", Result: ""},
	}
	for _, e := range seed {
		require.NoError(t, s.AppendExecution(e))
	}

	tests := []struct {
		name   string
		filter ExecFilter
		want   int
	}{
		{"by status", ExecFilter{Status: "failed"}, 1},
		{"by worker", ExecFilter{Worker: "a"}, 2},
		{"by task", ExecFilter{TaskID: "t1"}, 2},
		{"free text", ExecFilter{Search: "world"}, 1},
		{"no match", ExecFilter{Search: "absent"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, total, err := s.ListExecutions(tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, total)
			assert.Len(t, rows, tt.want)
		})
	}
}

func TestDeleteTaskCascadesToExecutions(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)

	require.NoError(t, s.AppendExecution(&types.Execution{
		ID: id + "_alice_1", TaskID: id, Worker: "alice", Status: "success",
	}))

	require.NoError(t, s.DeleteTask(id))

	_, err = s.GetTask(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, total, err := s.ListExecutions(ExecFilter{TaskID: id})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDeleteExecutionsBefore(t *testing.T) {
	s := newTestStore(t)

	old := &types.Execution{ID: "t1_a_1", TaskID: "t1", Worker: "a", Status: "success", CreatedAt: types.Now() - 100}
	fresh := &types.Execution{ID: "t1_a_2", TaskID: "t1", Worker: "a", Status: "success"}
	require.NoError(t, s.AppendExecution(old))
	require.NoError(t, s.AppendExecution(fresh))

	n, err := s.DeleteExecutionsBefore(types.Now() - 50)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, total, err := s.ListExecutions(ExecFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestHeartbeatIdempotence(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		err := s.UpsertHeartbeat(&types.Worker{Username: "alice", Hostname: "h1", CPUPercent: float64(i)})
		require.NoError(t, err)
	}

	workers, err := s.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "alice", workers[0].Username)
	assert.Equal(t, 4.0, workers[0].CPUPercent)
}

func TestDrainCommandsEmptiesQueue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.EnqueueCommand(&types.Command{ID: "c1", Hostname: "h1", Plugin: "p", Action: "restart"}))
	require.NoError(t, s.EnqueueCommand(&types.Command{ID: "c2", Hostname: "h1", Plugin: "p", Action: "info"}))
	require.NoError(t, s.EnqueueCommand(&types.Command{ID: "c3", Hostname: "h2", Plugin: "p", Action: "shutdown"}))

	cmds, err := s.DrainCommands("h1")
	require.NoError(t, err)
	assert.Len(t, cmds, 2)

	cmds, err = s.DrainCommands("h1")
	require.NoError(t, err)
	assert.Empty(t, cmds)

	cmds, err = s.DrainCommands("h2")
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

func TestUserParamsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := &types.UserParam{
		Username: "alice", Category: "mail", Name: "smtp_host",
		Type: types.ParamTypeString, Value: "smtp.example.com",
	}
	require.NoError(t, s.PutParam(p))

	got, err := s.GetParam("alice", "mail", "smtp_host")
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", got.Value)

	p.Value = "smtp2.example.com"
	require.NoError(t, s.PutParam(p))
	got, err = s.GetParam("alice", "mail", "smtp_host")
	require.NoError(t, err)
	assert.Equal(t, "smtp2.example.com", got.Value)

	params, err := s.ListParams("alice")
	require.NoError(t, err)
	assert.Len(t, params, 1)

	require.NoError(t, s.DeleteParam("alice", "mail", "smtp_host"))
	_, err = s.GetParam("alice", "mail", "smtp_host")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "octopus.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s1.CreateTask(&types.Task{Owner: "alice", Plugin: "p"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Reopen: migration runs again over the existing schema.
	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	rows, total, err := s2.ListTasks(TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, rows, 1)
}
