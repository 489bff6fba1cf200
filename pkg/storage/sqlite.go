package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/types"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database.
//
// All writes serialize through a single process-wide mutex; reads proceed in
// parallel against the WAL. The engine is additionally configured with a
// 30 second busy timeout so contending writers retry instead of failing.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and runs the
// idempotent schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: log.Component("store"),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Task operations

// CreateTask persists a new task and returns its coordinator-issued id.
// Identifiers are monotonically issued from a persisted counter.
func (s *SQLiteStore) CreateTask(task *types.Task) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRow(
		`UPDATE counters SET value = value + 1 WHERE name = 'task_id' RETURNING value`,
	).Scan(&next); err != nil {
		return "", fmt.Errorf("failed to issue task id: %w", err)
	}
	task.ID = fmt.Sprintf("t%06d", next)

	if task.State == "" {
		task.State = types.TaskStateCreated
	}
	if task.Action == "" {
		task.Action = "run"
	}
	now := types.Now()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	args, kwargs, err := marshalArgs(task.Args, task.Kwargs)
	if err != nil {
		return "", err
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (
			task_id, username, task_type, status, plugin, action,
			args, kwargs, executor, execution_start_time, execution_end_time,
			interval, cron, result, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Owner, task.Kind, task.State, task.Plugin, task.Action,
		args, kwargs, task.Executor, task.Start, task.End,
		task.IntervalSeconds, task.Cron, task.Result, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return task.ID, nil
}

// GetTask retrieves a task by id
func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE task_id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

// ListTasks returns a filtered, paginated page of tasks plus the total
// matching count. Sorted by created_at ascending (creation order).
func (s *SQLiteStore) ListTasks(filter TaskFilter) ([]*types.Task, int, error) {
	where, args := []string{"1=1"}, []any{}
	if filter.Owner != "" {
		where = append(where, "username = ?")
		args = append(args, filter.Owner)
	}
	if filter.Executor != "" {
		// Broadcast tasks are visible to every executor.
		where = append(where, "(executor = ? OR executor = ?)")
		args = append(args, filter.Executor, types.OwnerAll)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := taskSelect + ` WHERE ` + cond + ` ORDER BY created_at ASC`
	if filter.PerPage > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.PerPage, (page-1)*filter.PerPage)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	return tasks, total, rows.Err()
}

// UpdateTask applies a partial update atomically, enforcing the status
// guard: a recurring task mid-window never transitions to a terminal
// status, and a terminal task never reverts. Returns false when the task
// does not exist.
func (s *SQLiteStore) UpdateTask(id string, patch types.TaskPatch) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(taskSelect+` WHERE task_id = ?`, id)
	current, err := scanTask(row)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := types.Now()
	state := patch.State

	// Broadcast tasks are shared by every worker: a completing worker's
	// PUT must not finalize the task or claim its executor.
	if current.Executor == types.OwnerAll {
		if state != nil || patch.Executor != nil {
			s.logger.Info().
				Str("task_id", id).
				Msg("status/executor change on broadcast task suppressed")
		}
		state = nil
		patch.Executor = nil
	}

	if state != nil {
		requested := *state
		switch {
		case current.State.Terminal():
			// No terminal regression, ever.
			s.logger.Info().
				Str("task_id", id).
				Str("requested", string(requested)).
				Msg("status change on terminal task suppressed")
			state = nil
		case current.Recurring() && terminalish(requested) && !current.WindowClosed(now):
			// Status guard: a mid-window recurring task stays Active.
			s.logger.Info().
				Str("task_id", id).
				Str("requested", string(requested)).
				Float64("end_of_window", current.End).
				Msg("premature terminal status on recurring task suppressed")
			state = nil
		}
	}

	set, args := []string{"updated_at = ?"}, []any{now}
	if state != nil {
		set = append(set, "status = ?")
		args = append(args, normalizeState(*state))
	}
	if patch.Executor != nil {
		set = append(set, "executor = ?")
		args = append(args, *patch.Executor)
	}
	if patch.Result != nil {
		set = append(set, "result = ?")
		args = append(args, *patch.Result)
	}
	args = append(args, id)

	if _, err := tx.Exec(`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE task_id = ?`, args...); err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// DeleteTask removes a task and cascades to its executions.
func (s *SQLiteStore) DeleteTask(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM executions WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return tx.Commit()
}

// Execution operations

// AppendExecution inserts an execution row, or upgrades the existing row
// in place when the same execution_id is reported again (upsert semantics:
// the final row for a firing carries terminal status).
func (s *SQLiteStore) AppendExecution(exec *types.Execution) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := types.Now()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	// Terminal rows are frozen: a late or replayed running report must
	// not downgrade a completed execution.
	_, err := s.db.Exec(`
		INSERT INTO executions (execution_id, task_id, client, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			updated_at = excluded.updated_at
		WHERE executions.status NOT IN ('success', 'completed', 'done', 'failed', 'error')`,
		exec.ID, exec.TaskID, exec.Worker, exec.Status, exec.Result, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append execution: %w", err)
	}
	return nil
}

// UpdateExecution upgrades an existing execution row to a new status.
func (s *SQLiteStore) UpdateExecution(executionID, status, result string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(
		`UPDATE executions SET status = ?, result = ?, updated_at = ? WHERE execution_id = ?`,
		status, result, types.Now(), executionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution retrieves a single execution row
func (s *SQLiteStore) GetExecution(executionID string) (*types.Execution, error) {
	row := s.db.QueryRow(execSelect+` WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return exec, err
}

// ListExecutions returns a filtered, paginated page of executions plus the
// total matching count, sorted created_at DESC for UI presentation.
func (s *SQLiteStore) ListExecutions(filter ExecFilter) ([]*types.Execution, int, error) {
	where, args := []string{"1=1"}, []any{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Worker != "" {
		where = append(where, "client = ?")
		args = append(args, filter.Worker)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Search != "" {
		where = append(where, "result LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := execSelect + ` WHERE ` + cond + ` ORDER BY created_at DESC`
	if filter.PerPage > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.PerPage, (page-1)*filter.PerPage)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*types.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		execs = append(execs, exec)
	}
	return execs, total, rows.Err()
}

// DeleteExecutionsBefore removes executions older than the cutoff. Used by
// the retention sweep.
func (s *SQLiteStore) DeleteExecutionsBefore(cutoff float64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Worker operations

// UpsertHeartbeat records a heartbeat, keeping exactly one row per worker
// keyed by username.
func (s *SQLiteStore) UpsertHeartbeat(worker *types.Worker) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if worker.LastHeartbeat == 0 {
		worker.LastHeartbeat = types.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO workers (username, hostname, ip, cpu_percent, memory_percent, platform, client_version, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			hostname = excluded.hostname,
			ip = excluded.ip,
			cpu_percent = excluded.cpu_percent,
			memory_percent = excluded.memory_percent,
			platform = excluded.platform,
			client_version = excluded.client_version,
			last_heartbeat = excluded.last_heartbeat`,
		worker.Username, worker.Hostname, worker.IP, worker.CPUPercent,
		worker.MemPercent, worker.Platform, worker.ClientVersion, worker.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker row by username
func (s *SQLiteStore) GetWorker(username string) (*types.Worker, error) {
	row := s.db.QueryRow(workerSelect+` WHERE username = ?`, username)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return w, err
}

// ListWorkers returns all worker rows
func (s *SQLiteStore) ListWorkers() ([]*types.Worker, error) {
	rows, err := s.db.Query(workerSelect + ` ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// DeleteWorker removes a worker row
func (s *SQLiteStore) DeleteWorker(username string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM workers WHERE username = ?`, username)
	return err
}

// Command queue operations

// EnqueueCommand appends a control command to a hostname's queue
func (s *SQLiteStore) EnqueueCommand(cmd *types.Command) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cmd.CreatedAt == 0 {
		cmd.CreatedAt = types.Now()
	}
	args, kwargs, err := marshalArgs(cmd.Args, cmd.Kwargs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO commands (id, hostname, plugin, action, args, kwargs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Hostname, cmd.Plugin, cmd.Action, args, kwargs, cmd.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

// DrainCommands atomically returns and removes all queued commands for a
// hostname, oldest first. At-most-once delivery.
func (s *SQLiteStore) DrainCommands(hostname string) ([]*types.Command, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, hostname, plugin, action, args, kwargs, created_at
		FROM commands WHERE hostname = ? ORDER BY created_at ASC`, hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to read commands: %w", err)
	}

	var cmds []*types.Command
	for rows.Next() {
		var c types.Command
		var args, kwargs string
		if err := rows.Scan(&c.ID, &c.Hostname, &c.Plugin, &c.Action, &args, &kwargs, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if err := unmarshalArgs(args, kwargs, &c.Args, &c.Kwargs); err != nil {
			rows.Close()
			return nil, err
		}
		cmds = append(cmds, &c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM commands WHERE hostname = ?`, hostname); err != nil {
		return nil, fmt.Errorf("failed to drain commands: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return cmds, nil
}

// User parameter operations

// PutParam upserts a user parameter keyed by (username, category, name)
func (s *SQLiteStore) PutParam(param *types.UserParam) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := types.Now()
	if param.CreatedAt == 0 {
		param.CreatedAt = now
	}
	param.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO user_params (username, category, name, type, value, is_sensitive, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username, category, name) DO UPDATE SET
			type = excluded.type,
			value = excluded.value,
			is_sensitive = excluded.is_sensitive,
			updated_at = excluded.updated_at`,
		param.Username, param.Category, param.Name, param.Type, param.Value,
		param.IsSensitive, param.CreatedAt, param.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put param: %w", err)
	}
	return nil
}

// GetParam retrieves a user parameter
func (s *SQLiteStore) GetParam(username, category, name string) (*types.UserParam, error) {
	row := s.db.QueryRow(`
		SELECT username, category, name, type, value, is_sensitive, created_at, updated_at
		FROM user_params WHERE username = ? AND category = ? AND name = ?`,
		username, category, name)

	var p types.UserParam
	err := row.Scan(&p.Username, &p.Category, &p.Name, &p.Type, &p.Value, &p.IsSensitive, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListParams returns all parameters owned by a username
func (s *SQLiteStore) ListParams(username string) ([]*types.UserParam, error) {
	rows, err := s.db.Query(`
		SELECT username, category, name, type, value, is_sensitive, created_at, updated_at
		FROM user_params WHERE username = ? ORDER BY category, name`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list params: %w", err)
	}
	defer rows.Close()

	var params []*types.UserParam
	for rows.Next() {
		var p types.UserParam
		if err := rows.Scan(&p.Username, &p.Category, &p.Name, &p.Type, &p.Value, &p.IsSensitive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}
	return params, rows.Err()
}

// DeleteParam removes a user parameter
func (s *SQLiteStore) DeleteParam(username, category, name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM user_params WHERE username = ? AND category = ? AND name = ?`,
		username, category, name)
	return err
}

// Row scanning helpers

const taskSelect = `
	SELECT task_id, username, task_type, status, plugin, action, args, kwargs,
	       executor, execution_start_time, execution_end_time, interval, cron,
	       result, created_at, updated_at
	FROM tasks`

const execSelect = `
	SELECT execution_id, task_id, client, status, result, created_at, updated_at
	FROM executions`

const workerSelect = `
	SELECT username, hostname, ip, cpu_percent, memory_percent, platform, client_version, last_heartbeat
	FROM workers`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*types.Task, error) {
	var t types.Task
	var args, kwargs string
	err := row.Scan(
		&t.ID, &t.Owner, &t.Kind, &t.State, &t.Plugin, &t.Action,
		&args, &kwargs, &t.Executor, &t.Start, &t.End, &t.IntervalSeconds,
		&t.Cron, &t.Result, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalArgs(args, kwargs, &t.Args, &t.Kwargs); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanExecution(row scanner) (*types.Execution, error) {
	var e types.Execution
	err := row.Scan(&e.ID, &e.TaskID, &e.Worker, &e.Status, &e.Result, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanWorker(row scanner) (*types.Worker, error) {
	var w types.Worker
	err := row.Scan(&w.Username, &w.Hostname, &w.IP, &w.CPUPercent, &w.MemPercent, &w.Platform, &w.ClientVersion, &w.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func marshalArgs(args []any, kwargs map[string]any) (string, string, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	a, err := json.Marshal(args)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal args: %w", err)
	}
	k, err := json.Marshal(kwargs)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal kwargs: %w", err)
	}
	return string(a), string(k), nil
}

func unmarshalArgs(args, kwargs string, dstArgs *[]any, dstKwargs *map[string]any) error {
	*dstArgs = []any{}
	*dstKwargs = map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), dstArgs); err != nil {
			return fmt.Errorf("failed to unmarshal args: %w", err)
		}
	}
	if kwargs != "" {
		if err := json.Unmarshal([]byte(kwargs), dstKwargs); err != nil {
			return fmt.Errorf("failed to unmarshal kwargs: %w", err)
		}
	}
	return nil
}

// terminalish reports whether a requested task state counts as terminal for
// the purposes of the status guard. Covers both canonical states and the
// worker-reported spellings.
func terminalish(state types.TaskState) bool {
	return state.Terminal() ||
		types.SuccessLike(string(state)) ||
		types.FailureLike(string(state))
}

// normalizeState maps worker-reported status spellings onto canonical task
// states before writing.
func normalizeState(state types.TaskState) types.TaskState {
	switch {
	case types.SuccessLike(string(state)):
		return types.TaskStateDone
	case types.FailureLike(string(state)):
		return types.TaskStateFailed
	}
	return state
}
