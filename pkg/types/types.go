package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Owner sentinels. A task owner is either a concrete username or one of these.
const (
	// OwnerAnyone marks a task that may be bound to any single online worker.
	OwnerAnyone = "ANYONE"

	// OwnerAll marks a broadcast task executed by every online worker.
	OwnerAll = "ALL"
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateCreated TaskState = "Created"
	TaskStateActive  TaskState = "Active"
	TaskStateDone    TaskState = "Done"
	TaskStateFailed  TaskState = "Failed"
)

// Terminal reports whether the state is final. Terminal tasks are never
// reassigned and never revert.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateDone, TaskStateFailed:
		return true
	}
	// Workers historically report "success" through the task PUT path.
	return s == "success"
}

// TaskKind distinguishes one-shot from recurring tasks
type TaskKind string

const (
	TaskKindAdhoc    TaskKind = "Adhoc"
	TaskKindSchedule TaskKind = "Schedule"
)

// Task is the unit of intended work dispatched by the coordinator
type Task struct {
	ID     string    `json:"task_id"`
	Owner  string    `json:"username"`
	Kind   TaskKind  `json:"task_type"`
	State  TaskState `json:"status"`
	Plugin string    `json:"plugin"`
	Action string    `json:"action"`

	// Args and Kwargs are normalized at the API boundary: a JSON array and
	// a JSON object. Legacy stringified encodings are rejected with a 400.
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`

	// Executor is the bound worker username, empty until assignment, or
	// OwnerAll for broadcast tasks.
	Executor string `json:"executor"`

	// Scheduling window. Start and End are epoch seconds; zero means unset.
	// IntervalSeconds paces recurring firings. Cron, when set on a Schedule
	// task, overrides the fixed interval.
	Start           float64 `json:"execution_start_time"`
	End             float64 `json:"execution_end_time"`
	IntervalSeconds int     `json:"interval"`
	Cron            string  `json:"cron,omitempty"`

	// Result is the last-known result snapshot. The authoritative history
	// lives in the execution ledger.
	Result string `json:"result"`

	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// Recurring reports whether the task is a Schedule task.
func (t *Task) Recurring() bool { return t.Kind == TaskKindSchedule }

// WindowClosed reports whether the task's end-of-window has passed.
// Tasks without an end-of-window never close.
func (t *Task) WindowClosed(now float64) bool {
	return t.End > 0 && now > t.End
}

// TaskPatch is a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	State    *TaskState `json:"status,omitempty"`
	Executor *string    `json:"executor,omitempty"`
	Result   *string    `json:"result,omitempty"`
}

// ExecStatus represents the status of a single execution attempt
type ExecStatus string

const (
	ExecStatusRunning   ExecStatus = "running"
	ExecStatusSuccess   ExecStatus = "success"
	ExecStatusFailed    ExecStatus = "failed"
	ExecStatusCancelled ExecStatus = "cancelled"
)

// SuccessLike reports whether a reported status counts as a successful
// terminal outcome. Workers report a handful of spellings.
func SuccessLike(status string) bool {
	switch status {
	case "success", "completed", "done":
		return true
	}
	return false
}

// FailureLike reports whether a reported status counts as a failed
// terminal outcome.
func FailureLike(status string) bool {
	switch status {
	case "failed", "error":
		return true
	}
	return false
}

// TerminalStatus reports whether a reported execution status is final.
func TerminalStatus(status string) bool {
	return SuccessLike(status) || FailureLike(status)
}

// Execution is one attempt to run a task on a worker
type Execution struct {
	ID        string  `json:"execution_id"`
	TaskID    string  `json:"task_id"`
	Worker    string  `json:"client"`
	Status    string  `json:"status"`
	Result    string  `json:"result"`
	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`
}

// ExecutionID builds the globally unique execution identifier for one
// firing of a task on a worker.
func ExecutionID(taskID, worker string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", taskID, worker, at.UnixMilli())
}

// Worker is an addressable execution endpoint, keyed by username
type Worker struct {
	Username      string  `json:"username"`
	Hostname      string  `json:"hostname"`
	IP            string  `json:"ip"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"memory_percent"`
	Platform      string  `json:"platform"`
	ClientVersion string  `json:"client_version"`
	LastHeartbeat float64 `json:"last_heartbeat"`
}

// Liveness classifies a worker by heartbeat age
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessIdle    Liveness = "idle"
	LivenessOffline Liveness = "offline"
)

// Liveness windows.
const (
	OnlineWindow = 60 * time.Second
	IdleWindow   = 300 * time.Second
)

// Classify derives a worker's liveness at the given instant.
func (w *Worker) Classify(now time.Time) Liveness {
	age := now.Sub(TimeOf(w.LastHeartbeat))
	switch {
	case age <= OnlineWindow:
		return LivenessOnline
	case age <= IdleWindow:
		return LivenessIdle
	}
	return LivenessOffline
}

// Command is a plugin-level control message queued per hostname
type Command struct {
	ID        string         `json:"id"`
	Hostname  string         `json:"hostname"`
	Plugin    string         `json:"plugin"`
	Action    string         `json:"action"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	CreatedAt float64        `json:"created_at"`
}

// ParamType enumerates user parameter value types
type ParamType string

const (
	ParamTypeString ParamType = "string"
	ParamTypeInt    ParamType = "integer"
	ParamTypeFloat  ParamType = "float"
	ParamTypeBool   ParamType = "boolean"
	ParamTypeJSON   ParamType = "json"
)

// UserParam is a keyed configuration value owned by a username.
// Sensitive values are obfuscated at rest with a process-local key; this is
// an opacity boundary, not a security boundary.
type UserParam struct {
	Username    string    `json:"username"`
	Category    string    `json:"category"`
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Value       string    `json:"value"`
	IsSensitive bool      `json:"is_sensitive"`
	CreatedAt   float64   `json:"created_at"`
	UpdatedAt   float64   `json:"updated_at"`
}

// Now returns the current instant as float seconds since epoch, the
// timestamp representation used throughout the store.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// TimeOf converts float epoch seconds back to a time.Time.
func TimeOf(epoch float64) time.Time {
	return time.Unix(0, int64(epoch*float64(time.Second)))
}

// DecodeArgs validates the structured args/kwargs encoding. It rejects the
// legacy stringified representations with an error naming the bad field.
func DecodeArgs(rawArgs, rawKwargs json.RawMessage) ([]any, map[string]any, error) {
	args := []any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, nil, fmt.Errorf("field args: expected JSON array")
		}
	}
	kwargs := map[string]any{}
	if len(rawKwargs) > 0 {
		if err := json.Unmarshal(rawKwargs, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("field kwargs: expected JSON object")
		}
	}
	return args, kwargs, nil
}
