package storage

import (
	"errors"

	"github.com/octopus-sh/octopus/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// TaskFilter narrows and pages task listings
type TaskFilter struct {
	Owner    string
	Executor string
	Status   string
	Page     int
	PerPage  int
}

// ExecFilter narrows and pages execution listings
type ExecFilter struct {
	Status  string
	Worker  string
	TaskID  string
	Search  string // free-text over result
	Page    int
	PerPage int
}

// Store defines durable persistence for tasks, executions, workers,
// command queues, and user parameters. No SQL leaks above this interface.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) (string, error)
	GetTask(id string) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, int, error)
	UpdateTask(id string, patch types.TaskPatch) (bool, error)
	DeleteTask(id string) error

	// Executions
	AppendExecution(exec *types.Execution) error
	UpdateExecution(executionID, status, result string) error
	GetExecution(executionID string) (*types.Execution, error)
	ListExecutions(filter ExecFilter) ([]*types.Execution, int, error)
	DeleteExecutionsBefore(cutoff float64) (int64, error)

	// Workers
	UpsertHeartbeat(worker *types.Worker) error
	GetWorker(username string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(username string) error

	// Command queue
	EnqueueCommand(cmd *types.Command) error
	DrainCommands(hostname string) ([]*types.Command, error)

	// User parameters
	PutParam(param *types.UserParam) error
	GetParam(username, category, name string) (*types.UserParam, error)
	ListParams(username string) ([]*types.UserParam, error)
	DeleteParam(username, category, name string) error

	// Utility
	Close() error
}
