package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/octopus-sh/octopus/pkg/events"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/metrics"
	"github.com/octopus-sh/octopus/pkg/storage"
	"github.com/octopus-sh/octopus/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultRetention is how long execution rows are kept before the sweep
// removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Ledger is the append-only record of execution attempts. Appending a
// terminal record derives the parent task's terminal state.
type Ledger struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	retention time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewLedger creates a ledger over the store
func NewLedger(store storage.Store, broker *events.Broker, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{
		store:     store,
		broker:    broker,
		logger:    log.Component("ledger"),
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Append records one attempt. When executionID is empty a fresh identifier
// is computed; workers reuse the identifier of the running record when
// reporting completion, which upgrades the row in place.
//
// Terminal statuses feed back into the parent task: Adhoc tasks become Done
// or Failed; Schedule tasks become Done only once past their end-of-window
// (the store's status guard backs this up).
func (l *Ledger) Append(executionID, taskID, worker, status, result string) (string, error) {
	if executionID == "" {
		executionID = types.ExecutionID(taskID, worker, time.Now())
	}

	exec := &types.Execution{
		ID:     executionID,
		TaskID: taskID,
		Worker: worker,
		Status: status,
		Result: result,
	}
	if err := l.store.AppendExecution(exec); err != nil {
		return "", fmt.Errorf("failed to append execution: %w", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(status).Inc()

	l.broker.Publish(&events.Event{
		Type:    events.EventExecutionPosted,
		TaskID:  taskID,
		Worker:  worker,
		Message: status,
	})

	if types.TerminalStatus(status) {
		l.deriveTaskState(taskID, worker, status, result)
	}

	return executionID, nil
}

// deriveTaskState folds a terminal execution outcome into the parent task.
// A missing parent is not an error: the task may have been deleted while
// the firing was in flight, and its late result is simply dropped.
func (l *Ledger) deriveTaskState(taskID, worker, status, result string) {
	task, err := l.store.GetTask(taskID)
	if err != nil {
		l.logger.Debug().Str("task_id", taskID).Msg("execution for unknown task ignored")
		return
	}

	// Broadcast tasks collect one execution per worker and never
	// auto-terminate; operators delete them when done.
	if task.Owner == types.OwnerAll || task.Executor == types.OwnerAll {
		return
	}

	now := types.Now()
	var state types.TaskState
	switch {
	case task.Kind == types.TaskKindAdhoc && types.SuccessLike(status):
		state = types.TaskStateDone
	case task.Kind == types.TaskKindAdhoc:
		state = types.TaskStateFailed
	case task.Recurring() && task.End > 0 && now > task.End:
		state = types.TaskStateDone
	default:
		// Recurring task mid-window stays Active.
		return
	}

	patch := types.TaskPatch{State: &state, Result: &result}
	if _, err := l.store.UpdateTask(taskID, patch); err != nil {
		l.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to derive task state")
		return
	}

	eventType := events.EventTaskCompleted
	if state == types.TaskStateFailed {
		eventType = events.EventTaskFailed
	}
	l.broker.Publish(&events.Event{
		Type:    eventType,
		TaskID:  taskID,
		Worker:  worker,
		Message: string(state),
	})
}

// List returns a filtered, paginated view of execution history.
func (l *Ledger) List(filter storage.ExecFilter) ([]*types.Execution, int, error) {
	return l.store.ListExecutions(filter)
}

// StartRetentionSweep begins the background loop that prunes executions
// older than the retention window.
func (l *Ledger) StartRetentionSweep(tick time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop stops the retention sweep
func (l *Ledger) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Ledger) sweep() {
	cutoff := types.Now() - l.retention.Seconds()
	n, err := l.store.DeleteExecutionsBefore(cutoff)
	if err != nil {
		l.logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if n > 0 {
		metrics.ExecutionsPruned.Add(float64(n))
		l.logger.Info().Int64("pruned", n).Msg("retention sweep removed old executions")
	}
}
