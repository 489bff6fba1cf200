// Package scheduler turns a worker's assigned task set into timed plugin
// invocations: one-shot firings for Adhoc tasks, windowed interval or cron
// firings for Schedule tasks.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/plugin"
	"github.com/octopus-sh/octopus/pkg/types"
)

const (
	// SyncInterval is how often the scheduler pulls its assigned tasks.
	SyncInterval = 10 * time.Second

	// FireGrace bounds how late a missed firing may still run. Instants
	// older than this are dropped, not replayed.
	FireGrace = 60 * time.Second

	// DefaultPeriod applies to Schedule tasks that carry no interval.
	DefaultPeriod = 60 * time.Second
)

// Coordinator is the slice of the coordinator API the scheduler needs.
// The worker wires in a client.Client; tests wire in a fake.
type Coordinator interface {
	FetchTasks(ctx context.Context) ([]*types.Task, error)
	PostExecution(ctx context.Context, exec *types.Execution) error
	UpdateTask(ctx context.Context, taskID string, patch map[string]any) error
}

// JobHandle is one registered task inside the scheduler. The inFlight flag
// enforces that two firings of the same task never overlap.
type JobHandle struct {
	task     *types.Task
	inFlight atomic.Bool
	cancel   context.CancelFunc
}

// Scheduler turns the worker's assigned task set into timed plugin
// invocations.
type Scheduler struct {
	coord    Coordinator
	plugins  *plugin.Registry
	proc     *plugin.Processor
	username string
	logger   zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*JobHandle

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a scheduler for the given worker identity
func New(coord Coordinator, plugins *plugin.Registry, proc *plugin.Processor, username string) *Scheduler {
	return &Scheduler{
		coord:    coord,
		plugins:  plugins,
		proc:     proc,
		username: username,
		logger:   log.Component("scheduler").With().Str("worker", username).Logger(),
		jobs:     make(map[string]*JobHandle),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start runs the sync loop until Stop is called
func (s *Scheduler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = SyncInterval
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Sync(context.Background()); err != nil {
					s.logger.Warn().Err(err).Msg("task sync failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info().Dur("interval", interval).Msg("scheduler started")
}

// Stop cancels every registered job and waits for the sync loop to exit.
// In-flight firings run to completion.
func (s *Scheduler) Stop() {
	close(s.stopCh)

	s.mu.Lock()
	for id, h := range s.jobs {
		h.cancel()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Registered returns the task ids with a live job handle, for inspection
func (s *Scheduler) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Sync reconciles the registration map against the coordinator's current
// view of this worker's assigned tasks.
func (s *Scheduler) Sync(ctx context.Context) error {
	tasks, err := s.coord.FetchTasks(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true

		if t.State != types.TaskStateActive {
			s.deregister(t.ID)
			continue
		}
		s.register(t)
	}

	// Tasks that fell out of the assigned list lose their handles.
	s.mu.Lock()
	for id, h := range s.jobs {
		if !seen[id] {
			h.cancel()
			delete(s.jobs, id)
			s.logger.Debug().Str("task_id", id).Msg("deregistered job")
		}
	}
	s.mu.Unlock()

	return nil
}

// register adds a job handle for the task unless one already exists
func (s *Scheduler) register(t *types.Task) {
	s.mu.Lock()
	if _, ok := s.jobs[t.ID]; ok {
		s.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &JobHandle{task: t, cancel: cancel}
	s.jobs[t.ID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, h)
	}()

	s.logger.Info().
		Str("task_id", t.ID).
		Str("kind", string(t.Kind)).
		Str("plugin", t.Plugin).
		Msg("registered job")
}

func (s *Scheduler) deregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.jobs[taskID]; ok {
		h.cancel()
		delete(s.jobs, taskID)
		s.logger.Debug().Str("task_id", taskID).Msg("deregistered job")
	}
}

// run drives a handle's trigger until it completes or is cancelled
func (s *Scheduler) run(ctx context.Context, h *JobHandle) {
	if h.task.Recurring() {
		s.runSchedule(ctx, h)
		return
	}
	s.runAdhoc(ctx, h)
}

// runAdhoc fires once at the task's start instant. A start in the past
// fires immediately within the grace window and is dropped beyond it.
func (s *Scheduler) runAdhoc(ctx context.Context, h *JobHandle) {
	now := s.now()
	fireAt := now
	if h.task.Start > 0 {
		fireAt = types.TimeOf(h.task.Start)
	}

	if late := now.Sub(fireAt); late > FireGrace {
		s.logger.Warn().
			Str("task_id", h.task.ID).
			Dur("late_by", late).
			Msg("dropping one-shot past grace window")
		return
	}

	if wait := fireAt.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	s.fire(ctx, h)
	s.deregister(h.task.ID)
}

// runSchedule fires the task on its period inside the start/end window.
// A cron expression, when present, replaces the fixed period.
func (s *Scheduler) runSchedule(ctx context.Context, h *JobHandle) {
	if h.task.Cron != "" {
		s.runCron(ctx, h)
		return
	}

	period := time.Duration(h.task.IntervalSeconds) * time.Second
	if period <= 0 {
		period = DefaultPeriod
	}

	if h.task.Start > 0 {
		if wait := types.TimeOf(h.task.Start).Sub(s.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			timer.Stop()
		}
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if h.task.WindowClosed(types.Now()) {
			s.logger.Info().Str("task_id", h.task.ID).Msg("schedule window closed")
			return
		}

		s.fire(ctx, h)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context, h *JobHandle) {
	sched, err := cron.ParseStandard(h.task.Cron)
	if err != nil {
		s.logger.Error().Err(err).
			Str("task_id", h.task.ID).
			Str("cron", h.task.Cron).
			Msg("invalid cron expression")
		return
	}

	for {
		if h.task.WindowClosed(types.Now()) {
			s.logger.Info().Str("task_id", h.task.ID).Msg("schedule window closed")
			return
		}

		next := sched.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()

		s.fire(ctx, h)
	}
}

// fire performs one execution of the task: report running, invoke the
// plugin, translate the result, report the terminal outcome under the same
// execution id, then update the task record.
func (s *Scheduler) fire(ctx context.Context, h *JobHandle) {
	if !h.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug().Str("task_id", h.task.ID).Msg("previous firing still running, skipping")
		return
	}
	defer h.inFlight.Store(false)

	t := h.task
	execID := types.ExecutionID(t.ID, s.username, s.now())

	if err := s.coord.PostExecution(ctx, &types.Execution{
		ID:     execID,
		TaskID: t.ID,
		Worker: s.username,
		Status: string(types.ExecStatusRunning),
	}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to report running execution")
	}

	status, result := s.invoke(ctx, t)

	if err := s.coord.PostExecution(ctx, &types.Execution{
		ID:     execID,
		TaskID: t.ID,
		Worker: s.username,
		Status: status,
		Result: result,
	}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to report terminal execution")
	}

	// The task id rides in the URL path, never inferred from the body.
	// The coordinator's status guard keeps mid-window recurring tasks Active.
	if err := s.coord.UpdateTask(ctx, t.ID, map[string]any{
		"status":   status,
		"result":   result,
		"executor": s.username,
	}); err != nil {
		s.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to update task record")
	}

	s.logger.Info().
		Str("task_id", t.ID).
		Str("execution_id", execID).
		Str("status", status).
		Msg("task fired")
}

// invoke resolves and runs the plugin action, translating the outcome.
// A missing plugin or action is a failed execution with a descriptive
// result, not a scheduler error.
func (s *Scheduler) invoke(ctx context.Context, t *types.Task) (status, result string) {
	fn, err := s.plugins.Resolve(t.Plugin, t.Action)
	if err != nil {
		return string(types.ExecStatusFailed), err.Error()
	}

	ret, err := fn(ctx, plugin.Invocation{
		TaskID: t.ID,
		Worker: s.username,
		Args:   t.Args,
		Kwargs: t.Kwargs,
	})
	if err != nil {
		return string(types.ExecStatusFailed), err.Error()
	}

	return s.proc.Process(t.ID, s.username, ret)
}
