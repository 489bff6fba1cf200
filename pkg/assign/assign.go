package assign

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/octopus-sh/octopus/pkg/events"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/metrics"
	"github.com/octopus-sh/octopus/pkg/registry"
	"github.com/octopus-sh/octopus/pkg/storage"
	"github.com/octopus-sh/octopus/pkg/types"
	"github.com/rs/zerolog"
)

// ErrLocked is returned when a pass is already in flight. Callers do not
// block on the assignment lock.
var ErrLocked = errors.New("assignment pass already running")

// MinPassInterval is the minimum spacing between passes unless forced.
const MinPassInterval = 2 * time.Second

// Result reports the counts of one assignment pass
type Result struct {
	Total            int  `json:"total"`
	UnassignedBefore int  `json:"unassigned_before"`
	AssignedAfter    int  `json:"assigned_after"`
	ActiveWorkers    int  `json:"active_workers"`
	Skipped          bool `json:"skipped,omitempty"`
}

// Engine binds tasks in state Created to concrete executors.
//
// A single non-reentrant lock guards a pass; concurrent requests that fail
// to acquire it return ErrLocked immediately. Passes are additionally
// rate-limited to one per MinPassInterval unless forced.
type Engine struct {
	store    storage.Store
	registry *registry.Registry
	broker   *events.Broker
	logger   zerolog.Logger

	mu       sync.Mutex // assignment lock, held across a whole pass
	lastPass time.Time

	pick func(n int) int // selection for ANYONE tasks, uniform by default

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an assignment engine
func NewEngine(store storage.Store, reg *registry.Registry, broker *events.Broker) *Engine {
	return &Engine{
		store:    store,
		registry: reg,
		broker:   broker,
		logger:   log.Component("assign"),
		pick:     rand.IntN,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic background pass loop
func (e *Engine) Start(tick time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := e.TryPass(false); err != nil && !errors.Is(err, ErrLocked) {
					e.logger.Error().Err(err).Msg("background assignment pass failed")
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop stops the background loop
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// TryPass runs one assignment pass if the lock is free and the rate limit
// allows. force skips the rate limit, never the lock.
func (e *Engine) TryPass(force bool) (*Result, error) {
	if !e.mu.TryLock() {
		return nil, ErrLocked
	}
	defer e.mu.Unlock()

	if !force && time.Since(e.lastPass) < MinPassInterval {
		return &Result{Skipped: true}, nil
	}
	e.lastPass = time.Now()

	timer := time.Now()
	res, err := e.pass()
	metrics.AssignmentDuration.Observe(time.Since(timer).Seconds())
	metrics.AssignmentPassesTotal.Inc()
	if err != nil {
		return nil, err
	}

	if res.AssignedAfter > 0 {
		e.logger.Info().
			Int("assigned", res.AssignedAfter).
			Int("unassigned_before", res.UnassignedBefore).
			Int("active_workers", res.ActiveWorkers).
			Msg("assignment pass bound tasks")
	}
	return res, nil
}

// observeGauges refreshes the task and worker population gauges from the
// snapshot the pass already holds.
func (e *Engine) observeGauges(tasks []*types.Task) {
	metrics.TasksTotal.Reset()
	for _, t := range tasks {
		metrics.TasksTotal.WithLabelValues(string(t.State)).Inc()
	}

	now := time.Now()
	metrics.WorkersTotal.Reset()
	for _, w := range e.registry.All() {
		metrics.WorkersTotal.WithLabelValues(string(w.Classify(now))).Inc()
	}
}

// pass snapshots non-terminal tasks and the active worker set, then walks
// tasks in creation order applying the binding policy.
func (e *Engine) pass() (*Result, error) {
	tasks, total, err := e.store.ListTasks(storage.TaskFilter{})
	if err != nil {
		return nil, err
	}

	online := e.registry.ActiveWorkers(types.OnlineWindow)
	onlineSet := make(map[string]bool, len(online))
	for _, w := range online {
		onlineSet[w.Username] = true
	}

	e.observeGauges(tasks)

	res := &Result{Total: total, ActiveWorkers: len(online)}

	for _, task := range tasks {
		if task.State.Terminal() {
			continue
		}
		if task.State == types.TaskStateCreated && task.Executor == "" {
			res.UnassignedBefore++
		}

		var executor string
		switch {
		case task.Owner == types.OwnerAll && task.Executor == "":
			executor = types.OwnerAll

		case task.Owner == types.OwnerAnyone && task.Executor == "" && len(online) > 0:
			executor = online[e.pick(len(online))].Username

		case task.Owner != types.OwnerAll && task.Owner != types.OwnerAnyone &&
			task.State == types.TaskStateCreated && onlineSet[task.Owner]:
			executor = task.Owner

		default:
			// Specific owner offline, or ANYONE with no online workers:
			// leave the task untouched. It waits indefinitely.
			continue
		}

		state := types.TaskStateActive
		ok, err := e.store.UpdateTask(task.ID, types.TaskPatch{State: &state, Executor: &executor})
		if err != nil {
			e.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to bind task")
			continue
		}
		if !ok {
			continue // deleted underneath the pass
		}

		res.AssignedAfter++
		metrics.TasksAssigned.Inc()
		e.broker.Publish(&events.Event{
			Type:     events.EventTaskAssigned,
			TaskID:   task.ID,
			Worker:   executor,
			Message:  "task bound to executor",
			Metadata: map[string]string{"owner": task.Owner},
		})
	}

	return res, nil
}
