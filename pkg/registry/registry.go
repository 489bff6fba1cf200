package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/storage"
	"github.com/octopus-sh/octopus/pkg/types"
	"github.com/rs/zerolog"
)

// Registry maintains the current view of all workers and their liveness.
// Heartbeats upsert the store row keyed by username; an in-memory mirror of
// the last-known state serves reads and is refreshed at process start.
type Registry struct {
	store  storage.Store
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*types.Worker
}

// NewRegistry creates a registry and warms its cache from the store.
func NewRegistry(store storage.Store) (*Registry, error) {
	r := &Registry{
		store:  store,
		logger: log.Component("registry"),
		cache:  make(map[string]*types.Worker),
	}

	workers, err := store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to warm worker cache: %w", err)
	}
	for _, w := range workers {
		r.cache[w.Username] = w
	}
	return r, nil
}

// Heartbeat records a worker heartbeat: stamps last_heartbeat, upserts the
// store row, and refreshes the cache. A failed store write is reported to
// the caller but does not evict the cached entry; the cache converges on
// the next successful heartbeat.
func (r *Registry) Heartbeat(worker *types.Worker) error {
	worker.LastHeartbeat = types.Now()

	if err := r.store.UpsertHeartbeat(worker); err != nil {
		r.logger.Warn().Err(err).Str("worker", worker.Username).Msg("heartbeat write failed")
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}

	r.mu.Lock()
	r.cache[worker.Username] = worker
	r.mu.Unlock()

	return nil
}

// ActiveWorkers returns workers whose heartbeat is within the timeout.
func (r *Registry) ActiveWorkers(timeout time.Duration) []*types.Worker {
	now := types.Now()
	cutoff := now - timeout.Seconds()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*types.Worker
	for _, w := range r.cache {
		if w.LastHeartbeat >= cutoff {
			active = append(active, w)
		}
	}
	return active
}

// Online reports whether a specific worker is currently online.
func (r *Registry) Online(username string) bool {
	r.mu.RLock()
	w, ok := r.cache[username]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return w.Classify(time.Now()) == types.LivenessOnline
}

// ByUsername returns the last-known state of a worker, or nil.
func (r *Registry) ByUsername(username string) *types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[username]
}

// All returns every known worker with its derived liveness.
func (r *Registry) All() []*types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]*types.Worker, 0, len(r.cache))
	for _, w := range r.cache {
		workers = append(workers, w)
	}
	return workers
}

// Delete removes a worker from the store and the cache.
func (r *Registry) Delete(username string) error {
	if err := r.store.DeleteWorker(username); err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	r.mu.Lock()
	delete(r.cache, username)
	r.mu.Unlock()
	return nil
}
