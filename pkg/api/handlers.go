package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/octopus-sh/octopus/pkg/assign"
	"github.com/octopus-sh/octopus/pkg/events"
	"github.com/octopus-sh/octopus/pkg/metrics"
	"github.com/octopus-sh/octopus/pkg/params"
	"github.com/octopus-sh/octopus/pkg/storage"
	"github.com/octopus-sh/octopus/pkg/types"
)

type createTaskRequest struct {
	Owner    string          `json:"username"`
	Kind     types.TaskKind  `json:"task_type"`
	Plugin   string          `json:"plugin"`
	Action   string          `json:"action"`
	Args     json.RawMessage `json:"args"`
	Kwargs   json.RawMessage `json:"kwargs"`
	Executor string          `json:"executor"`
	Start    float64         `json:"execution_start_time"`
	End      float64         `json:"execution_end_time"`
	Interval int             `json:"interval"`
	Cron     string          `json:"cron"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Owner == "" {
		respondError(w, http.StatusBadRequest, "field username: required")
		return
	}
	if req.Plugin == "" {
		respondError(w, http.StatusBadRequest, "field plugin: required")
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = types.TaskKindAdhoc
	}
	if kind != types.TaskKindAdhoc && kind != types.TaskKindSchedule {
		respondError(w, http.StatusBadRequest, "field task_type: must be Adhoc or Schedule")
		return
	}

	args, kwargs, err := types.DecodeArgs(req.Args, req.Kwargs)
	if err != nil {
		respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if req.Cron != "" {
		if _, err := cron.ParseStandard(req.Cron); err != nil {
			respondError(w, http.StatusBadRequest, "field cron: %v", err)
			return
		}
	}

	task := &types.Task{
		Owner:           req.Owner,
		Kind:            kind,
		State:           types.TaskStateCreated,
		Plugin:          req.Plugin,
		Action:          req.Action,
		Args:            args,
		Kwargs:          kwargs,
		Executor:        req.Executor,
		Start:           req.Start,
		End:             req.End,
		IntervalSeconds: req.Interval,
		Cron:            req.Cron,
	}

	id, err := s.app.Store.CreateTask(task)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	metrics.TasksCreated.Inc()
	s.app.Broker.Publish(&events.Event{
		Type:   events.EventTaskCreated,
		TaskID: id,
		Worker: req.Owner,
	})

	respondJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	// Reads double as an assignment trigger so freshly created tasks bind
	// without waiting for the background tick.
	s.app.Engine.TryPass(false)

	q := r.URL.Query()
	tasks, _, err := s.app.Store.ListTasks(storage.TaskFilter{
		Owner:  q.Get("username"),
		Status: q.Get("status"),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	out := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		out[t.ID] = t
	}
	respondJSON(w, http.StatusOK, out)
}

type updateTaskRequest struct {
	Status   *string `json:"status"`
	Executor *string `json:"executor"`
	Result   *string `json:"result"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	patch := types.TaskPatch{Executor: req.Executor, Result: req.Result}
	if req.Status != nil {
		state := types.TaskState(*req.Status)
		patch.State = &state
	}

	// A missing task reports success=false rather than erroring; late
	// updates for deleted tasks are routine.
	applied, err := s.app.Store.UpdateTask(id, patch)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update task")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": applied})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.app.Store.DeleteTask(id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}

	s.app.Broker.Publish(&events.Event{Type: events.EventTaskDeleted, TaskID: id})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleClientTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	client := q.Get("client")
	if client == "" {
		respondError(w, http.StatusBadRequest, "field client: required")
		return
	}

	// A pull is also an assignment opportunity.
	s.app.Engine.TryPass(false)

	status := q.Get("status")
	if status == "" {
		status = string(types.TaskStateActive)
	}

	page, perPage := queryInt(r, "page"), queryInt(r, "per_page")
	tasks, total, err := s.app.Store.ListTasks(storage.TaskFilter{
		Executor: client,
		Status:   status,
		Page:     page,
		PerPage:  perPage,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"tasks":      tasks,
		"pagination": paginate(page, perPage, total),
	})
}

type executionResultRequest struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	Client      string `json:"client"`
	Status      string `json:"status"`
	Result      string `json:"result"`
}

// decodeExecutionResult accepts both the JSON body the bundled worker
// sends and the form encoding legacy clients use.
func decodeExecutionResult(r *http.Request) (*executionResultRequest, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var req executionResultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.New("malformed JSON body")
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errors.New("malformed form body")
	}
	return &executionResultRequest{
		ExecutionID: r.PostFormValue("execution_id"),
		TaskID:      r.PostFormValue("task_id"),
		Client:      r.PostFormValue("client"),
		Status:      r.PostFormValue("status"),
		Result:      r.PostFormValue("result"),
	}, nil
}

func (s *Server) handleExecutionResult(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecutionResult(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.TaskID == "" {
		respondError(w, http.StatusBadRequest, "field task_id: required")
		return
	}
	if req.Client == "" {
		respondError(w, http.StatusBadRequest, "field client: required")
		return
	}
	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "field status: required")
		return
	}

	id, err := s.app.Ledger.Append(req.ExecutionID, req.TaskID, req.Client, req.Status, req.Result)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record execution")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"execution_id": id})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, perPage := queryInt(r, "page"), queryInt(r, "per_page")

	execs, total, err := s.app.Ledger.List(storage.ExecFilter{
		Status:  q.Get("status"),
		Worker:  q.Get("client"),
		TaskID:  q.Get("task_id"),
		Search:  q.Get("search"),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*types.Execution{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"pagination": paginate(page, perPage, total),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var worker types.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if worker.Username == "" {
		respondError(w, http.StatusBadRequest, "field username: required")
		return
	}

	if err := s.app.Registry.Heartbeat(&worker); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	metrics.HeartbeatsTotal.Inc()
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleDrainCommands(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	cmds, err := s.app.Store.DrainCommands(hostname)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to drain commands")
		return
	}
	if cmds == nil {
		cmds = []*types.Command{}
	}
	respondJSON(w, http.StatusOK, cmds)
}

type enqueueCommandRequest struct {
	Plugin string          `json:"plugin"`
	Action string          `json:"action"`
	Args   json.RawMessage `json:"args"`
	Kwargs json.RawMessage `json:"kwargs"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	var req enqueueCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Plugin == "" {
		respondError(w, http.StatusBadRequest, "field plugin: required")
		return
	}

	args, kwargs, err := types.DecodeArgs(req.Args, req.Kwargs)
	if err != nil {
		respondError(w, http.StatusBadRequest, "%v", err)
		return
	}

	cmd := &types.Command{
		ID:       uuid.NewString(),
		Hostname: hostname,
		Plugin:   req.Plugin,
		Action:   req.Action,
		Args:     args,
		Kwargs:   kwargs,
	}
	if err := s.app.Store.EnqueueCommand(cmd); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}

	s.app.Broker.Publish(&events.Event{
		Type:    events.EventCommandQueued,
		Worker:  hostname,
		Message: req.Plugin,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type assignRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "malformed JSON body")
			return
		}
	}

	res, err := s.app.Engine.TryPass(req.Force)
	if errors.Is(err, assign.ErrLocked) {
		respondError(w, http.StatusConflict, "assignment pass already running")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "assignment pass failed")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleBroadcastGet(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Broadcast.Snapshot())
}

type broadcastSetRequest struct {
	Value any     `json:"value"`
	TTL   float64 `json:"ttl"` // seconds, 0 for the default
}

func (s *Server) handleBroadcastSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req broadcastSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	s.app.Broadcast.Set(key, req.Value, time.Duration(req.TTL*float64(time.Second)))
	respondJSON(w, http.StatusOK, map[string]any{})
}

// profileAccess enforces that callers only touch their own profile. The
// X-Client-ID header is logged for audit but carries no authority.
func profileAccess(r *http.Request, name string) bool {
	return r.Header.Get("X-Username") == name
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !profileAccess(r, name) {
		respondError(w, http.StatusForbidden, "profile access denied for %s", name)
		return
	}

	profile, ok := s.app.Profiles.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, "no profile for %s", name)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleProfileSet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !profileAccess(r, name) {
		respondError(w, http.StatusForbidden, "profile access denied for %s", name)
		return
	}

	var profile map[string]any
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	s.app.Profiles.Set(name, profile, 0)
	respondJSON(w, http.StatusOK, map[string]any{})
}

type workerView struct {
	*types.Worker
	Liveness types.Liveness `json:"liveness"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	workers := s.app.Registry.All()

	out := make([]workerView, 0, len(workers))
	for _, worker := range workers {
		out = append(out, workerView{Worker: worker, Liveness: worker.Classify(now)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	if err := s.app.Registry.Delete(username); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete worker")
		return
	}

	s.app.Broker.Publish(&events.Event{Type: events.EventWorkerRemoved, Worker: username})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.app.PluginManifests()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load plugin manifests")
		return
	}
	respondJSON(w, http.StatusOK, manifests)
}

// handleEvents streams coordinator events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.app.Broker.Subscribe()
	defer s.app.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func requester(r *http.Request) string {
	return r.Header.Get("X-Username")
}

func (s *Server) handleListParams(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	list, err := s.app.Params.List(requester(r), username)
	if errors.Is(err, params.ErrForbidden) {
		respondError(w, http.StatusForbidden, "parameter access denied for %s", username)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list parameters")
		return
	}
	if list == nil {
		list = []*types.UserParam{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetParam(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	category := chi.URLParam(r, "category")
	name := chi.URLParam(r, "name")

	param, err := s.app.Params.Get(requester(r), username, category, name)
	switch {
	case errors.Is(err, params.ErrForbidden):
		respondError(w, http.StatusForbidden, "parameter access denied for %s", username)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "parameter %s/%s not found", category, name)
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to read parameter")
	default:
		respondJSON(w, http.StatusOK, param)
	}
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	var param types.UserParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if param.Username == "" {
		respondError(w, http.StatusBadRequest, "field username: required")
		return
	}
	if param.Name == "" {
		respondError(w, http.StatusBadRequest, "field name: required")
		return
	}

	err := s.app.Params.Set(requester(r), &param)
	if errors.Is(err, params.ErrForbidden) {
		respondError(w, http.StatusForbidden, "parameter access denied for %s", param.Username)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store parameter")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleDeleteParam(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	category := chi.URLParam(r, "category")
	name := chi.URLParam(r, "name")

	err := s.app.Params.Delete(requester(r), username, category, name)
	switch {
	case errors.Is(err, params.ErrForbidden):
		respondError(w, http.StatusForbidden, "parameter access denied for %s", username)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "parameter %s/%s not found", category, name)
	case err != nil:
		respondError(w, http.StatusInternalServerError, "failed to delete parameter")
	default:
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
