// Package api exposes the coordinator's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/octopus-sh/octopus/pkg/coordinator"
	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/metrics"
)

// Server is the coordinator's HTTP surface. Handlers receive the app
// context's components as dependencies and hold no state of their own.
type Server struct {
	app    *coordinator.Coordinator
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the HTTP server over the app context
func NewServer(app *coordinator.Coordinator) *Server {
	s := &Server{
		app:    app,
		logger: log.Component("api"),
	}
	s.http = &http.Server{
		Addr:              app.Config.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks", s.handleListTasks)
	r.Put("/tasks/{id}", s.handleUpdateTask)
	r.Delete("/tasks/{id}", s.handleDeleteTask)
	r.Get("/client-tasks", s.handleClientTasks)

	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/commands/{hostname}", s.handleDrainCommands)
	r.Post("/commands/{hostname}", s.handleEnqueueCommand)

	r.Route("/api", func(r chi.Router) {
		r.Post("/execution-results", s.handleExecutionResult)
		r.Get("/executions", s.handleListExecutions)
		r.Post("/tasks/assign", s.handleAssign)

		r.Get("/cache/broadcast", s.handleBroadcastGet)
		r.Post("/cache/broadcast/{key}", s.handleBroadcastSet)
		r.Get("/cache/user/{name}/profile", s.handleProfileGet)
		r.Post("/cache/user/{name}/profile", s.handleProfileSet)

		r.Get("/workers", s.handleListWorkers)
		r.Delete("/workers/{username}", s.handleDeleteWorker)

		r.Get("/plugins", s.handlePlugins)
		r.Get("/events", s.handleEvents)

		r.Get("/params/{username}", s.handleListParams)
		r.Get("/params/{username}/{category}/{name}", s.handleGetParam)
		r.Delete("/params/{username}/{category}/{name}", s.handleDeleteParam)
		r.Post("/params", s.handleSetParam)
	})

	return r
}

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// shutdown like the underlying server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument records request metrics and an access log line
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes v as the JSON response body
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// respondError writes the uniform {"error": ...} body
func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	respondJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// pagination echoes back the effective paging of a list response
type pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func paginate(page, perPage, total int) pagination {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	pages := total / perPage
	if total%perPage > 0 {
		pages++
	}
	return pagination{Page: page, PerPage: perPage, Total: total, TotalPages: pages}
}

// queryInt parses an integer query parameter, 0 when absent or malformed
func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
