package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octopus_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octopus_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octopus_workers_total",
			Help: "Total number of workers by liveness",
		},
		[]string{"liveness"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octopus_heartbeats_total",
			Help: "Total number of heartbeats received",
		},
	)

	// Assignment metrics
	AssignmentPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octopus_assignment_passes_total",
			Help: "Total number of assignment passes run",
		},
	)

	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octopus_assignment_duration_seconds",
			Help:    "Assignment pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octopus_tasks_assigned_total",
			Help: "Total number of tasks bound to an executor",
		},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octopus_executions_total",
			Help: "Total number of execution records by status",
		},
		[]string{"status"},
	)

	ExecutionsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octopus_executions_pruned_total",
			Help: "Total number of execution records removed by retention",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octopus_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octopus_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(AssignmentPassesTotal)
	prometheus.MustRegister(AssignmentDuration)
	prometheus.MustRegister(TasksAssigned)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionsPruned)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
