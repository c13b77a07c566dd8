// Package metrics holds the Prometheus collectors of the sync pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task execution metrics
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_tasks_total",
		Help: "Total number of task attempts by result (success, retry, exhausted)",
	}, []string{"task_type", "result"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsync_task_duration_seconds",
		Help:    "Duration of task attempts",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"task_type"})

	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_tasks_enqueued_total",
		Help: "Total number of tasks enqueued",
	}, []string{"task_type"})

	// Sync outcome metrics
	FilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_files_processed_total",
		Help: "Total number of files processed by outcome",
	}, []string{"outcome"})

	SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_sessions_finalized_total",
		Help: "Total number of sync sessions finalized by resulting source status",
	}, []string{"sync_type", "status"})

	CleanupFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_cleanup_files_total",
		Help: "Total number of files removed by drive source cleanup",
	}, []string{"result"})

	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_lease_conflicts_total",
		Help: "Total number of orchestration tasks deferred because the agent lease was held",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
