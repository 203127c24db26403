// Package metrics provides Prometheus metrics for the automation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts workflow executions by final status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "executions_total",
			Help:      "Total number of workflow executions by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// ExecutionsActive tracks currently running workflow executions.
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "executions_active",
			Help:      "Number of currently running workflow executions",
		},
	)

	// ExecutionDuration tracks workflow execution duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// SLAWarningsTotal counts SLA warnings fired per definition.
	SLAWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "sla_warnings_total",
			Help:      "Total number of SLA warnings fired",
		},
		[]string{"definition"},
	)

	// SLAEscalationsTotal counts SLA escalations fired per definition.
	SLAEscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "sla_escalations_total",
			Help:      "Total number of SLA escalations fired",
		},
		[]string{"definition"},
	)

	// TasksTotal counts orchestrated tasks by final status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "tasks_total",
			Help:      "Total number of orchestrated tasks by final status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// TaskDuration tracks task handler execution duration.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "task_duration_seconds",
			Help:      "Task handler execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// TaskRetries tracks retry attempts per task.
	TaskRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "task_retries",
			Help:      "Number of retry attempts per task",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// QueueDepth tracks pending tasks per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "queue_depth",
			Help:      "Number of tasks pending dispatch per queue",
		},
		[]string{"queue"},
	)

	// EventsTotal counts processed events by final status.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "events_total",
			Help:      "Total number of processed events by final status",
		},
		[]string{"status"}, // "processed", "failed", "dead_letter"
	)

	// EventProcessingDuration tracks inbound event processing latency.
	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "event_processing_duration_seconds",
			Help:      "Event processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	// JobRunsTotal counts scheduled job runs by status.
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "job_runs_total",
			Help:      "Total number of scheduled job runs by status",
		},
		[]string{"status"}, // "completed", "failed", "timeout", "cancelled"
	)

	// JobsPaused tracks jobs auto-paused after consecutive failures.
	JobsPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "jobs_paused",
			Help:      "Number of jobs auto-paused and flagged for attention",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open execution log streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long SSE connections stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "sse_connection_duration_seconds",
			Help:      "Duration of SSE connections in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// ArchivedExecutionsTotal counts terminal executions swept to archive.
	ArchivedExecutionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glacestorm",
			Subsystem: "automation",
			Name:      "archived_executions_total",
			Help:      "Total number of terminal executions archived",
		},
	)
)
