package types

import (
	"time"
)

// TaskType distinguishes how a task's work is organized.
type TaskType string

const (
	TaskTypeBatch       TaskType = "batch"
	TaskTypeParallel    TaskType = "parallel"
	TaskTypeSequential  TaskType = "sequential"
	TaskTypeDistributed TaskType = "distributed"
)

// TaskPriority orders dispatch within a queue.
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// Rank returns the numeric dispatch rank; higher is dispatched first.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 3
	case TaskPriorityHigh:
		return 2
	case TaskPriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of an orchestrated task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Well-known task tag keys linking a task back to its trigger.
const (
	TagExecutionID = "execution_id"
	TagNodeID      = "node_id"
	TagEventID     = "event_id"
	TagHandlerID   = "handler_id"
	TagJobID       = "job_id"
	TagJobExecID   = "job_execution_id"
)

// OrchestratedTask is an atomic, independently schedulable unit of work.
// Created by any trigger; owned by the task orchestrator until terminal.
// Terminal tasks are retained for audit, never reused.
type OrchestratedTask struct {
	ID       string       `json:"id"`
	Name     string       `json:"task_name"`
	Type     TaskType     `json:"type"`
	Priority TaskPriority `json:"priority"`
	Status   TaskStatus   `json:"status"`
	Queue    string       `json:"queue_name"`

	// Dependencies lists task ids that must be completed before this
	// task becomes ready.
	Dependencies []string `json:"dependencies,omitempty"`

	AssignedWorker string `json:"assigned_worker,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// RetryBackoff is the base delay before a retried task becomes
	// ready again; doubled per attempt.
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`

	// NotBefore delays dispatch until the given instant (retry backoff).
	NotBefore *time.Time `json:"not_before,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`

	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`
	ErrorLog   []string       `json:"error_log,omitempty"`

	// Tags link the task to its trigger (execution, event, job).
	Tags map[string]string `json:"tags,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	StoreVersion int64 `json:"store_version"`
}

// QueueHealth is derived from the pending/capacity ratio.
type QueueHealth string

const (
	QueueHealthHealthy    QueueHealth = "healthy"
	QueueHealthDegraded   QueueHealth = "degraded"
	QueueHealthOverloaded QueueHealth = "overloaded"
)

// TaskQueue is a point-in-time view of one logical queue partition.
type TaskQueue struct {
	Name             string      `json:"queue_name"`
	Capacity         int         `json:"capacity"`
	Pending          int         `json:"pending_tasks"`
	Active           int         `json:"active_tasks"`
	WorkersAvailable int         `json:"workers_available"`
	Health           QueueHealth `json:"health"`
}

// HealthFor derives queue health from a pending count and capacity.
// Above 80% of capacity the queue is degraded; at or above capacity,
// overloaded.
func HealthFor(pending, capacity int) QueueHealth {
	if capacity <= 0 {
		return QueueHealthHealthy
	}
	switch {
	case pending >= capacity:
		return QueueHealthOverloaded
	case float64(pending) > 0.8*float64(capacity):
		return QueueHealthDegraded
	default:
		return QueueHealthHealthy
	}
}
