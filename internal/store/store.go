// Package store provides durable state for definitions, executions,
// tasks, events, and jobs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")

	// ErrVersionConflict signals that a conditional update lost the
	// race; the caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotClaimable signals that a task claim found the task no
	// longer queued.
	ErrNotClaimable = errors.New("task not claimable")
)

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Queue    string
	Status   types.TaskStatus
	TagKey   string
	TagValue string
	Limit    int
}

// EventFilter narrows ListProcessedEvents results.
type EventFilter struct {
	Name   string
	Status types.EventStatus
	Limit  int
}

// Store is the single shared mutable resource of the engine. Every
// state transition that matters for correctness (task claim, execution
// cursor advance, job next-run update) is an atomic conditional update
// keyed on a version or status field, retried on conflict.
// Implementations must be safe for concurrent use.
type Store interface {
	// Process definitions (immutable once active; edits create versions)
	CreateDefinition(ctx context.Context, def *types.ProcessDefinition) error
	GetDefinition(ctx context.Context, id string) (*types.ProcessDefinition, error)
	GetDefinitionVersion(ctx context.Context, id string, version int) (*types.ProcessDefinition, error)
	// ActivateDefinition makes the given version the one new
	// executions use; any previously active version is deactivated.
	ActivateDefinition(ctx context.Context, id string, version int) (*types.ProcessDefinition, error)
	ListDefinitions(ctx context.Context) ([]*types.ProcessDefinition, error)

	// Workflow executions
	CreateExecution(ctx context.Context, exec *types.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error)
	ListExecutions(ctx context.Context, definitionID string) ([]*types.WorkflowExecution, error)
	// UpdateExecution applies a compare-and-swap on StoreVersion and
	// increments it on success.
	UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error
	DeleteExecution(ctx context.Context, id string) error

	// Execution log (append-only; feeds the SSE stream)
	AppendExecutionLog(ctx context.Context, execID string, entry *types.ExecutionLogEntry) (*types.ExecutionLogEntry, error)
	GetExecutionLog(ctx context.Context, execID string, sinceSeq int64) ([]*types.ExecutionLogEntry, error)
	// SubscribeExecutionLog returns a channel of new log entries. The
	// cleanup function must be called to release the subscription.
	SubscribeExecutionLog(ctx context.Context, execID string) (<-chan *types.ExecutionLogEntry, func(), error)

	// Orchestrated tasks
	CreateTask(ctx context.Context, task *types.OrchestratedTask) error
	GetTask(ctx context.Context, id string) (*types.OrchestratedTask, error)
	FindTaskByIdempotencyKey(ctx context.Context, key string) (*types.OrchestratedTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.OrchestratedTask, error)
	ListQueues(ctx context.Context) ([]string, error)
	// ClaimTask performs the queued -> running CAS that guarantees
	// at-most-one worker executes a task.
	ClaimTask(ctx context.Context, id, workerID string) (*types.OrchestratedTask, error)
	UpdateTask(ctx context.Context, task *types.OrchestratedTask) error

	// Event registrations and processed events
	PutEventDefinition(ctx context.Context, def *types.EventDefinition) error
	GetEventDefinition(ctx context.Context, name string) (*types.EventDefinition, error)
	ListEventDefinitions(ctx context.Context) ([]*types.EventDefinition, error)
	CreateProcessedEvent(ctx context.Context, ev *types.ProcessedEvent) error
	GetProcessedEvent(ctx context.Context, id string) (*types.ProcessedEvent, error)
	FindEventByIdempotencyKey(ctx context.Context, key string) (*types.ProcessedEvent, error)
	UpdateProcessedEvent(ctx context.Context, ev *types.ProcessedEvent) error
	ListProcessedEvents(ctx context.Context, filter EventFilter) ([]*types.ProcessedEvent, error)

	// Scheduled jobs
	CreateJob(ctx context.Context, job *types.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*types.ScheduledJob, error)
	UpdateJob(ctx context.Context, job *types.ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]*types.ScheduledJob, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]*types.ScheduledJob, error)

	// Job executions
	CreateJobExecution(ctx context.Context, exec *types.JobExecution) error
	GetJobExecution(ctx context.Context, id string) (*types.JobExecution, error)
	FindJobExecutionByIdempotencyKey(ctx context.Context, key string) (*types.JobExecution, error)
	UpdateJobExecution(ctx context.Context, exec *types.JobExecution) error
	ListJobExecutions(ctx context.Context, jobID string, limit int) ([]*types.JobExecution, error)
	ListRunningJobExecutions(ctx context.Context) ([]*types.JobExecution, error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	Close() error
}

// Config holds configuration shared by Store implementations.
type Config struct {
	// MaxLogEntries bounds the per-execution log (ring buffer).
	MaxLogEntries int64

	// TTL for terminal records (0 = no expiry).
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxLogEntries: 5000,
		TTL:           7 * 24 * time.Hour,
	}
}
