package types

import (
	"time"
)

// JobType identifies how a scheduled job computes its next run.
type JobType string

const (
	JobTypeCron      JobType = "cron"
	JobTypeInterval  JobType = "interval"
	JobTypeOneTime   JobType = "one_time"
	JobTypeRecurring JobType = "recurring"
)

// Valid reports whether the job type is a known value.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeCron, JobTypeInterval, JobTypeOneTime, JobTypeRecurring:
		return true
	}
	return false
}

// ScheduledJob is a cron/interval/one-time job driven by the scheduler.
type ScheduledJob struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Type JobType `json:"job_type"`

	// Schedule is the cron expression for cron jobs, or the RFC3339
	// instant for one_time jobs.
	Schedule string `json:"schedule,omitempty"`

	// Interval applies to interval and recurring jobs.
	Interval time.Duration `json:"interval,omitempty"`

	Timezone string `json:"timezone,omitempty"` // IANA name, default UTC

	ActionType   string         `json:"action_type"`
	ActionConfig map[string]any `json:"action_config,omitempty"`

	NextRunAt     *time.Time         `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time         `json:"last_run_at,omitempty"`
	LastRunStatus JobExecutionStatus `json:"last_run_status,omitempty"`

	RunCount     int `json:"run_count"`
	FailureCount int `json:"failure_count"`

	MaxRetries     int `json:"max_retries"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	IsActive bool `json:"is_active"`

	// NeedsAttention is set when consecutive failures auto-pause the job.
	NeedsAttention bool `json:"needs_attention,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	StoreVersion int64 `json:"store_version"`
}

// JobExecutionStatus represents the outcome of one firing.
type JobExecutionStatus string

const (
	JobExecutionRunning   JobExecutionStatus = "running"
	JobExecutionCompleted JobExecutionStatus = "completed"
	JobExecutionFailed    JobExecutionStatus = "failed"
	JobExecutionTimeout   JobExecutionStatus = "timeout"
	JobExecutionCancelled JobExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobExecutionStatus) Terminal() bool {
	switch s {
	case JobExecutionCompleted, JobExecutionFailed, JobExecutionTimeout, JobExecutionCancelled:
		return true
	}
	return false
}

// JobExecution is one record per job firing.
type JobExecution struct {
	ID     string             `json:"id"`
	JobID  string             `json:"job_id"`
	TaskID string             `json:"task_id,omitempty"`
	Status JobExecutionStatus `json:"status"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`

	// IdempotencyKey is set on manually triggered runs so a retried
	// run request resolves to this execution instead of a new one.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Error string `json:"error,omitempty"`

	StoreVersion int64 `json:"store_version"`
}
