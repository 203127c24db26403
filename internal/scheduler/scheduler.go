package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Errors returned by scheduler operations.
var (
	ErrJobInactive = errors.New("job is not active")

	// errSkip aborts a mutateJob without surfacing an error; another
	// instance won the firing race.
	errSkip = errors.New("skip")
)

const maxJobUpdateAttempts = 8

// TaskQueuer is the slice of the task orchestrator the scheduler
// needs.
type TaskQueuer interface {
	CreateTask(ctx context.Context, task *types.OrchestratedTask) (*types.OrchestratedTask, error)
	CancelTask(ctx context.Context, id string) (*types.OrchestratedTask, error)
}

// Config holds scheduler tuning knobs.
type Config struct {
	// ScanInterval is the due-job poll period.
	ScanInterval time.Duration

	// Queue receives job action tasks.
	Queue string

	// DefaultTimeout caps a job run when the job sets none.
	DefaultTimeout time.Duration

	// FailureThreshold is the consecutive-failure count that
	// auto-pauses a job and flags it for attention.
	FailureThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval:     5 * time.Second,
		Queue:            "scheduled",
		DefaultTimeout:   10 * time.Minute,
		FailureThreshold: 3,
	}
}

// Service owns scheduled jobs: it computes next-run instants, fires
// due jobs as orchestrated tasks, records one job execution per
// firing, supervises timeouts, and auto-pauses jobs that fail
// repeatedly. Firing is serialized across instances by the job
// record's version CAS: whoever advances next_run_at fires.
type Service struct {
	store  store.Store
	queue  TaskQueuer
	cfg    *Config
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a scheduler service.
func New(st store.Store, queue TaskQueuer, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{
		store:  st,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// CreateJob validates a job, computes its first run and stores it.
func (s *Service) CreateJob(ctx context.Context, job *types.ScheduledJob) (*types.ScheduledJob, error) {
	if job.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if job.ActionType == "" {
		return nil, fmt.Errorf("job action_type is required")
	}
	if !job.Type.Valid() {
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
	if err := ValidateSchedule(job); err != nil {
		return nil, err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.IsActive = true
	job.NeedsAttention = false
	job.RunCount = 0
	job.FailureCount = 0
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = int(s.cfg.DefaultTimeout / time.Second)
	}

	next, err := NextRun(job, now)
	if err != nil {
		return nil, err
	}
	job.NextRunAt = next

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created",
		"job_id", job.ID,
		"job_name", job.Name,
		"job_type", job.Type,
		"next_run_at", job.NextRunAt)
	return job, nil
}

// UpdateJob replaces a job's schedule and action. Run counters and the
// active flag are kept; the next run is recomputed from now.
func (s *Service) UpdateJob(ctx context.Context, id string, upd *types.ScheduledJob) (*types.ScheduledJob, error) {
	if upd.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if upd.ActionType == "" {
		return nil, fmt.Errorf("job action_type is required")
	}
	if !upd.Type.Valid() {
		return nil, fmt.Errorf("unknown job type %q", upd.Type)
	}
	if err := ValidateSchedule(upd); err != nil {
		return nil, err
	}
	return s.mutateJob(ctx, id, func(job *types.ScheduledJob) error {
		job.Name = upd.Name
		job.Type = upd.Type
		job.Schedule = upd.Schedule
		job.Interval = upd.Interval
		job.Timezone = upd.Timezone
		job.ActionType = upd.ActionType
		job.ActionConfig = upd.ActionConfig
		job.MaxRetries = upd.MaxRetries
		if upd.TimeoutSeconds > 0 {
			job.TimeoutSeconds = upd.TimeoutSeconds
		}
		next, err := NextRun(job, s.now())
		if err != nil {
			return err
		}
		job.NextRunAt = next
		return nil
	})
}

// PauseJob deactivates a job. Its schedule state is kept.
func (s *Service) PauseJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	return s.mutateJob(ctx, id, func(job *types.ScheduledJob) error {
		job.IsActive = false
		return nil
	})
}

// ResumeJob reactivates a job, clears the attention flag and failure
// streak, and recomputes the next run from now.
func (s *Service) ResumeJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	return s.mutateJob(ctx, id, func(job *types.ScheduledJob) error {
		job.IsActive = true
		if job.NeedsAttention {
			metrics.JobsPaused.Dec()
		}
		job.NeedsAttention = false
		job.FailureCount = 0
		next, err := NextRun(job, s.now())
		if err != nil {
			return err
		}
		job.NextRunAt = next
		return nil
	})
}

// DeleteJob removes a job. Past job executions are retained.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	return s.store.DeleteJob(ctx, id)
}

// TriggerNow fires a job immediately, outside its schedule. The
// regular next run is unaffected. A non-empty idempotencyKey makes the
// trigger safe to retry: a key already bound to an execution returns
// that execution with reused=true instead of firing again.
func (s *Service) TriggerNow(ctx context.Context, id, idempotencyKey string) (jobExec *types.JobExecution, reused bool, err error) {
	if idempotencyKey != "" {
		existing, err := s.store.FindJobExecutionByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !job.IsActive {
		return nil, false, fmt.Errorf("job %s: %w", id, ErrJobInactive)
	}
	jobExec, err = s.fire(ctx, job, idempotencyKey)
	return jobExec, false, err
}

// NeedingAttention lists jobs auto-paused by the failure threshold.
func (s *Service) NeedingAttention(ctx context.Context) ([]*types.ScheduledJob, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.ScheduledJob
	for _, j := range jobs {
		if j.NeedsAttention {
			out = append(out, j)
		}
	}
	return out, nil
}

// Run drives the scheduler until ctx is done.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "scan_interval", s.cfg.ScanInterval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one due-job pass and one timeout-supervision pass.
func (s *Service) Scan(ctx context.Context) {
	if err := s.fireDue(ctx); err != nil {
		s.logger.Error("fire due jobs", "error", err)
	}
	if err := s.superviseTimeouts(ctx); err != nil {
		s.logger.Error("supervise job timeouts", "error", err)
	}
}

// fireDue claims and fires every job whose next run has arrived.
func (s *Service) fireDue(ctx context.Context) error {
	due, err := s.store.ListDueJobs(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	for _, job := range due {
		claimed, err := s.mutateJob(ctx, job.ID, func(j *types.ScheduledJob) error {
			if !j.IsActive || j.NextRunAt == nil || s.now().Before(*j.NextRunAt) {
				return errSkip
			}
			now := s.now()
			j.LastRunAt = &now
			next, err := NextRun(j, now)
			if err != nil {
				return err
			}
			j.NextRunAt = next
			if j.Type == types.JobTypeOneTime {
				j.IsActive = false
				j.NextRunAt = nil
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, errSkip) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			s.logger.Error("claim due job", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := s.fire(ctx, claimed, ""); err != nil {
			s.logger.Error("fire job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// fire records one job execution and enqueues the action task.
func (s *Service) fire(ctx context.Context, job *types.ScheduledJob, idempotencyKey string) (*types.JobExecution, error) {
	now := s.now()
	jobExec := &types.JobExecution{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		Status:         types.JobExecutionRunning,
		StartedAt:      now,
		IdempotencyKey: idempotencyKey,
	}

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	task := &types.OrchestratedTask{
		ID:         uuid.NewString(),
		Name:       job.ActionType,
		Type:       types.TaskTypeSequential,
		Priority:   types.TaskPriorityMedium,
		Status:     types.TaskStatusQueued,
		Queue:      s.cfg.Queue,
		InputData:  job.ActionConfig,
		Timeout:    timeout,
		MaxRetries: job.MaxRetries,
		Tags: map[string]string{
			types.TagJobID:     job.ID,
			types.TagJobExecID: jobExec.ID,
		},
		IdempotencyKey: fmt.Sprintf("job:%s:%s", job.ID, jobExec.ID),
		CreatedAt:      now,
	}
	jobExec.TaskID = task.ID

	if err := s.store.CreateJobExecution(ctx, jobExec); err != nil {
		return nil, fmt.Errorf("record job execution: %w", err)
	}
	if _, err := s.queue.CreateTask(ctx, task); err != nil {
		s.settleExecution(ctx, jobExec.ID, types.JobExecutionFailed, fmt.Sprintf("enqueue task: %v", err))
		return jobExec, fmt.Errorf("enqueue job task: %w", err)
	}

	s.logger.Info("job fired",
		"job_id", job.ID,
		"job_name", job.Name,
		"job_execution_id", jobExec.ID,
		"task_id", task.ID)
	return jobExec, nil
}

// HandleTaskResult is the orchestrator's terminal-task callback for
// job action tasks. It settles the job execution and the job's
// failure streak.
func (s *Service) HandleTaskResult(ctx context.Context, task *types.OrchestratedTask) {
	jobExecID := task.Tags[types.TagJobExecID]
	if jobExecID == "" {
		return
	}

	var status types.JobExecutionStatus
	var errMsg string
	switch task.Status {
	case types.TaskStatusCompleted:
		status = types.JobExecutionCompleted
	case types.TaskStatusCancelled:
		status = types.JobExecutionCancelled
	case types.TaskStatusFailed:
		status = types.JobExecutionFailed
		if len(task.ErrorLog) > 0 {
			errMsg = task.ErrorLog[len(task.ErrorLog)-1]
			if strings.Contains(errMsg, "timed out") {
				status = types.JobExecutionTimeout
			}
		}
	default:
		return
	}

	if s.settleExecution(ctx, jobExecID, status, errMsg) {
		s.settleJob(ctx, task.Tags[types.TagJobID], status)
	}
}

// settleExecution moves a job execution to a terminal status. Returns
// false if it was already settled (the supervisor and the task
// callback can race).
func (s *Service) settleExecution(ctx context.Context, id string, status types.JobExecutionStatus, errMsg string) bool {
	for attempt := 0; attempt < maxJobUpdateAttempts; attempt++ {
		jobExec, err := s.store.GetJobExecution(ctx, id)
		if err != nil {
			s.logger.Error("load job execution", "job_execution_id", id, "error", err)
			return false
		}
		if jobExec.Status.Terminal() {
			return false
		}
		now := s.now()
		jobExec.Status = status
		jobExec.Error = errMsg
		jobExec.FinishedAt = &now
		jobExec.DurationMs = now.Sub(jobExec.StartedAt).Milliseconds()
		if err := s.store.UpdateJobExecution(ctx, jobExec); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			s.logger.Error("update job execution", "job_execution_id", id, "error", err)
			return false
		}
		metrics.JobRunsTotal.WithLabelValues(string(status)).Inc()
		return true
	}
	return false
}

// settleJob updates the run counters and applies the auto-pause
// threshold.
func (s *Service) settleJob(ctx context.Context, jobID string, status types.JobExecutionStatus) {
	if jobID == "" {
		return
	}
	paused := false
	job, err := s.mutateJob(ctx, jobID, func(job *types.ScheduledJob) error {
		paused = false
		job.RunCount++
		job.LastRunStatus = status
		if status == types.JobExecutionCompleted {
			job.FailureCount = 0
			return nil
		}
		if status == types.JobExecutionCancelled {
			return nil
		}
		job.FailureCount++
		if job.FailureCount >= s.cfg.FailureThreshold && job.IsActive {
			job.IsActive = false
			job.NeedsAttention = true
			paused = true
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("settle job", "job_id", jobID, "error", err)
		}
		return
	}
	if paused {
		metrics.JobsPaused.Inc()
		s.logger.Warn("job auto-paused after consecutive failures",
			"job_id", job.ID,
			"job_name", job.Name,
			"failure_count", job.FailureCount)
	}
}

// superviseTimeouts marks running job executions whose deadline has
// long passed and cancels their tasks. Normally the task timeout fires
// first; this is the backstop for a worker that died mid-run.
func (s *Service) superviseTimeouts(ctx context.Context) error {
	running, err := s.store.ListRunningJobExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list running job executions: %w", err)
	}

	now := s.now()
	for _, jobExec := range running {
		job, err := s.store.GetJob(ctx, jobExec.JobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.settleExecution(ctx, jobExec.ID, types.JobExecutionCancelled, "job deleted")
				continue
			}
			return err
		}
		timeout := time.Duration(job.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = s.cfg.DefaultTimeout
		}
		// One scan interval of grace beyond the task's own timeout.
		deadline := jobExec.StartedAt.Add(timeout + s.cfg.ScanInterval)
		if now.Before(deadline) {
			continue
		}

		s.logger.Warn("job execution timed out",
			"job_id", job.ID,
			"job_execution_id", jobExec.ID,
			"timeout", timeout)
		if jobExec.TaskID != "" {
			if _, err := s.queue.CancelTask(ctx, jobExec.TaskID); err != nil {
				s.logger.Error("cancel timed-out job task",
					"task_id", jobExec.TaskID,
					"error", err)
			}
		}
		if s.settleExecution(ctx, jobExec.ID, types.JobExecutionTimeout,
			fmt.Sprintf("no result after %s", timeout)) {
			s.settleJob(ctx, job.ID, types.JobExecutionTimeout)
		}
	}
	return nil
}

// mutateJob loads, mutates and conditionally updates one job, retrying
// on version conflict.
func (s *Service) mutateJob(ctx context.Context, id string, fn func(*types.ScheduledJob) error) (*types.ScheduledJob, error) {
	for attempt := 0; attempt < maxJobUpdateAttempts; attempt++ {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		job.UpdatedAt = s.now()
		if err := s.store.UpdateJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update job %s: %w", id, err)
		}
		return job, nil
	}
	return nil, fmt.Errorf("job %s: too many concurrent updates", id)
}
