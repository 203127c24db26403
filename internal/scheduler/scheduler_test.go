package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

type mockTaskQueue struct {
	created   []*types.OrchestratedTask
	cancelled []string
}

func (q *mockTaskQueue) CreateTask(_ context.Context, task *types.OrchestratedTask) (*types.OrchestratedTask, error) {
	q.created = append(q.created, task)
	return task, nil
}

func (q *mockTaskQueue) CancelTask(_ context.Context, id string) (*types.OrchestratedTask, error) {
	q.cancelled = append(q.cancelled, id)
	return &types.OrchestratedTask{ID: id, Status: types.TaskStatusCancelled}, nil
}

func newTestScheduler(t *testing.T) (*Service, *store.MemoryStore, *mockTaskQueue) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	queue := &mockTaskQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, queue, nil, logger), st, queue
}

func intervalJob() *types.ScheduledJob {
	return &types.ScheduledJob{
		Name:         "nightly-cleanup",
		Type:         types.JobTypeInterval,
		Interval:     time.Hour,
		ActionType:   "cleanup",
		ActionConfig: map[string]any{"older_than_days": 30},
	}
}

func TestCreateJob(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	base := time.Now()
	s.now = func() time.Time { return base }

	job, err := s.CreateJob(context.Background(), intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if job.ID == "" {
		t.Error("expected generated job id")
	}
	if !job.IsActive {
		t.Error("expected new job to be active")
	}
	if job.NextRunAt == nil || !job.NextRunAt.Equal(base.Add(time.Hour)) {
		t.Errorf("next_run_at = %v, want base+1h", job.NextRunAt)
	}
	if job.TimeoutSeconds != 600 {
		t.Errorf("timeout_seconds = %d, want default 600", job.TimeoutSeconds)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		job  *types.ScheduledJob
	}{
		{"missing name", &types.ScheduledJob{Type: types.JobTypeInterval, Interval: time.Minute, ActionType: "x"}},
		{"missing action type", &types.ScheduledJob{Name: "j", Type: types.JobTypeInterval, Interval: time.Minute}},
		{"unknown type", &types.ScheduledJob{Name: "j", Type: "hourly", ActionType: "x"}},
		{"bad schedule", &types.ScheduledJob{Name: "j", Type: types.JobTypeCron, Schedule: "nope", ActionType: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateJob(ctx, tt.job); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestScan_FiresDueJob(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	// Not yet due: nothing fires.
	s.Scan(ctx)
	if len(queue.created) != 0 {
		t.Fatalf("tasks fired early: %d", len(queue.created))
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.Scan(ctx)
	if len(queue.created) != 1 {
		t.Fatalf("tasks fired = %d, want 1", len(queue.created))
	}

	task := queue.created[0]
	if task.Name != "cleanup" {
		t.Errorf("task name = %q, want cleanup", task.Name)
	}
	if task.Queue != "scheduled" {
		t.Errorf("task queue = %q, want scheduled", task.Queue)
	}
	if task.Tags[types.TagJobID] != job.ID || task.Tags[types.TagJobExecID] == "" {
		t.Errorf("task tags = %v", task.Tags)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.LastRunAt == nil {
		t.Error("expected last_run_at to be set")
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(base.Add(3*time.Hour)) {
		t.Errorf("next_run_at = %v, want base+3h", got.NextRunAt)
	}

	execs, err := st.ListJobExecutions(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("Failed to list job executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != types.JobExecutionRunning {
		t.Fatalf("job executions = %+v, want one running", execs)
	}
	if execs[0].TaskID != task.ID {
		t.Errorf("job execution task id = %q, want %q", execs[0].TaskID, task.ID)
	}

	// The same pass must not fire twice.
	s.Scan(ctx)
	if len(queue.created) != 1 {
		t.Errorf("tasks fired after re-scan = %d, want 1", len(queue.created))
	}
}

func TestScan_OneTimeJobDeactivates(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	s.now = func() time.Time { return base }

	job, err := s.CreateJob(ctx, &types.ScheduledJob{
		Name:       "migration",
		Type:       types.JobTypeOneTime,
		Schedule:   base.Add(-time.Minute).Format(time.RFC3339),
		ActionType: "migrate",
	})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	s.Scan(ctx)
	if len(queue.created) != 1 {
		t.Fatalf("tasks fired = %d, want 1", len(queue.created))
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.IsActive {
		t.Error("one-time job still active after firing")
	}
	if got.NextRunAt != nil {
		t.Errorf("next_run_at = %v, want nil", got.NextRunAt)
	}
}

func TestTriggerNow_IdempotencyKey(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	first, reused, err := s.TriggerNow(ctx, job.ID, "nightly-report-run-1")
	if err != nil {
		t.Fatalf("Failed to trigger job: %v", err)
	}
	if reused {
		t.Fatal("first trigger reported a reused execution")
	}

	second, reused, err := s.TriggerNow(ctx, job.ID, "nightly-report-run-1")
	if err != nil {
		t.Fatalf("Failed to retry trigger: %v", err)
	}
	if !reused {
		t.Error("retried trigger did not report reuse")
	}
	if second.ID != first.ID {
		t.Errorf("retried trigger execution = %s, want %s", second.ID, first.ID)
	}
	if len(queue.created) != 1 {
		t.Errorf("tasks enqueued = %d, want 1", len(queue.created))
	}

	execs, err := st.ListJobExecutions(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("Failed to list job executions: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("job executions = %d, want 1", len(execs))
	}

	third, reused, err := s.TriggerNow(ctx, job.ID, "nightly-report-run-2")
	if err != nil {
		t.Fatalf("Failed to trigger with a new key: %v", err)
	}
	if reused {
		t.Error("distinct key reported reuse")
	}
	if third.ID == first.ID {
		t.Errorf("distinct key resolved to execution %s", first.ID)
	}
}

func TestHandleTaskResult_SettlesExecution(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	jobExec, _, err := s.TriggerNow(ctx, job.ID, "")
	if err != nil {
		t.Fatalf("Failed to trigger job: %v", err)
	}

	task := queue.created[0]
	task.Status = types.TaskStatusCompleted
	s.HandleTaskResult(ctx, task)

	gotExec, err := st.GetJobExecution(ctx, jobExec.ID)
	if err != nil {
		t.Fatalf("Failed to get job execution: %v", err)
	}
	if gotExec.Status != types.JobExecutionCompleted {
		t.Errorf("execution status = %s, want completed", gotExec.Status)
	}
	if gotExec.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	gotJob, _ := st.GetJob(ctx, job.ID)
	if gotJob.RunCount != 1 {
		t.Errorf("run count = %d, want 1", gotJob.RunCount)
	}
	if gotJob.LastRunStatus != types.JobExecutionCompleted {
		t.Errorf("last run status = %s, want completed", gotJob.LastRunStatus)
	}
	if gotJob.FailureCount != 0 {
		t.Errorf("failure count = %d, want 0", gotJob.FailureCount)
	}
}

func TestHandleTaskResult_TimeoutStatus(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	jobExec, _, err := s.TriggerNow(ctx, job.ID, "")
	if err != nil {
		t.Fatalf("Failed to trigger job: %v", err)
	}

	task := queue.created[0]
	task.Status = types.TaskStatusFailed
	task.ErrorLog = []string{"attempt 1: timed out after 10m0s"}
	s.HandleTaskResult(ctx, task)

	gotExec, _ := st.GetJobExecution(ctx, jobExec.ID)
	if gotExec.Status != types.JobExecutionTimeout {
		t.Errorf("execution status = %s, want timeout", gotExec.Status)
	}
}

func TestAutoPauseAfterConsecutiveFailures(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	for i := 0; i < s.cfg.FailureThreshold; i++ {
		if _, _, err := s.TriggerNow(ctx, job.ID, ""); err != nil {
			t.Fatalf("Failed to trigger job on attempt %d: %v", i+1, err)
		}
		task := queue.created[i]
		task.Status = types.TaskStatusFailed
		task.ErrorLog = []string{"disk full"}
		s.HandleTaskResult(ctx, task)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.IsActive {
		t.Error("job still active after hitting the failure threshold")
	}
	if !got.NeedsAttention {
		t.Error("job not flagged for attention")
	}
	if got.FailureCount != s.cfg.FailureThreshold {
		t.Errorf("failure count = %d, want %d", got.FailureCount, s.cfg.FailureThreshold)
	}

	attention, err := s.NeedingAttention(ctx)
	if err != nil {
		t.Fatalf("Failed to list jobs needing attention: %v", err)
	}
	if len(attention) != 1 || attention[0].ID != job.ID {
		t.Errorf("needing attention = %v, want the paused job", attention)
	}

	if _, _, err := s.TriggerNow(ctx, job.ID, ""); !errors.Is(err, ErrJobInactive) {
		t.Fatalf("expected ErrJobInactive, got %v", err)
	}

	resumed, err := s.ResumeJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to resume job: %v", err)
	}
	if !resumed.IsActive || resumed.NeedsAttention || resumed.FailureCount != 0 {
		t.Errorf("resume did not reset job state: %+v", resumed)
	}
}

func TestSuperviseTimeouts(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	jobExec, _, err := s.TriggerNow(ctx, job.ID, "")
	if err != nil {
		t.Fatalf("Failed to trigger job: %v", err)
	}

	// Inside the deadline nothing happens.
	s.Scan(ctx)
	mid, _ := st.GetJobExecution(ctx, jobExec.ID)
	if mid.Status != types.JobExecutionRunning {
		t.Fatalf("execution status = %s, want still running", mid.Status)
	}

	// Far past the job timeout plus grace the supervisor steps in.
	s.now = func() time.Time { return base.Add(20 * time.Minute) }
	s.Scan(ctx)

	got, _ := st.GetJobExecution(ctx, jobExec.ID)
	if got.Status != types.JobExecutionTimeout {
		t.Fatalf("execution status = %s, want timeout", got.Status)
	}
	if len(queue.cancelled) != 1 || queue.cancelled[0] != jobExec.TaskID {
		t.Errorf("cancelled tasks = %v, want [%s]", queue.cancelled, jobExec.TaskID)
	}

	gotJob, _ := st.GetJob(ctx, job.ID)
	if gotJob.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1", gotJob.FailureCount)
	}
	if gotJob.LastRunStatus != types.JobExecutionTimeout {
		t.Errorf("last run status = %s, want timeout", gotJob.LastRunStatus)
	}
}

func TestUpdateJob(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	updated, err := s.UpdateJob(ctx, job.ID, &types.ScheduledJob{
		Name:       "nightly-cleanup",
		Type:       types.JobTypeCron,
		Schedule:   "0 3 * * *",
		ActionType: "cleanup",
	})
	if err != nil {
		t.Fatalf("Failed to update job: %v", err)
	}
	if updated.Type != types.JobTypeCron || updated.Schedule != "0 3 * * *" {
		t.Errorf("schedule not replaced: %+v", updated)
	}
	if updated.NextRunAt == nil {
		t.Error("expected next_run_at to be recomputed")
	}
	if !updated.IsActive {
		t.Error("update must not deactivate the job")
	}

	if _, err := s.UpdateJob(ctx, job.ID, &types.ScheduledJob{
		Name:       "nightly-cleanup",
		Type:       types.JobTypeCron,
		Schedule:   "bad",
		ActionType: "cleanup",
	}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestPauseAndDeleteJob(t *testing.T) {
	s, st, queue := newTestScheduler(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	job, err := s.CreateJob(ctx, intervalJob())
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	paused, err := s.PauseJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("Failed to pause job: %v", err)
	}
	if paused.IsActive {
		t.Error("job still active after pause")
	}

	// A paused job does not fire even when due.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	s.Scan(ctx)
	if len(queue.created) != 0 {
		t.Errorf("paused job fired %d tasks", len(queue.created))
	}

	if err := s.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("Failed to delete job: %v", err)
	}
	if _, err := st.GetJob(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
