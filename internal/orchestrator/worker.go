package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// execute runs one claimed task to a terminal status or back into the
// queue for retry. Handler panics are contained; they count as a
// failed attempt.
func (o *Orchestrator) execute(ctx context.Context, task *types.OrchestratedTask) {
	handler, ok := o.registry.Resolve(task.Name)
	if !ok {
		o.settleFailure(ctx, task, fmt.Errorf("no handler registered for action %q", task.Name), false)
		return
	}

	o.logger.Info("task started",
		"task_id", task.ID,
		"task_name", task.Name,
		"worker", task.AssignedWorker,
		"attempt", task.RetryCount+1)

	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := o.now()
	output, err := o.invoke(runCtx, handler, task.InputData)
	duration := o.now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", task.Timeout)
		}
		metrics.TaskDuration.WithLabelValues("failed").Observe(duration.Seconds())
		o.settleFailure(ctx, task, err, true)
		return
	}

	metrics.TaskDuration.WithLabelValues("completed").Observe(duration.Seconds())
	o.settleSuccess(ctx, task, output)
}

// invoke calls the handler with panic containment.
func (o *Orchestrator) invoke(ctx context.Context, handler ActionHandler, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, input)
}

// settleSuccess records a completed attempt. A task cancelled while
// running keeps its cancelled status; the result is discarded.
func (o *Orchestrator) settleSuccess(ctx context.Context, task *types.OrchestratedTask, output map[string]any) {
	// Completion must land even if the dispatch context is being torn
	// down during shutdown.
	ctx = context.WithoutCancel(ctx)

	updated, err := o.mutateTask(ctx, task.ID, func(t *types.OrchestratedTask) error {
		if t.Status != types.TaskStatusRunning {
			return fmt.Errorf("%w: task is %s", ErrInvalidStatus, t.Status)
		}
		t.Status = types.TaskStatusCompleted
		t.OutputData = output
		now := o.now()
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			o.logger.Info("task result discarded", "task_id", task.ID)
			return
		}
		o.logger.Error("settle task success", "task_id", task.ID, "error", err)
		return
	}
	o.logger.Info("task completed",
		"task_id", updated.ID,
		"task_name", updated.Name,
		"retries", updated.RetryCount)
}

// maxRetryDelay caps the doubled backoff. Without the cap a large
// retry budget overflows the doubling.
const maxRetryDelay = time.Hour

// retryDelay doubles the base backoff per completed attempt, capped
// at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// settleFailure records a failed attempt: back into the queue with
// doubled backoff while budget remains, terminal failed otherwise.
func (o *Orchestrator) settleFailure(ctx context.Context, task *types.OrchestratedTask, cause error, retryable bool) {
	ctx = context.WithoutCancel(ctx)

	updated, err := o.mutateTask(ctx, task.ID, func(t *types.OrchestratedTask) error {
		if t.Status != types.TaskStatusRunning {
			return fmt.Errorf("%w: task is %s", ErrInvalidStatus, t.Status)
		}
		t.ErrorLog = append(t.ErrorLog, fmt.Sprintf("attempt %d: %v", t.RetryCount+1, cause))

		if retryable && t.RetryCount < t.MaxRetries {
			t.RetryCount++
			notBefore := o.now().Add(retryDelay(t.RetryBackoff, t.RetryCount))
			t.NotBefore = &notBefore
			t.Status = types.TaskStatusQueued
			t.AssignedWorker = ""
			t.StartedAt = nil
			return nil
		}

		t.Status = types.TaskStatusFailed
		now := o.now()
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			o.logger.Info("task result discarded", "task_id", task.ID)
			return
		}
		o.logger.Error("settle task failure", "task_id", task.ID, "error", err)
		return
	}

	if updated.Status == types.TaskStatusQueued {
		o.logger.Warn("task attempt failed, retrying",
			"task_id", updated.ID,
			"task_name", updated.Name,
			"attempt", updated.RetryCount,
			"max_retries", updated.MaxRetries,
			"not_before", updated.NotBefore.Format(time.RFC3339),
			"error", cause)
		return
	}
	o.logger.Error("task failed",
		"task_id", updated.ID,
		"task_name", updated.Name,
		"attempts", updated.RetryCount+1,
		"error", cause)
}
