package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Errors returned by orchestrator operations.
var (
	ErrTaskTerminal  = errors.New("task already terminal")
	ErrInvalidStatus = errors.New("invalid status for operation")
)

// maxUpdateAttempts bounds CAS retries on a single task mutation.
const maxUpdateAttempts = 8

// TerminalListener is invoked after a task reaches a terminal status.
// Listeners run on their own goroutine and must tolerate replays.
type TerminalListener func(ctx context.Context, task *types.OrchestratedTask)

// Config holds orchestrator tuning knobs.
type Config struct {
	// Workers is the size of the shared worker pool.
	Workers int

	// DefaultQueue receives tasks created without a queue name.
	DefaultQueue string

	// QueueCapacity is the default per-queue capacity used for health
	// derivation; QueueCapacities overrides per queue.
	QueueCapacity   int
	QueueCapacities map[string]int

	// DefaultMaxRetries applies to tasks created with no retry budget.
	DefaultMaxRetries int

	// DefaultBackoff is the base retry delay, doubled per attempt.
	DefaultBackoff time.Duration

	// DefaultTimeout caps one handler invocation when the task carries
	// no timeout of its own. Zero means no cap.
	DefaultTimeout time.Duration

	// PollInterval bounds how long a ready task waits for dispatch
	// when no enqueue kick arrives.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:           8,
		DefaultQueue:      "default",
		QueueCapacity:     256,
		DefaultMaxRetries: 2,
		DefaultBackoff:    2 * time.Second,
		DefaultTimeout:    5 * time.Minute,
		PollInterval:      time.Second,
	}
}

// Orchestrator owns the task lifecycle: queued tasks are dispatched by
// priority then age once their dependencies complete, claimed with an
// atomic queued->running swap, executed on a bounded worker pool, and
// retried with doubling backoff until the retry budget is spent.
type Orchestrator struct {
	store    store.Store
	registry *Registry
	cfg      *Config
	logger   *slog.Logger

	// kick wakes the dispatch loop immediately after an enqueue.
	kick chan struct{}

	sem    chan struct{}
	active atomic.Int32

	listeners   []TerminalListener
	listenersMu sync.RWMutex

	wg sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates an orchestrator. Start must be called before tasks are
// dispatched; Create/Cancel/Retry work without it.
func New(st store.Store, registry *Registry, cfg *Config, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.Workers),
		now:      time.Now,
	}
}

// OnTaskTerminal registers a listener for terminal task transitions.
func (o *Orchestrator) OnTaskTerminal(fn TerminalListener) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Start runs the dispatch loop until ctx is done, then waits for
// in-flight workers to drain.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("orchestrator started",
		"workers", o.cfg.Workers,
		"poll_interval", o.cfg.PollInterval)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			o.logger.Info("orchestrator stopped")
			return
		case <-o.kick:
		case <-ticker.C:
		}
		o.dispatchOnce(ctx)
	}
}

// Kick wakes the dispatcher without blocking.
func (o *Orchestrator) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// CreateTask validates, defaults and enqueues a task. A task carrying
// an idempotency key that was already used returns the original task
// unchanged.
func (o *Orchestrator) CreateTask(ctx context.Context, task *types.OrchestratedTask) (*types.OrchestratedTask, error) {
	if task.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if task.IdempotencyKey != "" {
		existing, err := o.store.FindTaskByIdempotencyKey(ctx, task.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Type == "" {
		task.Type = types.TaskTypeSequential
	}
	if task.Priority == "" {
		task.Priority = types.TaskPriorityMedium
	}
	if !task.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", task.Priority)
	}
	if task.Queue == "" {
		task.Queue = o.cfg.DefaultQueue
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = o.cfg.DefaultMaxRetries
	}
	if task.RetryBackoff <= 0 {
		task.RetryBackoff = o.cfg.DefaultBackoff
	}
	if task.Timeout == 0 {
		task.Timeout = o.cfg.DefaultTimeout
	}
	task.Status = types.TaskStatusQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = o.now()
	}

	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.logger.Info("task queued",
		"task_id", task.ID,
		"task_name", task.Name,
		"queue", task.Queue,
		"priority", task.Priority)
	o.Kick()
	return task, nil
}

// CancelTask cancels a task. Queued and paused tasks go terminal
// immediately; a running task is marked cancelled and its worker
// discards the result when it notices (cooperative cancellation).
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (*types.OrchestratedTask, error) {
	return o.mutateTask(ctx, id, func(task *types.OrchestratedTask) error {
		if task.Status.Terminal() {
			return ErrTaskTerminal
		}
		task.Status = types.TaskStatusCancelled
		now := o.now()
		task.FinishedAt = &now
		return nil
	})
}

// CancelByTag cancels every non-terminal task carrying the tag.
// Returns the number of tasks cancelled.
func (o *Orchestrator) CancelByTag(ctx context.Context, key, value string) (int, error) {
	tasks, err := o.store.ListTasks(ctx, store.TaskFilter{TagKey: key, TagValue: value})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if _, err := o.CancelTask(ctx, t.ID); err != nil {
			if errors.Is(err, ErrTaskTerminal) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// RetryTask re-enqueues a failed or cancelled task with a fresh retry
// budget. The task keeps its id, input and tags; the error log is
// preserved for audit.
func (o *Orchestrator) RetryTask(ctx context.Context, id string) (*types.OrchestratedTask, error) {
	task, err := o.mutateTask(ctx, id, func(task *types.OrchestratedTask) error {
		if task.Status != types.TaskStatusFailed && task.Status != types.TaskStatusCancelled {
			return fmt.Errorf("%w: retry requires failed or cancelled, got %s", ErrInvalidStatus, task.Status)
		}
		task.Status = types.TaskStatusQueued
		task.RetryCount = 0
		task.NotBefore = nil
		task.AssignedWorker = ""
		task.StartedAt = nil
		task.FinishedAt = nil
		task.OutputData = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Kick()
	return task, nil
}

// Prioritize changes the dispatch priority of a queued task.
func (o *Orchestrator) Prioritize(ctx context.Context, id string, priority types.TaskPriority) (*types.OrchestratedTask, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}
	task, err := o.mutateTask(ctx, id, func(task *types.OrchestratedTask) error {
		if task.Status.Terminal() {
			return ErrTaskTerminal
		}
		task.Priority = priority
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Kick()
	return task, nil
}

// PauseTask takes a queued task out of dispatch.
func (o *Orchestrator) PauseTask(ctx context.Context, id string) (*types.OrchestratedTask, error) {
	return o.mutateTask(ctx, id, func(task *types.OrchestratedTask) error {
		if task.Status != types.TaskStatusQueued {
			return fmt.Errorf("%w: pause requires queued, got %s", ErrInvalidStatus, task.Status)
		}
		task.Status = types.TaskStatusPaused
		return nil
	})
}

// ResumeTask returns a paused task to the queue.
func (o *Orchestrator) ResumeTask(ctx context.Context, id string) (*types.OrchestratedTask, error) {
	task, err := o.mutateTask(ctx, id, func(task *types.OrchestratedTask) error {
		if task.Status != types.TaskStatusPaused {
			return fmt.Errorf("%w: resume requires paused, got %s", ErrInvalidStatus, task.Status)
		}
		task.Status = types.TaskStatusQueued
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.Kick()
	return task, nil
}

// QueueStats returns a point-in-time view of every known queue.
func (o *Orchestrator) QueueStats(ctx context.Context) ([]types.TaskQueue, error) {
	names, err := o.store.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	for n := range o.cfg.QueueCapacities {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	if !seen[o.cfg.DefaultQueue] {
		names = append(names, o.cfg.DefaultQueue)
	}
	sort.Strings(names)

	free := o.cfg.Workers - int(o.active.Load())
	if free < 0 {
		free = 0
	}

	out := make([]types.TaskQueue, 0, len(names))
	for _, name := range names {
		pending, err := o.countTasks(ctx, name, types.TaskStatusQueued)
		if err != nil {
			return nil, err
		}
		running, err := o.countTasks(ctx, name, types.TaskStatusRunning)
		if err != nil {
			return nil, err
		}
		capacity := o.cfg.QueueCapacity
		if c, ok := o.cfg.QueueCapacities[name]; ok {
			capacity = c
		}
		metrics.QueueDepth.WithLabelValues(name).Set(float64(pending))
		out = append(out, types.TaskQueue{
			Name:             name,
			Capacity:         capacity,
			Pending:          pending,
			Active:           running,
			WorkersAvailable: free,
			Health:           types.HealthFor(pending, capacity),
		})
	}
	return out, nil
}

func (o *Orchestrator) countTasks(ctx context.Context, queue string, status types.TaskStatus) (int, error) {
	tasks, err := o.store.ListTasks(ctx, store.TaskFilter{Queue: queue, Status: status})
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// mutateTask loads, mutates and conditionally updates one task,
// retrying on version conflict.
func (o *Orchestrator) mutateTask(ctx context.Context, id string, fn func(*types.OrchestratedTask) error) (*types.OrchestratedTask, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		task, err := o.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := task.Status
		if err := fn(task); err != nil {
			return nil, err
		}
		if err := o.store.UpdateTask(ctx, task); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update task %s: %w", id, err)
		}
		if !prev.Terminal() && task.Status.Terminal() {
			o.taskFinished(task)
		}
		return task, nil
	}
	return nil, fmt.Errorf("task %s: too many concurrent updates", id)
}

// taskFinished records metrics and fans the terminal task out to
// listeners.
func (o *Orchestrator) taskFinished(task *types.OrchestratedTask) {
	metrics.TasksTotal.WithLabelValues(string(task.Status)).Inc()
	metrics.TaskRetries.WithLabelValues(string(task.Status)).Observe(float64(task.RetryCount))

	o.listenersMu.RLock()
	listeners := append([]TerminalListener(nil), o.listeners...)
	o.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn := fn
		go fn(context.Background(), task)
	}
}

// dispatchOnce claims and launches as many ready tasks as there are
// free workers, highest priority first, oldest first within a
// priority.
func (o *Orchestrator) dispatchOnce(ctx context.Context) {
	queued, err := o.store.ListTasks(ctx, store.TaskFilter{Status: types.TaskStatusQueued})
	if err != nil {
		o.logger.Error("list queued tasks", "error", err)
		return
	}

	now := o.now()
	ready := make([]*types.OrchestratedTask, 0, len(queued))
	for _, task := range queued {
		if task.NotBefore != nil && now.Before(*task.NotBefore) {
			continue
		}
		ok, err := o.dependenciesMet(ctx, task)
		if err != nil {
			o.logger.Error("check dependencies", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			ready = append(ready, task)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	for _, task := range ready {
		select {
		case o.sem <- struct{}{}:
		default:
			return // pool saturated; next kick or tick resumes
		}

		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		claimed, err := o.store.ClaimTask(ctx, task.ID, workerID)
		if err != nil {
			<-o.sem
			if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
				continue // lost the claim race
			}
			o.logger.Error("claim task", "task_id", task.ID, "error", err)
			continue
		}

		o.active.Add(1)
		o.wg.Add(1)
		go func() {
			defer func() {
				o.active.Add(-1)
				<-o.sem
				o.wg.Done()
				o.Kick()
			}()
			o.execute(ctx, claimed)
		}()
	}
}

// dependenciesMet reports whether every dependency completed. A
// dependency that went terminal without completing fails the task
// immediately; it can never become ready.
func (o *Orchestrator) dependenciesMet(ctx context.Context, task *types.OrchestratedTask) (bool, error) {
	for _, depID := range task.Dependencies {
		dep, err := o.store.GetTask(ctx, depID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, fmt.Errorf("dependency %s not found", depID)
			}
			return false, err
		}
		switch dep.Status {
		case types.TaskStatusCompleted:
			continue
		case types.TaskStatusFailed, types.TaskStatusCancelled:
			_, ferr := o.mutateTask(ctx, task.ID, func(t *types.OrchestratedTask) error {
				if t.Status != types.TaskStatusQueued {
					return ErrInvalidStatus
				}
				t.Status = types.TaskStatusFailed
				t.ErrorLog = append(t.ErrorLog, fmt.Sprintf("dependency %s ended %s", depID, dep.Status))
				now := o.now()
				t.FinishedAt = &now
				return nil
			})
			if ferr != nil && !errors.Is(ferr, ErrInvalidStatus) {
				return false, ferr
			}
			return false, nil
		default:
			return false, nil
		}
	}
	return true, nil
}
