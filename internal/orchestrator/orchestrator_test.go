package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

func newTestOrchestrator(t *testing.T, cfg *Config) (*Orchestrator, *store.MemoryStore, *Registry) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	registry := NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, registry, cfg, logger), st, registry
}

// waitFor polls cond until it holds or the deadline passes. Worker
// completions land asynchronously, so tests poll instead of sleeping.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCreateTask_Defaults(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)

	task, err := o.CreateTask(context.Background(), &types.OrchestratedTask{Name: "send-report"})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	if task.ID == "" {
		t.Error("expected generated task id")
	}
	if task.Type != types.TaskTypeSequential {
		t.Errorf("type = %s, want sequential", task.Type)
	}
	if task.Priority != types.TaskPriorityMedium {
		t.Errorf("priority = %s, want medium", task.Priority)
	}
	if task.Queue != "default" {
		t.Errorf("queue = %q, want default", task.Queue)
	}
	if task.MaxRetries != 2 {
		t.Errorf("max retries = %d, want 2", task.MaxRetries)
	}
	if task.Timeout != 5*time.Minute {
		t.Errorf("timeout = %s, want 5m", task.Timeout)
	}
	if task.Status != types.TaskStatusQueued {
		t.Errorf("status = %s, want queued", task.Status)
	}
}

func TestCreateTask_RequiresName(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)

	if _, err := o.CreateTask(context.Background(), &types.OrchestratedTask{}); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestCreateTask_IdempotencyKey(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	first, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "import", IdempotencyKey: "import-2026-08"})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	second, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "import-again", IdempotencyKey: "import-2026-08"})
	if err != nil {
		t.Fatalf("Failed to create duplicate task: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned id %q, want original %q", second.ID, first.ID)
	}
	if second.Name != "import" {
		t.Errorf("duplicate returned name %q, want original preserved", second.Name)
	}
}

func TestDispatch_PriorityOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	o, st, registry := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	if err := registry.Register("record", func(_ context.Context, input map[string]any) (map[string]any, error) {
		mu.Lock()
		order = append(order, input["label"].(string))
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	var ids []string
	for _, task := range []*types.OrchestratedTask{
		{Name: "record", Priority: types.TaskPriorityLow, InputData: map[string]any{"label": "low"}},
		{Name: "record", Priority: types.TaskPriorityCritical, InputData: map[string]any{"label": "critical"}},
		{Name: "record", Priority: types.TaskPriorityMedium, InputData: map[string]any{"label": "medium"}},
	} {
		created, err := o.CreateTask(ctx, task)
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		ids = append(ids, created.ID)
	}

	waitFor(t, func() bool {
		o.dispatchOnce(ctx)
		for _, id := range ids {
			task, err := st.GetTask(ctx, id)
			if err != nil || task.Status != types.TaskStatusCompleted {
				return false
			}
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "medium", "low"}
	if len(order) != len(want) {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestDispatch_DependencyGating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	o, st, registry := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	if err := registry.Register("record", func(_ context.Context, input map[string]any) (map[string]any, error) {
		mu.Lock()
		order = append(order, input["label"].(string))
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	dep, err := o.CreateTask(ctx, &types.OrchestratedTask{
		Name:      "record",
		Priority:  types.TaskPriorityLow,
		InputData: map[string]any{"label": "extract"},
	})
	if err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}
	dependent, err := o.CreateTask(ctx, &types.OrchestratedTask{
		Name:         "record",
		Priority:     types.TaskPriorityCritical,
		Dependencies: []string{dep.ID},
		InputData:    map[string]any{"label": "load"},
	})
	if err != nil {
		t.Fatalf("Failed to create dependent: %v", err)
	}

	waitFor(t, func() bool {
		o.dispatchOnce(ctx)
		task, err := st.GetTask(ctx, dependent.ID)
		return err == nil && task.Status == types.TaskStatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	// The dependent outranks its dependency but must still run second.
	if len(order) != 2 || order[0] != "extract" || order[1] != "load" {
		t.Fatalf("execution order = %v, want [extract load]", order)
	}
}

func TestDispatch_FailedDependencyFailsDependent(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	// No handler registered: the dependency fails non-retryably.
	dep, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "missing-action"})
	if err != nil {
		t.Fatalf("Failed to create dependency: %v", err)
	}
	dependent, err := o.CreateTask(ctx, &types.OrchestratedTask{
		Name:         "missing-action",
		Dependencies: []string{dep.ID},
	})
	if err != nil {
		t.Fatalf("Failed to create dependent: %v", err)
	}

	waitFor(t, func() bool {
		o.dispatchOnce(ctx)
		task, err := st.GetTask(ctx, dependent.ID)
		return err == nil && task.Status == types.TaskStatusFailed
	})

	task, err := st.GetTask(ctx, dependent.ID)
	if err != nil {
		t.Fatalf("Failed to get dependent: %v", err)
	}
	if len(task.ErrorLog) != 1 || task.ErrorLog[0] != fmt.Sprintf("dependency %s ended failed", dep.ID) {
		t.Errorf("error log = %v", task.ErrorLog)
	}
}

func TestDispatch_RetryWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	o, st, registry := newTestOrchestrator(t, cfg)
	ctx := context.Background()

	if err := registry.Register("flaky", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("connection refused")
	}); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}

	base := time.Now()
	o.now = func() time.Time { return base }

	task, err := o.CreateTask(ctx, &types.OrchestratedTask{
		Name:         "flaky",
		MaxRetries:   1,
		RetryBackoff: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	waitFor(t, func() bool {
		o.dispatchOnce(ctx)
		got, err := st.GetTask(ctx, task.ID)
		return err == nil && got.Status == types.TaskStatusQueued && got.RetryCount == 1
	})

	got, _ := st.GetTask(ctx, task.ID)
	if got.NotBefore == nil || !got.NotBefore.Equal(base.Add(50*time.Millisecond)) {
		t.Fatalf("not_before = %v, want base+50ms", got.NotBefore)
	}

	// Still inside the backoff window: the task must not be picked up.
	o.dispatchOnce(ctx)
	got, _ = st.GetTask(ctx, task.ID)
	if got.Status != types.TaskStatusQueued {
		t.Fatalf("status = %s, want queued during backoff", got.Status)
	}

	// Past the backoff window the retry runs and exhausts the budget.
	o.now = func() time.Time { return base.Add(time.Second) }
	waitFor(t, func() bool {
		o.dispatchOnce(ctx)
		got, err := st.GetTask(ctx, task.ID)
		return err == nil && got.Status == types.TaskStatusFailed
	})

	got, _ = st.GetTask(ctx, task.ID)
	if len(got.ErrorLog) != 2 {
		t.Errorf("error log = %v, want 2 attempts", got.ErrorLog)
	}
}

func TestRetryDelay_Doubling(t *testing.T) {
	if got := retryDelay(50*time.Millisecond, 1); got != 50*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 50ms", got)
	}
	if got := retryDelay(50*time.Millisecond, 3); got != 200*time.Millisecond {
		t.Errorf("attempt 3 delay = %v, want 200ms", got)
	}
}

func TestRetryDelay_CappedForLargeBudgets(t *testing.T) {
	// Attempts far past the doubling range must clamp, not wrap.
	for _, attempt := range []int{13, 80, 500} {
		got := retryDelay(2*time.Second, attempt)
		if got != maxRetryDelay {
			t.Errorf("attempt %d delay = %v, want %v", attempt, got, maxRetryDelay)
		}
	}
}

func TestCancelTask(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	terminal := make(chan *types.OrchestratedTask, 1)
	o.OnTaskTerminal(func(_ context.Context, task *types.OrchestratedTask) {
		terminal <- task
	})

	task, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "cleanup"})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	cancelled, err := o.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to cancel task: %v", err)
	}
	if cancelled.Status != types.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	select {
	case got := <-terminal:
		if got.ID != task.ID {
			t.Errorf("listener got task %q, want %q", got.ID, task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal listener not invoked")
	}

	if _, err := o.CancelTask(ctx, task.ID); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected ErrTaskTerminal on second cancel, got %v", err)
	}
}

func TestCancelByTag(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	var tagged []string
	for i := 0; i < 2; i++ {
		task, err := o.CreateTask(ctx, &types.OrchestratedTask{
			Name: "step",
			Tags: map[string]string{types.TagExecutionID: "exec-1"},
		})
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		tagged = append(tagged, task.ID)
	}
	other, err := o.CreateTask(ctx, &types.OrchestratedTask{
		Name: "step",
		Tags: map[string]string{types.TagExecutionID: "exec-2"},
	})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	n, err := o.CancelByTag(ctx, types.TagExecutionID, "exec-1")
	if err != nil {
		t.Fatalf("Failed to cancel by tag: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}
	for _, id := range tagged {
		task, _ := st.GetTask(ctx, id)
		if task.Status != types.TaskStatusCancelled {
			t.Errorf("task %s status = %s, want cancelled", id, task.Status)
		}
	}
	untouched, _ := st.GetTask(ctx, other.ID)
	if untouched.Status != types.TaskStatusQueued {
		t.Errorf("unrelated task status = %s, want queued", untouched.Status)
	}
}

func TestRetryTask(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "cleanup"})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	if _, err := o.RetryTask(ctx, task.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for queued task, got %v", err)
	}

	if _, err := o.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("Failed to cancel task: %v", err)
	}
	retried, err := o.RetryTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to retry task: %v", err)
	}
	if retried.Status != types.TaskStatusQueued {
		t.Errorf("status = %s, want queued", retried.Status)
	}
	if retried.RetryCount != 0 || retried.FinishedAt != nil || retried.AssignedWorker != "" {
		t.Errorf("retry did not reset task state: %+v", retried)
	}
}

func TestPrioritize(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "cleanup"})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	if _, err := o.Prioritize(ctx, task.ID, "urgent"); err == nil {
		t.Fatal("expected error for unknown priority")
	}

	bumped, err := o.Prioritize(ctx, task.ID, types.TaskPriorityCritical)
	if err != nil {
		t.Fatalf("Failed to prioritize: %v", err)
	}
	if bumped.Priority != types.TaskPriorityCritical {
		t.Errorf("priority = %s, want critical", bumped.Priority)
	}
}

func TestPauseAndResume(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	task, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "cleanup"})
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	paused, err := o.PauseTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to pause: %v", err)
	}
	if paused.Status != types.TaskStatusPaused {
		t.Errorf("status = %s, want paused", paused.Status)
	}
	if _, err := o.PauseTask(ctx, task.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on double pause, got %v", err)
	}

	resumed, err := o.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to resume: %v", err)
	}
	if resumed.Status != types.TaskStatusQueued {
		t.Errorf("status = %s, want queued", resumed.Status)
	}
}

func TestQueueStats(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := o.CreateTask(ctx, &types.OrchestratedTask{Name: "step", Queue: "reports"}); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
	}

	stats, err := o.QueueStats(ctx)
	if err != nil {
		t.Fatalf("Failed to get queue stats: %v", err)
	}

	byName := map[string]types.TaskQueue{}
	for _, q := range stats {
		byName[q.Name] = q
	}
	reports, ok := byName["reports"]
	if !ok {
		t.Fatalf("queues = %v, want reports present", stats)
	}
	if reports.Pending != 3 || reports.Active != 0 {
		t.Errorf("reports queue = %+v, want 3 pending", reports)
	}
	if reports.WorkersAvailable != o.cfg.Workers {
		t.Errorf("workers available = %d, want %d", reports.WorkersAvailable, o.cfg.Workers)
	}
	if _, ok := byName["default"]; !ok {
		t.Error("default queue missing from stats")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register("echo", nil); err == nil {
		t.Error("expected error for nil handler")
	}
	if err := r.Register("echo", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }); err != nil {
		t.Fatalf("Failed to register handler: %v", err)
	}
	if err := r.Register("echo", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }); err == nil {
		t.Error("expected error for duplicate registration")
	}
	if _, ok := r.Resolve("echo"); !ok {
		t.Error("registered handler not resolvable")
	}
	if _, ok := r.Resolve("missing"); ok {
		t.Error("unregistered handler resolved")
	}
}
