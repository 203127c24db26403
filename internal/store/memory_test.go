package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

func testDefinition(id string) *types.ProcessDefinition {
	return &types.ProcessDefinition{
		ID:       id,
		Name:     "Test",
		IsActive: true,
		Nodes: []types.ProcessNode{
			{ID: "start", Kind: types.NodeKindStart},
			{ID: "end", Kind: types.NodeKindEnd},
		},
		Edges: []types.ProcessEdge{{ID: "e1", Source: "start", Target: "end"}},
	}
}

func TestDefinitionVersioning(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	v1 := testDefinition("approval")
	if err := st.CreateDefinition(ctx, v1); err != nil {
		t.Fatalf("Failed to create definition: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("first version = %d, want 1", v1.Version)
	}

	v2 := testDefinition("approval")
	v2.Name = "Test v2"
	if err := st.CreateDefinition(ctx, v2); err != nil {
		t.Fatalf("Failed to create second version: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("second version = %d, want 2", v2.Version)
	}

	// The newest active version wins.
	got, err := st.GetDefinition(ctx, "approval")
	if err != nil {
		t.Fatalf("Failed to get definition: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("active version = %d, want 2", got.Version)
	}

	old, err := st.GetDefinitionVersion(ctx, "approval", 1)
	if err != nil {
		t.Fatalf("Failed to get version 1: %v", err)
	}
	if old.IsActive {
		t.Error("superseded version still active")
	}

	if _, err := st.GetDefinitionVersion(ctx, "approval", 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing version, got %v", err)
	}
}

func TestActivateDefinition(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	if err := st.CreateDefinition(ctx, testDefinition("approval")); err != nil {
		t.Fatalf("Failed to create definition: %v", err)
	}
	if err := st.CreateDefinition(ctx, testDefinition("approval")); err != nil {
		t.Fatalf("Failed to create second version: %v", err)
	}

	// Roll back to version 1.
	activated, err := st.ActivateDefinition(ctx, "approval", 1)
	if err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	if activated.Version != 1 || !activated.IsActive {
		t.Errorf("activated = v%d active=%v, want v1 active", activated.Version, activated.IsActive)
	}

	got, _ := st.GetDefinition(ctx, "approval")
	if got.Version != 1 {
		t.Errorf("resolved version = %d, want 1", got.Version)
	}
	v2, _ := st.GetDefinitionVersion(ctx, "approval", 2)
	if v2.IsActive {
		t.Error("version 2 still active after rollback")
	}

	if _, err := st.ActivateDefinition(ctx, "approval", 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing version, got %v", err)
	}
	if _, err := st.ActivateDefinition(ctx, "ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing definition, got %v", err)
	}
}

func TestExecutionVersionConflict(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	exec := &types.WorkflowExecution{ID: "e1", Status: types.ExecutionStatusRunning}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	a, _ := st.GetExecution(ctx, "e1")
	b, _ := st.GetExecution(ctx, "e1")

	a.StepsCompleted = 1
	if err := st.UpdateExecution(ctx, a); err != nil {
		t.Fatalf("Failed to update execution: %v", err)
	}

	b.StepsCompleted = 99
	if err := st.UpdateExecution(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for stale writer, got %v", err)
	}

	got, _ := st.GetExecution(ctx, "e1")
	if got.StepsCompleted != 1 {
		t.Errorf("steps completed = %d, want the winning write", got.StepsCompleted)
	}
	if got.StoreVersion != 2 {
		t.Errorf("store version = %d, want 2", got.StoreVersion)
	}
}

func TestExecutionLog(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	if err := st.CreateExecution(ctx, &types.WorkflowExecution{ID: "e1"}); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	for _, status := range []string{"entered", "completed", "entered"} {
		if _, err := st.AppendExecutionLog(ctx, "e1", &types.ExecutionLogEntry{NodeID: "n", Status: status}); err != nil {
			t.Fatalf("Failed to append log: %v", err)
		}
	}

	all, err := st.GetExecutionLog(ctx, "e1", 0)
	if err != nil {
		t.Fatalf("Failed to get log: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("log entries = %d, want 3", len(all))
	}
	for i, entry := range all {
		if entry.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d, want %d", i, entry.Seq, i+1)
		}
		if entry.Timestamp.IsZero() {
			t.Errorf("entry %d has no timestamp", i)
		}
	}

	tail, err := st.GetExecutionLog(ctx, "e1", 2)
	if err != nil {
		t.Fatalf("Failed to get log tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Errorf("tail = %+v, want the entry after seq 2", tail)
	}
}

func TestExecutionLogRingBuffer(t *testing.T) {
	st := NewMemoryStore(&Config{MaxLogEntries: 3})
	ctx := context.Background()

	if err := st.CreateExecution(ctx, &types.WorkflowExecution{ID: "e1"}); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := st.AppendExecutionLog(ctx, "e1", &types.ExecutionLogEntry{NodeID: "n", Status: "entered"}); err != nil {
			t.Fatalf("Failed to append log: %v", err)
		}
	}

	entries, err := st.GetExecutionLog(ctx, "e1", 0)
	if err != nil {
		t.Fatalf("Failed to get log: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("log entries = %d, want trimmed to 3", len(entries))
	}
	// Sequence numbers keep counting across the trim.
	if entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Errorf("seq range = [%d,%d], want [3,5]", entries[0].Seq, entries[2].Seq)
	}
}

func TestSubscribeExecutionLog(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	if err := st.CreateExecution(ctx, &types.WorkflowExecution{ID: "e1"}); err != nil {
		t.Fatalf("Failed to create execution: %v", err)
	}

	ch, cleanup, err := st.SubscribeExecutionLog(ctx, "e1")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer cleanup()

	if _, err := st.AppendExecutionLog(ctx, "e1", &types.ExecutionLogEntry{NodeID: "n", Status: "entered"}); err != nil {
		t.Fatalf("Failed to append log: %v", err)
	}

	select {
	case entry := <-ch:
		if entry.NodeID != "n" || entry.Seq != 1 {
			t.Errorf("received entry = %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered to subscriber")
	}

	if _, _, err := st.SubscribeExecutionLog(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing execution, got %v", err)
	}
}

func TestClaimTask(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	task := &types.OrchestratedTask{ID: "t1", Name: "step", Status: types.TaskStatusQueued, Queue: "default"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	claimed, err := st.ClaimTask(ctx, "t1", "worker-a")
	if err != nil {
		t.Fatalf("Failed to claim task: %v", err)
	}
	if claimed.Status != types.TaskStatusRunning {
		t.Errorf("status = %s, want running", claimed.Status)
	}
	if claimed.AssignedWorker != "worker-a" {
		t.Errorf("worker = %q, want worker-a", claimed.AssignedWorker)
	}
	if claimed.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	if _, err := st.ClaimTask(ctx, "t1", "worker-b"); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable for second claim, got %v", err)
	}
	if _, err := st.ClaimTask(ctx, "ghost", "worker-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	seed := []*types.OrchestratedTask{
		{ID: "t1", Name: "a", Queue: "alpha", Status: types.TaskStatusQueued, Tags: map[string]string{"execution_id": "e1"}},
		{ID: "t2", Name: "b", Queue: "alpha", Status: types.TaskStatusCompleted, Tags: map[string]string{"execution_id": "e1"}},
		{ID: "t3", Name: "c", Queue: "beta", Status: types.TaskStatusQueued, Tags: map[string]string{"execution_id": "e2"}},
	}
	for _, task := range seed {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
	}

	byQueue, err := st.ListTasks(ctx, TaskFilter{Queue: "alpha"})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(byQueue) != 2 {
		t.Errorf("alpha queue tasks = %d, want 2", len(byQueue))
	}

	byStatus, _ := st.ListTasks(ctx, TaskFilter{Status: types.TaskStatusQueued})
	if len(byStatus) != 2 {
		t.Errorf("queued tasks = %d, want 2", len(byStatus))
	}

	byTag, _ := st.ListTasks(ctx, TaskFilter{TagKey: "execution_id", TagValue: "e1"})
	if len(byTag) != 2 {
		t.Errorf("tagged tasks = %d, want 2", len(byTag))
	}

	limited, _ := st.ListTasks(ctx, TaskFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited tasks = %d, want 1", len(limited))
	}

	queues, _ := st.ListQueues(ctx)
	if len(queues) != 2 {
		t.Errorf("queues = %v, want [alpha beta]", queues)
	}
}

func TestFindTaskByIdempotencyKey(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	task := &types.OrchestratedTask{ID: "t1", Name: "a", IdempotencyKey: "k1"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	found, err := st.FindTaskByIdempotencyKey(ctx, "k1")
	if err != nil {
		t.Fatalf("Failed to find task: %v", err)
	}
	if found.ID != "t1" {
		t.Errorf("found = %q, want t1", found.ID)
	}
	if _, err := st.FindTaskByIdempotencyKey(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListProcessedEvents(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	seed := []*types.ProcessedEvent{
		{ID: "ev1", Name: "invoice.created", Status: types.EventStatusProcessed},
		{ID: "ev2", Name: "invoice.created", Status: types.EventStatusDeadLetter},
		{ID: "ev3", Name: "user.signup", Status: types.EventStatusProcessed},
	}
	for _, ev := range seed {
		if err := st.CreateProcessedEvent(ctx, ev); err != nil {
			t.Fatalf("Failed to create event: %v", err)
		}
	}

	byName, err := st.ListProcessedEvents(ctx, EventFilter{Name: "invoice.created"})
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(byName) != 2 {
		t.Errorf("events by name = %d, want 2", len(byName))
	}

	dead, _ := st.ListProcessedEvents(ctx, EventFilter{Status: types.EventStatusDeadLetter})
	if len(dead) != 1 || dead[0].ID != "ev2" {
		t.Errorf("dead-letter events = %+v, want ev2", dead)
	}
}

func TestJobCASAndDueListing(t *testing.T) {
	st := NewMemoryStore(nil)
	ctx := context.Background()

	now := time.Now()
	soon := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	jobs := []*types.ScheduledJob{
		{ID: "due", Name: "due", IsActive: true, NextRunAt: &soon},
		{ID: "future", Name: "future", IsActive: true, NextRunAt: &later},
		{ID: "paused", Name: "paused", IsActive: false, NextRunAt: &soon},
	}
	for _, job := range jobs {
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("Failed to create job: %v", err)
		}
	}

	due, err := st.ListDueJobs(ctx, now)
	if err != nil {
		t.Fatalf("Failed to list due jobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		t.Fatalf("due jobs = %+v, want only the active due job", due)
	}

	a, _ := st.GetJob(ctx, "due")
	b, _ := st.GetJob(ctx, "due")
	a.RunCount = 1
	if err := st.UpdateJob(ctx, a); err != nil {
		t.Fatalf("Failed to update job: %v", err)
	}
	b.RunCount = 99
	if err := st.UpdateJob(ctx, b); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for stale writer, got %v", err)
	}
}
