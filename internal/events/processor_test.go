package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// captureQueue persists dispatched tasks so result settlement can read
// them back, and records them for assertions.
type captureQueue struct {
	st      *store.MemoryStore
	created []*types.OrchestratedTask
}

func (q *captureQueue) CreateTask(ctx context.Context, task *types.OrchestratedTask) (*types.OrchestratedTask, error) {
	if err := q.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	q.created = append(q.created, task)
	return task, nil
}

func newTestProcessor(t *testing.T) (*Processor, *store.MemoryStore, *captureQueue) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	queue := &captureQueue{st: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, queue, logger), st, queue
}

// settleTask marks a dispatched handler task terminal and feeds the
// result back into the processor.
func settleTask(t *testing.T, p *Processor, st *store.MemoryStore, taskID string, status types.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	task.Status = status
	if err := st.UpdateTask(ctx, task); err != nil {
		t.Fatalf("Failed to update task: %v", err)
	}
	p.HandleTaskResult(ctx, task)
}

func invoiceDefinition() *types.EventDefinition {
	return &types.EventDefinition{
		Name:          "invoice.created",
		Source:        "billing",
		PayloadSchema: json.RawMessage(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`),
		Handlers: []types.EventHandler{
			{ID: "notify", Type: types.HandlerTypeNotification, Action: "send-notice"},
		},
	}
}

func TestRegister_Validation(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	ctx := context.Background()

	tests := []struct {
		name string
		def  *types.EventDefinition
	}{
		{
			name: "missing event name",
			def:  &types.EventDefinition{},
		},
		{
			name: "duplicate handler id",
			def: &types.EventDefinition{
				Name: "x",
				Handlers: []types.EventHandler{
					{ID: "h1", Type: types.HandlerTypeFunction, Action: "a"},
					{ID: "h1", Type: types.HandlerTypeFunction, Action: "b"},
				},
			},
		},
		{
			name: "unknown handler type",
			def: &types.EventDefinition{
				Name:     "x",
				Handlers: []types.EventHandler{{Type: "cron", Action: "a"}},
			},
		},
		{
			name: "handler without action",
			def: &types.EventDefinition{
				Name:     "x",
				Handlers: []types.EventHandler{{Type: types.HandlerTypeFunction}},
			},
		},
		{
			name: "depends_on unknown handler",
			def: &types.EventDefinition{
				Name: "x",
				Handlers: []types.EventHandler{
					{ID: "h1", Type: types.HandlerTypeFunction, Action: "a", DependsOn: "ghost"},
				},
			},
		},
		{
			name: "malformed schema",
			def: &types.EventDefinition{
				Name:          "x",
				PayloadSchema: json.RawMessage(`{"type": 12}`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Register(ctx, tt.def); err == nil {
				t.Fatal("expected registration error")
			}
		})
	}
}

func TestRegister_GeneratesIDs(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	def, err := p.Register(context.Background(), invoiceDefinition())
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	if def.ID == "" {
		t.Error("expected generated definition id")
	}
	if def.Handlers[0].ID == "" {
		t.Error("expected generated handler id")
	}
}

func TestPublish_UnknownEvent(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	_, err := p.Publish(context.Background(), "ghost.event", nil, "")
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestPublish_SchemaRejection(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, invoiceDefinition()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"currency": "EUR"}, "")
	if !errors.Is(err, ErrPayloadInvalid) {
		t.Fatalf("expected ErrPayloadInvalid, got %v", err)
	}
	if ev == nil || ev.Status != types.EventStatusFailed {
		t.Fatalf("event = %+v, want recorded with status failed", ev)
	}
	if ev.ErrorMessage == "" {
		t.Error("expected validation detail in error message")
	}
	if len(queue.created) != 0 {
		t.Errorf("dispatched tasks = %d, want none", len(queue.created))
	}

	// The rejection is part of the audit trail.
	stored, err := st.GetProcessedEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Failed to get event: %v", err)
	}
	if stored.Status != types.EventStatusFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
}

func TestPublish_DispatchesHandlers(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, invoiceDefinition()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 250.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if len(queue.created) != 1 {
		t.Fatalf("dispatched tasks = %d, want 1", len(queue.created))
	}

	task := queue.created[0]
	if task.Name != "send-notice" {
		t.Errorf("task name = %q, want send-notice", task.Name)
	}
	if task.Tags[types.TagEventID] != ev.ID {
		t.Errorf("task tags = %v", task.Tags)
	}
	if task.InputData["event_name"] != "invoice.created" {
		t.Errorf("task input = %v", task.InputData)
	}

	stored, _ := st.GetProcessedEvent(ctx, ev.ID)
	if stored.Status != types.EventStatusProcessing {
		t.Errorf("status = %s, want processing", stored.Status)
	}
	if len(stored.HandlerTasks) != 1 {
		t.Errorf("handler tasks = %v, want 1", stored.HandlerTasks)
	}
}

func TestPublish_AsyncHandlerTaskType(t *testing.T) {
	p, _, queue := newTestProcessor(t)
	ctx := context.Background()

	def := invoiceDefinition()
	def.Handlers = []types.EventHandler{
		{ID: "notify", Type: types.HandlerTypeNotification, Action: "send-notice"},
		{ID: "archive", Type: types.HandlerTypeFunction, Action: "archive-invoice", IsAsync: true},
	}
	if _, err := p.Register(ctx, def); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 250.0}, ""); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if len(queue.created) != 2 {
		t.Fatalf("dispatched tasks = %d, want 2", len(queue.created))
	}

	byName := map[string]types.TaskType{}
	for _, task := range queue.created {
		byName[task.Name] = task.Type
	}
	if byName["send-notice"] != types.TaskTypeSequential {
		t.Errorf("send-notice task type = %s, want sequential", byName["send-notice"])
	}
	if byName["archive-invoice"] != types.TaskTypeParallel {
		t.Errorf("archive-invoice task type = %s, want parallel", byName["archive-invoice"])
	}
}

func TestPublish_IdempotencyKey(t *testing.T) {
	p, _, queue := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, invoiceDefinition()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	first, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 10.0}, "inv-42")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	second, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 99.0}, "inv-42")
	if err != nil {
		t.Fatalf("Failed to re-publish: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate publish returned %q, want original %q", second.ID, first.ID)
	}
	if len(queue.created) != 1 {
		t.Errorf("dispatched tasks = %d, want 1 (no re-dispatch)", len(queue.created))
	}
}

func TestPublish_FilterSkipsHandler(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	def := invoiceDefinition()
	def.Handlers = []types.EventHandler{
		{ID: "large", Type: types.HandlerTypeFunction, Action: "flag-review", Filter: "amount > 100"},
		{ID: "all", Type: types.HandlerTypeFunction, Action: "record"},
	}
	if _, err := p.Register(ctx, def); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 50.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if len(queue.created) != 1 || queue.created[0].Name != "record" {
		t.Fatalf("dispatched = %v, want only the unfiltered handler", queue.created)
	}

	stored, _ := st.GetProcessedEvent(ctx, ev.ID)
	if _, ok := stored.HandlerTasks["large"]; ok {
		t.Errorf("filtered handler present in handler tasks: %v", stored.HandlerTasks)
	}
}

func TestPublish_NoEligibleHandlers(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	ctx := context.Background()

	def := invoiceDefinition()
	def.Handlers = []types.EventHandler{
		{ID: "large", Type: types.HandlerTypeFunction, Action: "flag-review", Filter: "amount > 100"},
	}
	if _, err := p.Register(ctx, def); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 5.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	stored, _ := st.GetProcessedEvent(ctx, ev.ID)
	if stored.Status != types.EventStatusProcessed {
		t.Errorf("status = %s, want processed when nothing matched", stored.Status)
	}
}

func TestPublish_DependsOnChainsTasks(t *testing.T) {
	p, _, queue := newTestProcessor(t)
	ctx := context.Background()

	def := invoiceDefinition()
	def.Handlers = []types.EventHandler{
		{ID: "persist", Type: types.HandlerTypeFunction, Action: "persist"},
		{ID: "notify", Type: types.HandlerTypeNotification, Action: "send-notice", DependsOn: "persist"},
	}
	if _, err := p.Register(ctx, def); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}

	if _, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 10.0}, ""); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if len(queue.created) != 2 {
		t.Fatalf("dispatched tasks = %d, want 2", len(queue.created))
	}
	persistTask, notifyTask := queue.created[0], queue.created[1]
	if len(notifyTask.Dependencies) != 1 || notifyTask.Dependencies[0] != persistTask.ID {
		t.Errorf("notify dependencies = %v, want [%s]", notifyTask.Dependencies, persistTask.ID)
	}
}

func TestHandleTaskResult_SettlesEvent(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, invoiceDefinition()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 10.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	settleTask(t, p, st, queue.created[0].ID, types.TaskStatusCompleted)

	got, _ := st.GetProcessedEvent(ctx, ev.ID)
	if got.Status != types.EventStatusProcessed {
		t.Fatalf("status = %s, want processed", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Error("expected processed_at to be set")
	}
}

func TestHandleTaskResult_FailureDeadLetters(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, invoiceDefinition()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 10.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	settleTask(t, p, st, queue.created[0].ID, types.TaskStatusFailed)

	got, _ := st.GetProcessedEvent(ctx, ev.ID)
	if got.Status != types.EventStatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("expected failure detail in error message")
	}
}

func TestHandleTaskResult_OptionalHandlerDoesNotGate(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	def := invoiceDefinition()
	def.Handlers = []types.EventHandler{
		{ID: "persist", Type: types.HandlerTypeFunction, Action: "persist"},
		{ID: "metrics", Type: types.HandlerTypeFunction, Action: "count", Optional: true},
	}
	if _, err := p.Register(ctx, def); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 10.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	// The optional handler fails first; the event must stay open.
	settleTask(t, p, st, queue.created[1].ID, types.TaskStatusFailed)
	mid, _ := st.GetProcessedEvent(ctx, ev.ID)
	if mid.Status != types.EventStatusProcessing {
		t.Fatalf("status = %s, want processing after optional failure", mid.Status)
	}

	settleTask(t, p, st, queue.created[0].ID, types.TaskStatusCompleted)
	got, _ := st.GetProcessedEvent(ctx, ev.ID)
	if got.Status != types.EventStatusProcessed {
		t.Fatalf("status = %s, want processed despite optional failure", got.Status)
	}
}

func TestReprocessDeadLetter(t *testing.T) {
	p, st, queue := newTestProcessor(t)
	ctx := context.Background()

	if _, err := p.Register(ctx, invoiceDefinition()); err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	ev, err := p.Publish(ctx, "invoice.created", map[string]any{"amount": 10.0}, "")
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	settleTask(t, p, st, queue.created[0].ID, types.TaskStatusFailed)

	reprocessed, err := p.ReprocessDeadLetter(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Failed to reprocess: %v", err)
	}
	if reprocessed.Status != types.EventStatusProcessing {
		t.Fatalf("status = %s, want processing", reprocessed.Status)
	}
	if len(queue.created) != 2 {
		t.Fatalf("dispatched tasks = %d, want a fresh task", len(queue.created))
	}
	if queue.created[1].ID == queue.created[0].ID {
		t.Error("reprocess reused the failed task id")
	}
	if reprocessed.ErrorMessage != "" {
		t.Errorf("error message = %q, want cleared", reprocessed.ErrorMessage)
	}

	// Completing the fresh task settles the event for good.
	settleTask(t, p, st, queue.created[1].ID, types.TaskStatusCompleted)
	got, _ := st.GetProcessedEvent(ctx, ev.ID)
	if got.Status != types.EventStatusProcessed {
		t.Fatalf("status = %s, want processed", got.Status)
	}

	if _, err := p.ReprocessDeadLetter(ctx, ev.ID); !errors.Is(err, ErrNotReprocessable) {
		t.Fatalf("expected ErrNotReprocessable, got %v", err)
	}
}
