// Package events validates, records and fans out published events.
package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Glacestorm/automation-engine/internal/engine"
	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Errors returned by processor operations.
var (
	ErrUnknownEvent      = errors.New("event is not registered")
	ErrPayloadInvalid    = errors.New("payload does not conform to schema")
	ErrNotReprocessable  = errors.New("event is not dead-lettered")
	ErrHandlerValidation = errors.New("invalid handler registration")
)

const maxEventUpdateAttempts = 8

// TaskQueuer is the slice of the task orchestrator the processor
// needs.
type TaskQueuer interface {
	CreateTask(ctx context.Context, task *types.OrchestratedTask) (*types.OrchestratedTask, error)
}

// Processor owns event registrations and the publish pipeline:
// validate against the registered schema, record the event, fan out
// one task per eligible handler, and settle the event's terminal
// status from the handler task results.
type Processor struct {
	store  store.Store
	queue  TaskQueuer
	cond   *engine.ConditionEvaluator
	logger *slog.Logger

	// compiled schema cache keyed by event id + updated-at.
	schemas   map[string]*jsonschema.Schema
	schemasMu sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// New creates a processor.
func New(st store.Store, queue TaskQueuer, logger *slog.Logger) *Processor {
	return &Processor{
		store:   st,
		queue:   queue,
		cond:    engine.NewConditionEvaluator(),
		logger:  logger,
		schemas: make(map[string]*jsonschema.Schema),
		now:     time.Now,
	}
}

// Register validates and stores an event definition. Registration is
// an upsert; the schema cache entry for a prior version is invalidated
// by the updated timestamp.
func (p *Processor) Register(ctx context.Context, def *types.EventDefinition) (*types.EventDefinition, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	ids := map[string]bool{}
	for i := range def.Handlers {
		h := &def.Handlers[i]
		if h.ID == "" {
			h.ID = uuid.NewString()
		}
		if ids[h.ID] {
			return nil, fmt.Errorf("%w: duplicate handler id %q", ErrHandlerValidation, h.ID)
		}
		ids[h.ID] = true
		if !h.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown handler type %q", ErrHandlerValidation, h.Type)
		}
		if h.Action == "" {
			return nil, fmt.Errorf("%w: handler %s has no action", ErrHandlerValidation, h.ID)
		}
	}
	for _, h := range def.Handlers {
		if h.DependsOn != "" && !ids[h.DependsOn] {
			return nil, fmt.Errorf("%w: handler %s depends on unknown handler %q", ErrHandlerValidation, h.ID, h.DependsOn)
		}
	}

	if len(def.PayloadSchema) > 0 {
		if _, err := compileSchema(def.Name, def.PayloadSchema); err != nil {
			return nil, fmt.Errorf("payload schema: %w", err)
		}
	}

	now := p.now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	if err := p.store.PutEventDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("store event definition: %w", err)
	}
	p.logger.Info("event registered", "event_name", def.Name, "handlers", len(def.Handlers))
	return def, nil
}

// Publish validates a payload against the registered schema, records
// the event, and dispatches one task per eligible handler. A repeated
// idempotency key returns the original event without re-dispatching.
func (p *Processor) Publish(ctx context.Context, name string, payload map[string]any, idempotencyKey string) (*types.ProcessedEvent, error) {
	def, err := p.store.GetEventDefinition(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
		}
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := p.store.FindEventByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	received := p.now()
	ev := &types.ProcessedEvent{
		ID:             uuid.NewString(),
		Name:           name,
		Payload:        payload,
		Status:         types.EventStatusReceived,
		IdempotencyKey: idempotencyKey,
		ReceivedAt:     received,
	}

	if verr := p.validatePayload(def, payload); verr != nil {
		ev.Status = types.EventStatusFailed
		ev.ErrorMessage = verr.Error()
		now := p.now()
		ev.ProcessedAt = &now
		if err := p.store.CreateProcessedEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("record rejected event: %w", err)
		}
		metrics.EventsTotal.WithLabelValues(string(types.EventStatusFailed)).Inc()
		return ev, fmt.Errorf("%w: %v", ErrPayloadInvalid, verr)
	}

	if err := p.store.CreateProcessedEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}

	if err := p.dispatch(ctx, def, ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// dispatch fans an event out to its eligible handlers and moves the
// event to processing (or straight to processed when nothing matched).
func (p *Processor) dispatch(ctx context.Context, def *types.EventDefinition, ev *types.ProcessedEvent) error {
	eligible, err := p.eligibleHandlers(def, ev)
	if err != nil {
		return p.settle(ctx, ev.ID, types.EventStatusFailed, err.Error())
	}

	if len(eligible) == 0 {
		return p.settle(ctx, ev.ID, types.EventStatusProcessed, "")
	}

	// Handler id -> task id, resolved in registration order so a
	// depends_on task id is known by the time the dependent dispatches.
	taskIDs := make(map[string]string, len(eligible))
	tasks := make([]*types.OrchestratedTask, 0, len(eligible))
	for _, h := range eligible {
		taskType := types.TaskTypeSequential
		if h.IsAsync {
			taskType = types.TaskTypeParallel
		}
		task := &types.OrchestratedTask{
			ID:       uuid.NewString(),
			Name:     h.Action,
			Type:     taskType,
			Priority: types.TaskPriorityMedium,
			Status:   types.TaskStatusQueued,
			Queue:    "events",
			InputData: map[string]any{
				"event_name": ev.Name,
				"payload":    ev.Payload,
			},
			MaxRetries: h.Retry.MaxRetries,
			Tags: map[string]string{
				types.TagEventID:   ev.ID,
				types.TagHandlerID: h.ID,
			},
			CreatedAt: p.now(),
		}
		if h.Retry.BackoffMs > 0 {
			task.RetryBackoff = time.Duration(h.Retry.BackoffMs) * time.Millisecond
		}
		if h.TimeoutMs > 0 {
			task.Timeout = time.Duration(h.TimeoutMs) * time.Millisecond
		}
		if h.DependsOn != "" {
			// A filtered-out dependency leaves the dependent ungated.
			if depTask, ok := taskIDs[h.DependsOn]; ok {
				task.Dependencies = []string{depTask}
			}
		}
		taskIDs[h.ID] = task.ID
		tasks = append(tasks, task)
	}

	err = p.mutateEvent(ctx, ev.ID, func(ev *types.ProcessedEvent) error {
		ev.Status = types.EventStatusProcessing
		ev.HandlerTasks = taskIDs
		return nil
	})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if _, err := p.queue.CreateTask(ctx, task); err != nil {
			p.logger.Error("dispatch handler task",
				"event_id", ev.ID,
				"handler_id", task.Tags[types.TagHandlerID],
				"error", err)
			return p.settle(ctx, ev.ID, types.EventStatusDeadLetter,
				fmt.Sprintf("dispatch handler %s: %v", task.Tags[types.TagHandlerID], err))
		}
	}

	p.logger.Info("event dispatched",
		"event_id", ev.ID,
		"event_name", ev.Name,
		"handlers", len(tasks))
	return nil
}

// eligibleHandlers applies each handler's filter to the payload.
func (p *Processor) eligibleHandlers(def *types.EventDefinition, ev *types.ProcessedEvent) ([]types.EventHandler, error) {
	env := engine.BuildEnvironment(ev.Payload)
	var out []types.EventHandler
	for _, h := range def.Handlers {
		if h.Filter != "" {
			ok, err := p.cond.EvaluateBool(h.Filter, env)
			if err != nil {
				return nil, fmt.Errorf("handler %s filter: %w", h.ID, err)
			}
			if !ok {
				continue
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// HandleTaskResult is the orchestrator's terminal-task callback for
// handler tasks. When the last required handler settles, so does the
// event: processed if all required handlers completed, dead-lettered
// if any failed.
func (p *Processor) HandleTaskResult(ctx context.Context, task *types.OrchestratedTask) {
	eventID := task.Tags[types.TagEventID]
	if eventID == "" {
		return
	}

	ev, err := p.store.GetProcessedEvent(ctx, eventID)
	if err != nil {
		p.logger.Error("load event for task result", "event_id", eventID, "error", err)
		return
	}
	if ev.Status != types.EventStatusProcessing {
		return
	}
	def, err := p.store.GetEventDefinition(ctx, ev.Name)
	if err != nil {
		p.logger.Error("load event definition", "event_name", ev.Name, "error", err)
		return
	}
	optional := map[string]bool{}
	for _, h := range def.Handlers {
		optional[h.ID] = h.Optional
	}

	allDone := true
	var failures []string
	for handlerID, taskID := range ev.HandlerTasks {
		if optional[handlerID] {
			continue
		}
		t, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			p.logger.Error("load handler task", "task_id", taskID, "error", err)
			return
		}
		switch t.Status {
		case types.TaskStatusCompleted:
		case types.TaskStatusFailed, types.TaskStatusCancelled:
			failures = append(failures, fmt.Sprintf("handler %s: task %s %s", handlerID, taskID, t.Status))
		default:
			allDone = false
		}
	}
	if !allDone {
		return
	}

	if len(failures) > 0 {
		msg := failures[0]
		if len(failures) > 1 {
			msg = fmt.Sprintf("%s (+%d more)", msg, len(failures)-1)
		}
		if err := p.settle(ctx, eventID, types.EventStatusDeadLetter, msg); err != nil {
			p.logger.Error("dead-letter event", "event_id", eventID, "error", err)
		}
		return
	}
	if err := p.settle(ctx, eventID, types.EventStatusProcessed, ""); err != nil {
		p.logger.Error("settle event", "event_id", eventID, "error", err)
	}
}

// ReprocessDeadLetter re-runs the fan-out for a dead-lettered event
// against the current registration. Fresh tasks are created; the old
// task ids remain in the audit trail of the prior attempt's tasks.
func (p *Processor) ReprocessDeadLetter(ctx context.Context, eventID string) (*types.ProcessedEvent, error) {
	ev, err := p.store.GetProcessedEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != types.EventStatusDeadLetter {
		return nil, fmt.Errorf("%w: event is %s", ErrNotReprocessable, ev.Status)
	}
	def, err := p.store.GetEventDefinition(ctx, ev.Name)
	if err != nil {
		return nil, fmt.Errorf("load event definition: %w", err)
	}

	if err := p.mutateEvent(ctx, eventID, func(ev *types.ProcessedEvent) error {
		ev.Status = types.EventStatusReceived
		ev.ErrorMessage = ""
		ev.ProcessedAt = nil
		ev.HandlerTasks = nil
		return nil
	}); err != nil {
		return nil, err
	}
	p.logger.Info("event reprocess requested", "event_id", eventID, "event_name", ev.Name)

	ev, err = p.store.GetProcessedEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := p.dispatch(ctx, def, ev); err != nil {
		return ev, err
	}
	return p.store.GetProcessedEvent(ctx, eventID)
}

// settle moves an event to a terminal status.
func (p *Processor) settle(ctx context.Context, eventID string, status types.EventStatus, errMsg string) error {
	changed := false
	var eventName string
	var tookMs int64
	err := p.mutateEvent(ctx, eventID, func(ev *types.ProcessedEvent) error {
		changed = false
		if ev.Status.Terminal() {
			return nil
		}
		changed = true
		ev.Status = status
		ev.ErrorMessage = errMsg
		now := p.now()
		ev.ProcessedAt = &now
		ev.ProcessingTimeMs = now.Sub(ev.ReceivedAt).Milliseconds()
		eventName = ev.Name
		tookMs = ev.ProcessingTimeMs
		return nil
	})
	if err != nil || !changed {
		return err
	}
	metrics.EventsTotal.WithLabelValues(string(status)).Inc()
	metrics.EventProcessingDuration.WithLabelValues(eventName).Observe(float64(tookMs) / 1000)
	if status == types.EventStatusDeadLetter {
		p.logger.Warn("event dead-lettered", "event_id", eventID, "error", errMsg)
	}
	return nil
}

// mutateEvent loads, mutates and conditionally updates one event,
// retrying on version conflict.
func (p *Processor) mutateEvent(ctx context.Context, id string, fn func(*types.ProcessedEvent) error) error {
	for attempt := 0; attempt < maxEventUpdateAttempts; attempt++ {
		ev, err := p.store.GetProcessedEvent(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
		if err := p.store.UpdateProcessedEvent(ctx, ev); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("update event %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("event %s: too many concurrent updates", id)
}

// validatePayload checks the payload against the registered schema.
// Events without a schema accept any payload.
func (p *Processor) validatePayload(def *types.EventDefinition, payload map[string]any) error {
	if len(def.PayloadSchema) == 0 {
		return nil
	}

	key := fmt.Sprintf("%s@%d", def.ID, def.UpdatedAt.UnixNano())
	p.schemasMu.Lock()
	sch, ok := p.schemas[key]
	p.schemasMu.Unlock()
	if !ok {
		var err error
		sch, err = compileSchema(def.Name, def.PayloadSchema)
		if err != nil {
			return fmt.Errorf("compile schema: %w", err)
		}
		p.schemasMu.Lock()
		p.schemas[key] = sch
		p.schemasMu.Unlock()
	}

	var doc any = payload
	if payload == nil {
		doc = map[string]any{}
	}
	if err := sch.Validate(doc); err != nil {
		return err
	}
	return nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("event://%s/schema.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
