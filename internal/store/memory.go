package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// MemoryStore is an in-memory implementation of Store. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	definitions map[string][]*types.ProcessDefinition // id -> versions ascending
	executions  map[string]*types.WorkflowExecution
	logs        map[string][]*types.ExecutionLogEntry
	logSeq      map[string]int64
	tasks       map[string]*types.OrchestratedTask
	eventDefs   map[string]*types.EventDefinition // keyed by event name
	events      map[string]*types.ProcessedEvent
	jobs        map[string]*types.ScheduledJob
	jobExecs    map[string]*types.JobExecution

	subscribers map[string]map[chan *types.ExecutionLogEntry]struct{}

	config *Config
	closed bool
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		definitions: make(map[string][]*types.ProcessDefinition),
		executions:  make(map[string]*types.WorkflowExecution),
		logs:        make(map[string][]*types.ExecutionLogEntry),
		logSeq:      make(map[string]int64),
		tasks:       make(map[string]*types.OrchestratedTask),
		eventDefs:   make(map[string]*types.EventDefinition),
		events:      make(map[string]*types.ProcessedEvent),
		jobs:        make(map[string]*types.ScheduledJob),
		jobExecs:    make(map[string]*types.JobExecution),
		subscribers: make(map[string]map[chan *types.ExecutionLogEntry]struct{}),
		config:      cfg,
	}
}

// cloneJSON deep-copies a record so callers never share mutable state
// with the store.
func cloneJSON[T any](v *T) *T {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(b, out)
	return out
}

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *types.ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.ID]
	def.Version = len(versions) + 1
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	if def.IsActive {
		for _, v := range versions {
			v.IsActive = false
		}
	}
	s.definitions[def.ID] = append(versions, cloneJSON(def))
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*types.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	// Prefer the active version, fall back to the latest.
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].IsActive {
			return cloneJSON(versions[i]), nil
		}
	}
	return cloneJSON(versions[len(versions)-1]), nil
}

func (s *MemoryStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*types.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.definitions[id] {
		if v.Version == version {
			return cloneJSON(v), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ActivateDefinition(ctx context.Context, id string, version int) (*types.ProcessDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *types.ProcessDefinition
	for _, v := range s.definitions[id] {
		if v.Version == version {
			target = v
			break
		}
	}
	if target == nil {
		return nil, ErrNotFound
	}
	for _, v := range s.definitions[id] {
		v.IsActive = v.Version == version
	}
	target.UpdatedAt = time.Now().UTC()
	return cloneJSON(target), nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*types.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ProcessDefinition, 0, len(s.definitions))
	for _, versions := range s.definitions {
		out = append(out, cloneJSON(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return ErrExists
	}
	exec.StoreVersion = 1
	s.executions[exec.ID] = cloneJSON(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneJSON(exec)
	out.Log = append([]types.ExecutionLogEntry(nil), derefLog(s.logs[id])...)
	return out, nil
}

func derefLog(entries []*types.ExecutionLogEntry) []types.ExecutionLogEntry {
	out := make([]types.ExecutionLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

func (s *MemoryStore) ListExecutions(ctx context.Context, definitionID string) ([]*types.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.WorkflowExecution
	for _, exec := range s.executions {
		if definitionID != "" && exec.DefinitionID != definitionID {
			continue
		}
		out = append(out, cloneJSON(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if current.StoreVersion != exec.StoreVersion {
		return ErrVersionConflict
	}
	exec.StoreVersion++
	stored := cloneJSON(exec)
	stored.Log = nil // log lives in s.logs
	s.executions[exec.ID] = stored
	return nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return ErrNotFound
	}
	delete(s.executions, id)
	delete(s.logs, id)
	delete(s.logSeq, id)
	for ch := range s.subscribers[id] {
		close(ch)
	}
	delete(s.subscribers, id)
	return nil
}

// --- Execution log ---

func (s *MemoryStore) AppendExecutionLog(ctx context.Context, execID string, entry *types.ExecutionLogEntry) (*types.ExecutionLogEntry, error) {
	s.mu.Lock()

	if _, ok := s.executions[execID]; !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	s.logSeq[execID]++
	stored := cloneJSON(entry)
	stored.Seq = s.logSeq[execID]
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	entries := append(s.logs[execID], stored)
	if int64(len(entries)) > s.config.MaxLogEntries {
		entries = entries[1:]
	}
	s.logs[execID] = entries

	subs := make([]chan *types.ExecutionLogEntry, 0, len(s.subscribers[execID]))
	for ch := range s.subscribers[execID] {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	// Notify outside the lock; drop on slow subscribers.
	for _, ch := range subs {
		select {
		case ch <- stored:
		default:
		}
	}
	return cloneJSON(stored), nil
}

func (s *MemoryStore) GetExecutionLog(ctx context.Context, execID string, sinceSeq int64) ([]*types.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.executions[execID]; !ok {
		return nil, ErrNotFound
	}
	var out []*types.ExecutionLogEntry
	for _, e := range s.logs[execID] {
		if e.Seq > sinceSeq {
			out = append(out, cloneJSON(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) SubscribeExecutionLog(ctx context.Context, execID string) (<-chan *types.ExecutionLogEntry, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[execID]; !ok {
		return nil, nil, ErrNotFound
	}
	ch := make(chan *types.ExecutionLogEntry, 100)
	if s.subscribers[execID] == nil {
		s.subscribers[execID] = make(map[chan *types.ExecutionLogEntry]struct{})
	}
	s.subscribers[execID][ch] = struct{}{}

	cleanup := func() {
		s.mu.Lock()
		delete(s.subscribers[execID], ch)
		s.mu.Unlock()
	}
	return ch, cleanup, nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, task *types.OrchestratedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return ErrExists
	}
	task.StoreVersion = 1
	s.tasks[task.ID] = cloneJSON(task)
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*types.OrchestratedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(task), nil
}

func (s *MemoryStore) FindTaskByIdempotencyKey(ctx context.Context, key string) (*types.OrchestratedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, task := range s.tasks {
		if task.IdempotencyKey != "" && task.IdempotencyKey == key {
			return cloneJSON(task), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.OrchestratedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.OrchestratedTask
	for _, task := range s.tasks {
		if filter.Queue != "" && task.Queue != filter.Queue {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.TagKey != "" && task.Tags[filter.TagKey] != filter.TagValue {
			continue
		}
		out = append(out, cloneJSON(task))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListQueues(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, task := range s.tasks {
		seen[task.Queue] = true
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, id, workerID string) (*types.OrchestratedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.Status != types.TaskStatusQueued {
		return nil, ErrNotClaimable
	}
	now := time.Now().UTC()
	task.Status = types.TaskStatusRunning
	task.AssignedWorker = workerID
	task.StartedAt = &now
	task.StoreVersion++
	return cloneJSON(task), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *types.OrchestratedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	if current.StoreVersion != task.StoreVersion {
		return ErrVersionConflict
	}
	task.StoreVersion++
	s.tasks[task.ID] = cloneJSON(task)
	return nil
}

// --- Events ---

func (s *MemoryStore) PutEventDefinition(ctx context.Context, def *types.EventDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.eventDefs[def.Name]; ok {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.eventDefs[def.Name] = cloneJSON(def)
	return nil
}

func (s *MemoryStore) GetEventDefinition(ctx context.Context, name string) (*types.EventDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.eventDefs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(def), nil
}

func (s *MemoryStore) ListEventDefinitions(ctx context.Context) ([]*types.EventDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.EventDefinition, 0, len(s.eventDefs))
	for _, def := range s.eventDefs {
		out = append(out, cloneJSON(def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateProcessedEvent(ctx context.Context, ev *types.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return ErrExists
	}
	ev.StoreVersion = 1
	s.events[ev.ID] = cloneJSON(ev)
	return nil
}

func (s *MemoryStore) GetProcessedEvent(ctx context.Context, id string) (*types.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(ev), nil
}

func (s *MemoryStore) FindEventByIdempotencyKey(ctx context.Context, key string) (*types.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ev := range s.events {
		if ev.IdempotencyKey != "" && ev.IdempotencyKey == key {
			return cloneJSON(ev), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateProcessedEvent(ctx context.Context, ev *types.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.events[ev.ID]
	if !ok {
		return ErrNotFound
	}
	if current.StoreVersion != ev.StoreVersion {
		return ErrVersionConflict
	}
	ev.StoreVersion++
	s.events[ev.ID] = cloneJSON(ev)
	return nil
}

func (s *MemoryStore) ListProcessedEvents(ctx context.Context, filter EventFilter) ([]*types.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ProcessedEvent
	for _, ev := range s.events {
		if filter.Name != "" && !strings.EqualFold(ev.Name, filter.Name) {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, cloneJSON(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *types.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrExists
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StoreVersion = 1
	s.jobs[job.ID] = cloneJSON(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(job), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *types.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.StoreVersion != job.StoreVersion {
		return ErrVersionConflict
	}
	job.StoreVersion++
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = cloneJSON(job)
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context) ([]*types.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJSON(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListDueJobs(ctx context.Context, now time.Time) ([]*types.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ScheduledJob
	for _, job := range s.jobs {
		if !job.IsActive || job.NextRunAt == nil {
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}
		out = append(out, cloneJSON(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

// --- Job executions ---

func (s *MemoryStore) CreateJobExecution(ctx context.Context, exec *types.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobExecs[exec.ID]; ok {
		return ErrExists
	}
	exec.StoreVersion = 1
	s.jobExecs[exec.ID] = cloneJSON(exec)
	return nil
}

func (s *MemoryStore) GetJobExecution(ctx context.Context, id string) (*types.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.jobExecs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(exec), nil
}

func (s *MemoryStore) FindJobExecutionByIdempotencyKey(ctx context.Context, key string) (*types.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, exec := range s.jobExecs {
		if exec.IdempotencyKey != "" && exec.IdempotencyKey == key {
			return cloneJSON(exec), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateJobExecution(ctx context.Context, exec *types.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobExecs[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if current.StoreVersion != exec.StoreVersion {
		return ErrVersionConflict
	}
	exec.StoreVersion++
	s.jobExecs[exec.ID] = cloneJSON(exec)
	return nil
}

func (s *MemoryStore) ListJobExecutions(ctx context.Context, jobID string, limit int) ([]*types.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.JobExecution
	for _, exec := range s.jobExecs {
		if jobID != "" && exec.JobID != jobID {
			continue
		}
		out = append(out, cloneJSON(exec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListRunningJobExecutions(ctx context.Context) ([]*types.JobExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.JobExecution
	for _, exec := range s.jobExecs {
		if exec.Status == types.JobExecutionRunning {
			out = append(out, cloneJSON(exec))
		}
	}
	return out, nil
}

// --- Diagnostics ---

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"adapter":     "memory",
		"definitions": len(s.definitions),
		"executions":  len(s.executions),
		"tasks":       len(s.tasks),
		"events":      len(s.events),
		"jobs":        len(s.jobs),
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subscribers {
		for ch := range subs {
			close(ch)
		}
	}
	s.subscribers = make(map[string]map[chan *types.ExecutionLogEntry]struct{})
	return nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
