package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// RedisStore implements Store backed by Redis. Records are stored as
// JSON blobs; conditional updates use WATCH/MULTI transactions so a
// lost race surfaces as ErrVersionConflict instead of silent clobber.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	maxLog int64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int

	// Prefix for all keys (default: "automation").
	Prefix string

	// TTL applied to terminal records.
	TTL time.Duration

	MaxLogEntries int64

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:           "redis://localhost:6379/0",
		Prefix:        "automation",
		TTL:           7 * 24 * time.Hour,
		MaxLogEntries: 5000,
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "automation"
	}
	maxLog := cfg.MaxLogEntries
	if maxLog <= 0 {
		maxLog = 5000
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		maxLog: maxLog,
	}, nil
}

// Key helpers
func (s *RedisStore) key(parts ...any) string {
	k := s.prefix
	for _, p := range parts {
		k += fmt.Sprintf(":%v", p)
	}
	return k
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(data, out)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

// casUpdate re-reads key under WATCH, checks the caller's StoreVersion
// against the stored one via check, and writes the updated blob.
func (s *RedisStore) casUpdate(ctx context.Context, key string, expected int64, bump func(int64), v any) error {
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var probe struct {
			StoreVersion int64 `json:"store_version"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			return err
		}
		if probe.StoreVersion != expected {
			return ErrVersionConflict
		}
		bump(expected + 1)
		blob, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, blob, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// --- Definitions ---

func (s *RedisStore) CreateDefinition(ctx context.Context, def *types.ProcessDefinition) error {
	version, err := s.client.Incr(ctx, s.key("def", def.ID, "seq")).Result()
	if err != nil {
		return fmt.Errorf("definition version seq: %w", err)
	}
	def.Version = int(version)
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.setJSON(ctx, s.key("def", def.ID, def.Version), def); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.key("defs"), def.ID)
	if def.IsActive {
		pipe.Set(ctx, s.key("def", def.ID, "active"), def.Version, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetDefinition(ctx context.Context, id string) (*types.ProcessDefinition, error) {
	version, err := s.client.Get(ctx, s.key("def", id, "active")).Int()
	if errors.Is(err, redis.Nil) {
		// No active version; fall back to the latest.
		version, err = s.client.Get(ctx, s.key("def", id, "seq")).Int()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
	}
	if err != nil {
		return nil, fmt.Errorf("redis get definition %s: %w", id, err)
	}
	return s.GetDefinitionVersion(ctx, id, version)
}

func (s *RedisStore) GetDefinitionVersion(ctx context.Context, id string, version int) (*types.ProcessDefinition, error) {
	var def types.ProcessDefinition
	if err := s.getJSON(ctx, s.key("def", id, version), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *RedisStore) ActivateDefinition(ctx context.Context, id string, version int) (*types.ProcessDefinition, error) {
	def, err := s.GetDefinitionVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}

	prev, err := s.client.Get(ctx, s.key("def", id, "active")).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis active pointer %s: %w", id, err)
	}
	if err == nil && prev != version {
		old, err := s.GetDefinitionVersion(ctx, id, prev)
		if err == nil {
			old.IsActive = false
			if err := s.setJSON(ctx, s.key("def", id, prev), old); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	def.IsActive = true
	def.UpdatedAt = time.Now().UTC()
	if err := s.setJSON(ctx, s.key("def", id, version), def); err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.key("def", id, "active"), version, 0).Err(); err != nil {
		return nil, fmt.Errorf("redis set active %s: %w", id, err)
	}
	return def, nil
}

func (s *RedisStore) ListDefinitions(ctx context.Context) ([]*types.ProcessDefinition, error) {
	ids, err := s.client.SMembers(ctx, s.key("defs")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list definitions: %w", err)
	}
	sort.Strings(ids)
	out := make([]*types.ProcessDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// --- Executions ---

func (s *RedisStore) CreateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	key := s.key("exec", exec.ID)
	exec.StoreVersion = 1
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return s.client.SAdd(ctx, s.key("execs"), exec.ID).Err()
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := s.getJSON(ctx, s.key("exec", id), &exec); err != nil {
		return nil, err
	}
	entries, err := s.GetExecutionLog(ctx, id, 0)
	if err == nil {
		for _, e := range entries {
			exec.Log = append(exec.Log, *e)
		}
	}
	return &exec, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, definitionID string) ([]*types.WorkflowExecution, error) {
	ids, err := s.client.SMembers(ctx, s.key("execs")).Result()
	if err != nil {
		return nil, err
	}
	var out []*types.WorkflowExecution
	for _, id := range ids {
		var exec types.WorkflowExecution
		if err := s.getJSON(ctx, s.key("exec", id), &exec); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if definitionID != "" && exec.DefinitionID != definitionID {
			continue
		}
		out = append(out, &exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	trimmed := *exec
	trimmed.Log = nil // log lives in its own list
	return s.casUpdate(ctx, s.key("exec", exec.ID), exec.StoreVersion, func(v int64) {
		trimmed.StoreVersion = v
		exec.StoreVersion = v
	}, &trimmed)
}

func (s *RedisStore) DeleteExecution(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx,
		s.key("exec", id),
		s.key("exec", id, "log"),
		s.key("exec", id, "logseq"),
	).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.SRem(ctx, s.key("execs"), id).Err()
}

// --- Execution log ---

func (s *RedisStore) AppendExecutionLog(ctx context.Context, execID string, entry *types.ExecutionLogEntry) (*types.ExecutionLogEntry, error) {
	exists, err := s.client.Exists(ctx, s.key("exec", execID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	seq, err := s.client.Incr(ctx, s.key("exec", execID, "logseq")).Result()
	if err != nil {
		return nil, err
	}
	stored := *entry
	stored.Seq = seq
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.key("exec", execID, "log"), data)
	pipe.LTrim(ctx, s.key("exec", execID, "log"), -s.maxLog, -1)
	pipe.Publish(ctx, s.key("exec", execID, "stream"), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *RedisStore) GetExecutionLog(ctx context.Context, execID string, sinceSeq int64) ([]*types.ExecutionLogEntry, error) {
	exists, err := s.client.Exists(ctx, s.key("exec", execID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	raw, err := s.client.LRange(ctx, s.key("exec", execID, "log"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*types.ExecutionLogEntry
	for _, item := range raw {
		var entry types.ExecutionLogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.Seq > sinceSeq {
			out = append(out, &entry)
		}
	}
	return out, nil
}

func (s *RedisStore) SubscribeExecutionLog(ctx context.Context, execID string) (<-chan *types.ExecutionLogEntry, func(), error) {
	exists, err := s.client.Exists(ctx, s.key("exec", execID)).Result()
	if err != nil {
		return nil, nil, err
	}
	if exists == 0 {
		return nil, nil, ErrNotFound
	}

	pubsub := s.client.Subscribe(ctx, s.key("exec", execID, "stream"))
	ch := make(chan *types.ExecutionLogEntry, 100)

	go func() {
		defer close(ch)
		for msg := range pubsub.Channel() {
			var entry types.ExecutionLogEntry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				continue
			}
			select {
			case ch <- &entry:
			default:
			}
		}
	}()

	cleanup := func() { _ = pubsub.Close() }
	return ch, cleanup, nil
}

// --- Tasks ---

func (s *RedisStore) CreateTask(ctx context.Context, task *types.OrchestratedTask) error {
	key := s.key("task", task.ID)
	task.StoreVersion = 1
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.key("tasks"), task.ID)
	pipe.SAdd(ctx, s.key("queues"), task.Queue)
	if task.IdempotencyKey != "" {
		pipe.HSet(ctx, s.key("task", "idem"), task.IdempotencyKey, task.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*types.OrchestratedTask, error) {
	var task types.OrchestratedTask
	if err := s.getJSON(ctx, s.key("task", id), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *RedisStore) FindTaskByIdempotencyKey(ctx context.Context, key string) (*types.OrchestratedTask, error) {
	id, err := s.client.HGet(ctx, s.key("task", "idem"), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *RedisStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.OrchestratedTask, error) {
	ids, err := s.client.SMembers(ctx, s.key("tasks")).Result()
	if err != nil {
		return nil, err
	}
	var out []*types.OrchestratedTask
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Queue != "" && task.Queue != filter.Queue {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.TagKey != "" && task.Tags[filter.TagKey] != filter.TagValue {
			continue
		}
		out = append(out, task)
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

func (s *RedisStore) ListQueues(ctx context.Context) ([]string, error) {
	queues, err := s.client.SMembers(ctx, s.key("queues")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(queues)
	return queues, nil
}

func (s *RedisStore) ClaimTask(ctx context.Context, id, workerID string) (*types.OrchestratedTask, error) {
	key := s.key("task", id)
	var claimed *types.OrchestratedTask

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var task types.OrchestratedTask
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status != types.TaskStatusQueued {
			return ErrNotClaimable
		}
		now := time.Now().UTC()
		task.Status = types.TaskStatusRunning
		task.AssignedWorker = workerID
		task.StartedAt = &now
		task.StoreVersion++
		blob, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, blob, 0)
			return nil
		})
		if err == nil {
			claimed = &task
		}
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *RedisStore) UpdateTask(ctx context.Context, task *types.OrchestratedTask) error {
	return s.casUpdate(ctx, s.key("task", task.ID), task.StoreVersion, func(v int64) {
		task.StoreVersion = v
	}, task)
}

// --- Events ---

func (s *RedisStore) PutEventDefinition(ctx context.Context, def *types.EventDefinition) error {
	now := time.Now().UTC()
	var existing types.EventDefinition
	if err := s.getJSON(ctx, s.key("eventdef", def.Name), &existing); err == nil {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	if err := s.setJSON(ctx, s.key("eventdef", def.Name), def); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("eventdefs"), def.Name).Err()
}

func (s *RedisStore) GetEventDefinition(ctx context.Context, name string) (*types.EventDefinition, error) {
	var def types.EventDefinition
	if err := s.getJSON(ctx, s.key("eventdef", name), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *RedisStore) ListEventDefinitions(ctx context.Context) ([]*types.EventDefinition, error) {
	names, err := s.client.SMembers(ctx, s.key("eventdefs")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]*types.EventDefinition, 0, len(names))
	for _, name := range names {
		def, err := s.GetEventDefinition(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *RedisStore) CreateProcessedEvent(ctx context.Context, ev *types.ProcessedEvent) error {
	key := s.key("event", ev.ID)
	ev.StoreVersion = 1
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.key("events"), ev.ID)
	if ev.IdempotencyKey != "" {
		pipe.HSet(ctx, s.key("event", "idem"), ev.IdempotencyKey, ev.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetProcessedEvent(ctx context.Context, id string) (*types.ProcessedEvent, error) {
	var ev types.ProcessedEvent
	if err := s.getJSON(ctx, s.key("event", id), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *RedisStore) FindEventByIdempotencyKey(ctx context.Context, key string) (*types.ProcessedEvent, error) {
	id, err := s.client.HGet(ctx, s.key("event", "idem"), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetProcessedEvent(ctx, id)
}

func (s *RedisStore) UpdateProcessedEvent(ctx context.Context, ev *types.ProcessedEvent) error {
	return s.casUpdate(ctx, s.key("event", ev.ID), ev.StoreVersion, func(v int64) {
		ev.StoreVersion = v
	}, ev)
}

func (s *RedisStore) ListProcessedEvents(ctx context.Context, filter EventFilter) ([]*types.ProcessedEvent, error) {
	ids, err := s.client.SMembers(ctx, s.key("events")).Result()
	if err != nil {
		return nil, err
	}
	var out []*types.ProcessedEvent
	for _, id := range ids {
		ev, err := s.GetProcessedEvent(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Name != "" && ev.Name != filter.Name {
			continue
		}
		if filter.Status != "" && ev.Status != filter.Status {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Jobs ---

func (s *RedisStore) CreateJob(ctx context.Context, job *types.ScheduledJob) error {
	key := s.key("job", job.ID)
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StoreVersion = 1
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return s.client.SAdd(ctx, s.key("jobs"), job.ID).Err()
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	if err := s.getJSON(ctx, s.key("job", id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, job *types.ScheduledJob) error {
	job.UpdatedAt = time.Now().UTC()
	return s.casUpdate(ctx, s.key("job", job.ID), job.StoreVersion, func(v int64) {
		job.StoreVersion = v
	}, job)
}

func (s *RedisStore) DeleteJob(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key("job", id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.SRem(ctx, s.key("jobs"), id).Err()
}

func (s *RedisStore) ListJobs(ctx context.Context) ([]*types.ScheduledJob, error) {
	ids, err := s.client.SMembers(ctx, s.key("jobs")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*types.ScheduledJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) ListDueJobs(ctx context.Context, now time.Time) ([]*types.ScheduledJob, error) {
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	var out []*types.ScheduledJob
	for _, job := range jobs {
		if !job.IsActive || job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

// --- Job executions ---

func (s *RedisStore) CreateJobExecution(ctx context.Context, exec *types.JobExecution) error {
	key := s.key("jobexec", exec.ID)
	exec.StoreVersion = 1
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, s.key("jobexecs"), exec.ID)
	pipe.LPush(ctx, s.key("job", exec.JobID, "execs"), exec.ID)
	if exec.IdempotencyKey != "" {
		pipe.HSet(ctx, s.key("jobexec", "idem"), exec.IdempotencyKey, exec.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) FindJobExecutionByIdempotencyKey(ctx context.Context, key string) (*types.JobExecution, error) {
	id, err := s.client.HGet(ctx, s.key("jobexec", "idem"), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetJobExecution(ctx, id)
}

func (s *RedisStore) GetJobExecution(ctx context.Context, id string) (*types.JobExecution, error) {
	var exec types.JobExecution
	if err := s.getJSON(ctx, s.key("jobexec", id), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *RedisStore) UpdateJobExecution(ctx context.Context, exec *types.JobExecution) error {
	return s.casUpdate(ctx, s.key("jobexec", exec.ID), exec.StoreVersion, func(v int64) {
		exec.StoreVersion = v
	}, exec)
}

func (s *RedisStore) ListJobExecutions(ctx context.Context, jobID string, limit int) ([]*types.JobExecution, error) {
	if jobID == "" {
		ids, err := s.client.SMembers(ctx, s.key("jobexecs")).Result()
		if err != nil {
			return nil, err
		}
		var out []*types.JobExecution
		for _, id := range ids {
			exec, err := s.GetJobExecution(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, exec)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.LRange(ctx, s.key("job", jobID, "execs"), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*types.JobExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetJobExecution(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisStore) ListRunningJobExecutions(ctx context.Context) ([]*types.JobExecution, error) {
	all, err := s.ListJobExecutions(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	var out []*types.JobExecution
	for _, exec := range all {
		if exec.Status == types.JobExecutionRunning {
			out = append(out, exec)
		}
	}
	return out, nil
}

// --- Diagnostics ---

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	info := map[string]any{"adapter": "redis", "prefix": s.prefix}
	for _, set := range []string{"defs", "execs", "tasks", "events", "jobs"} {
		n, err := s.client.SCard(ctx, s.key(set)).Result()
		if err != nil {
			return nil, err
		}
		info[set] = n
	}
	return info, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify interface compliance
var _ Store = (*RedisStore)(nil)
