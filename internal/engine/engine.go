package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/internal/store"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Errors returned by engine operations.
var (
	ErrDefinitionInactive = errors.New("definition is not active")
	ErrNotWaiting         = errors.New("node is not awaiting completion")
	ErrTerminal           = errors.New("execution already terminal")
)

// maxMutateAttempts bounds CAS retries on a single execution mutation.
const maxMutateAttempts = 8

// TaskQueuer is the slice of the task orchestrator the engine needs:
// enqueue step tasks and cancel by trigger tag.
type TaskQueuer interface {
	CreateTask(ctx context.Context, task *types.OrchestratedTask) (*types.OrchestratedTask, error)
	CancelByTag(ctx context.Context, key, value string) (int, error)
}

// Notifier delivers escalation notifications.
type Notifier interface {
	Notify(ctx context.Context, recipients, channels []string, subject, message string) error
}

// LogNotifier logs notifications instead of delivering them. Used when
// no notification transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, recipients, channels []string, subject, message string) error {
	n.Logger.Warn("escalation notification",
		"recipients", recipients,
		"channels", channels,
		"subject", subject,
		"message", message)
	return nil
}

// Config holds engine tuning knobs.
type Config struct {
	// TaskQueue is the queue step tasks are enqueued on.
	TaskQueue string

	// TaskPriority for step tasks.
	TaskPriority types.TaskPriority

	// TaskMaxRetries for step tasks.
	TaskMaxRetries int

	// TaskTimeout caps one handler invocation of a step task.
	TaskTimeout time.Duration

	// SLACheckInterval is the period of the SLA monitor scan.
	SLACheckInterval time.Duration

	// WarningPercent is the default warn threshold as a percentage of
	// an SLA's max duration.
	WarningPercent int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TaskQueue:        "workflow",
		TaskPriority:     types.TaskPriorityMedium,
		TaskMaxRetries:   2,
		TaskTimeout:      5 * time.Minute,
		SLACheckInterval: 30 * time.Second,
		WarningPercent:   80,
	}
}

// Engine advances workflow executions through their process graphs.
// All suspension state lives on the execution record, so any instance
// can pick up any execution; conflicting writers are serialized by the
// store's version CAS.
type Engine struct {
	store    store.Store
	queue    TaskQueuer
	cond     *ConditionEvaluator
	notifier Notifier
	cfg      *Config
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates an engine. A nil notifier falls back to logging.
func New(st store.Store, queue TaskQueuer, notifier Notifier, cfg *Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &Engine{
		store:    st,
		queue:    queue,
		cond:     NewConditionEvaluator(),
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute starts a new execution of the active version of a definition.
// The cursor is placed on the start node and advanced as far as it can
// go before returning.
func (e *Engine) Execute(ctx context.Context, definitionID string, variables map[string]any) (*types.WorkflowExecution, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, fmt.Errorf("definition %s: %w", definitionID, ErrDefinitionInactive)
	}

	startID := ""
	for _, n := range def.Nodes {
		if n.Kind == types.NodeKindStart {
			startID = n.ID
			break
		}
	}
	if startID == "" {
		return nil, fmt.Errorf("definition %s has no start node", definitionID)
	}

	if variables == nil {
		variables = map[string]any{}
	}
	now := e.now()
	// Recorded as pending first; the record flips to running when the
	// first advance below picks it up.
	exec := &types.WorkflowExecution{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            types.ExecutionStatusPending,
		CurrentNodes:      []string{startID},
		Variables:         variables,
		CreatedAt:         now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	metrics.ExecutionsActive.Inc()

	e.logger.Info("execution started",
		"execution_id", exec.ID,
		"definition_id", def.ID,
		"definition_version", def.Version)

	if _, err := e.appendLog(ctx, exec.ID, startID, "entered", nil, ""); err != nil {
		e.logger.Error("append execution log", "execution_id", exec.ID, "error", err)
	}

	return e.mutate(ctx, exec.ID, func(exec *types.WorkflowExecution, def *types.ProcessDefinition, eff *effects) error {
		exec.Status = types.ExecutionStatusRunning
		started := e.now()
		exec.StartedAt = &started
		e.step(def, exec, eff)
		return nil
	})
}

// CompleteStep resumes an execution paused at a manual (non
// auto-advance) task node. Output is merged into the variable bag and
// the cursor moves along the node's outgoing edge.
func (e *Engine) CompleteStep(ctx context.Context, execID, nodeID string, output map[string]any) (*types.WorkflowExecution, error) {
	return e.mutate(ctx, execID, func(exec *types.WorkflowExecution, def *types.ProcessDefinition, eff *effects) error {
		if exec.Status.Terminal() {
			return ErrTerminal
		}
		if !exec.WaitingNodes[nodeID] {
			return fmt.Errorf("node %s: %w", nodeID, ErrNotWaiting)
		}
		delete(exec.WaitingNodes, nodeID)
		delete(exec.SLATimers, nodeID)
		e.mergeVariables(exec, output)
		e.leaveNode(def, exec, nodeID, output, eff)
		e.step(def, exec, eff)
		return nil
	})
}

// Cancel terminates an execution and requests cancellation of its
// outstanding tasks. Already-terminal executions are left untouched.
func (e *Engine) Cancel(ctx context.Context, execID, reason string) (*types.WorkflowExecution, error) {
	return e.mutate(ctx, execID, func(exec *types.WorkflowExecution, def *types.ProcessDefinition, eff *effects) error {
		if exec.Status.Terminal() {
			return ErrTerminal
		}
		e.finish(exec, types.ExecutionStatusCancelled, reason, eff)
		return nil
	})
}

// HandleTaskResult is the orchestrator's terminal-task callback. It
// routes the result back into the owning execution: merging output,
// advancing the cursor, or failing the execution.
func (e *Engine) HandleTaskResult(ctx context.Context, task *types.OrchestratedTask) {
	execID := task.Tags[types.TagExecutionID]
	nodeID := task.Tags[types.TagNodeID]
	if execID == "" || nodeID == "" {
		return
	}

	_, err := e.mutate(ctx, execID, func(exec *types.WorkflowExecution, def *types.ProcessDefinition, eff *effects) error {
		if exec.Status.Terminal() {
			return nil
		}
		if exec.ActiveTasks[nodeID] != task.ID {
			// Stale callback from a superseded task.
			return nil
		}
		delete(exec.ActiveTasks, nodeID)

		switch task.Status {
		case types.TaskStatusCompleted:
			e.mergeVariables(exec, task.OutputData)
			node := def.NodeByID(nodeID)
			if node != nil && !node.Task.Advances() {
				// SLA timer keeps running across the manual gate.
				if exec.WaitingNodes == nil {
					exec.WaitingNodes = map[string]bool{}
				}
				exec.WaitingNodes[nodeID] = true
				eff.log(e.entry(nodeID, "waiting", nil, "awaiting external completion"))
				return nil
			}
			delete(exec.SLATimers, nodeID)
			e.leaveNode(def, exec, nodeID, task.OutputData, eff)
			e.step(def, exec, eff)
		case types.TaskStatusFailed:
			msg := fmt.Sprintf("task %s failed", task.ID)
			if len(task.ErrorLog) > 0 {
				msg = task.ErrorLog[len(task.ErrorLog)-1]
			}
			eff.log(e.entry(nodeID, "failed", nil, msg))
			e.finish(exec, types.ExecutionStatusFailed, fmt.Sprintf("node %s: %s", nodeID, msg), eff)
		case types.TaskStatusCancelled:
			eff.log(e.entry(nodeID, "failed", nil, "task cancelled"))
			e.finish(exec, types.ExecutionStatusFailed, fmt.Sprintf("node %s: task cancelled", nodeID), eff)
		}
		return nil
	})
	if err != nil {
		e.logger.Error("apply task result",
			"execution_id", execID,
			"node_id", nodeID,
			"task_id", task.ID,
			"error", err)
	}
}

// effects collects side effects computed during a mutation attempt.
// They are flushed only after the CAS update succeeds, so a lost race
// never enqueues duplicate tasks or log entries.
type effects struct {
	logs        []*types.ExecutionLogEntry
	tasks       []*types.OrchestratedTask
	cancelTasks bool
}

func (f *effects) log(entry *types.ExecutionLogEntry) { f.logs = append(f.logs, entry) }

// mutate loads, mutates and conditionally updates one execution,
// retrying on version conflict. fn must be pure over (exec, def, eff):
// it is re-invoked on a fresh snapshot after every lost race.
func (e *Engine) mutate(ctx context.Context, execID string, fn func(*types.WorkflowExecution, *types.ProcessDefinition, *effects) error) (*types.WorkflowExecution, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			return nil, err
		}
		def, err := e.store.GetDefinitionVersion(ctx, exec.DefinitionID, exec.DefinitionVersion)
		if err != nil {
			return nil, fmt.Errorf("load definition for execution %s: %w", execID, err)
		}

		prevStatus := exec.Status
		eff := &effects{}
		if err := fn(exec, def, eff); err != nil {
			return exec, err
		}

		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, fmt.Errorf("update execution %s: %w", execID, err)
		}

		e.flush(ctx, exec, prevStatus, eff)
		return exec, nil
	}
	return nil, fmt.Errorf("execution %s: too many concurrent updates", execID)
}

// flush applies collected side effects after a successful update.
func (e *Engine) flush(ctx context.Context, exec *types.WorkflowExecution, prevStatus types.ExecutionStatus, eff *effects) {
	for _, entry := range eff.logs {
		if _, err := e.store.AppendExecutionLog(ctx, exec.ID, entry); err != nil {
			e.logger.Error("append execution log", "execution_id", exec.ID, "error", err)
		}
	}
	for _, task := range eff.tasks {
		if _, err := e.queue.CreateTask(ctx, task); err != nil {
			e.logger.Error("enqueue step task",
				"execution_id", exec.ID,
				"node_id", task.Tags[types.TagNodeID],
				"error", err)
		}
	}
	if eff.cancelTasks {
		if n, err := e.queue.CancelByTag(ctx, types.TagExecutionID, exec.ID); err != nil {
			e.logger.Error("cancel execution tasks", "execution_id", exec.ID, "error", err)
		} else if n > 0 {
			e.logger.Info("cancelled outstanding tasks", "execution_id", exec.ID, "count", n)
		}
	}

	if !prevStatus.Terminal() && exec.Status.Terminal() {
		metrics.ExecutionsActive.Dec()
		metrics.ExecutionsTotal.WithLabelValues(string(exec.Status)).Inc()
		if exec.StartedAt != nil && exec.FinishedAt != nil {
			metrics.ExecutionDuration.WithLabelValues(string(exec.Status)).
				Observe(exec.FinishedAt.Sub(*exec.StartedAt).Seconds())
		}
		e.logger.Info("execution finished",
			"execution_id", exec.ID,
			"status", exec.Status,
			"steps_completed", exec.StepsCompleted,
			"error", exec.Error)
	}
}

// step drains the execution: it keeps processing cursors until every
// remaining cursor is blocked on a task, a manual gate, or a join that
// can still receive arrivals.
func (e *Engine) step(def *types.ProcessDefinition, exec *types.WorkflowExecution, eff *effects) {
	for progressed := true; progressed && !exec.Status.Terminal(); {
		progressed = e.recheckJoins(def, exec, eff)

		for _, nodeID := range append([]string(nil), exec.CurrentNodes...) {
			if exec.Status.Terminal() {
				return
			}
			node := def.NodeByID(nodeID)
			if node == nil {
				e.finish(exec, types.ExecutionStatusFailed, fmt.Sprintf("cursor on unknown node %s", nodeID), eff)
				return
			}

			switch node.Kind {
			case types.NodeKindStart:
				e.leaveNode(def, exec, nodeID, nil, eff)
				progressed = true

			case types.NodeKindEnd:
				e.removeCursor(exec, nodeID)
				exec.StepsCompleted++
				eff.log(e.entry(nodeID, "completed", nil, ""))
				progressed = true

			case types.NodeKindTask:
				if exec.ActiveTasks[nodeID] != "" || exec.WaitingNodes[nodeID] {
					continue // in flight or gated
				}
				e.dispatchTask(def, exec, node, eff)

			case types.NodeKindGatewayXOR, types.NodeKindGatewayAND, types.NodeKindGatewayOR:
				chosen, err := e.selectBranches(node, def.OutgoingEdges(nodeID), exec.Variables)
				if err != nil {
					e.finish(exec, types.ExecutionStatusFailed, fmt.Sprintf("gateway %s: %v", nodeID, err), eff)
					return
				}
				if len(chosen) == 0 {
					e.finish(exec, types.ExecutionStatusFailed, fmt.Sprintf("gateway %s: no viable branch", nodeID), eff)
					return
				}
				e.removeCursor(exec, nodeID)
				exec.StepsCompleted++
				eff.log(e.entry(nodeID, "completed", nil, ""))
				for _, edge := range chosen {
					e.arrive(def, exec, nodeID, edge.Target, eff)
				}
				progressed = true
			}
		}
	}

	if !exec.Status.Terminal() && len(exec.CurrentNodes) == 0 && len(exec.JoinArrivals) == 0 {
		e.finish(exec, types.ExecutionStatusCompleted, "", eff)
	}
}

// removeCursor drops nodeID from the execution's active cursors.
func (e *Engine) removeCursor(exec *types.WorkflowExecution, nodeID string) {
	for i, n := range exec.CurrentNodes {
		if n == nodeID {
			exec.CurrentNodes = append(exec.CurrentNodes[:i], exec.CurrentNodes[i+1:]...)
			return
		}
	}
}

// leaveNode removes the cursor from a completed node and moves along
// every outgoing edge.
func (e *Engine) leaveNode(def *types.ProcessDefinition, exec *types.WorkflowExecution, nodeID string, output map[string]any, eff *effects) {
	e.removeCursor(exec, nodeID)
	node := def.NodeByID(nodeID)
	if node != nil && node.Kind != types.NodeKindStart {
		exec.StepsCompleted++
		eff.log(e.entry(nodeID, "completed", output, ""))
	}
	for _, edge := range def.OutgoingEdges(nodeID) {
		e.arrive(def, exec, nodeID, edge.Target, eff)
	}
}

// arrive moves a branch onto a node. Arrivals at a multi-input gateway
// are parked in JoinArrivals until the rendezvous is satisfied.
func (e *Engine) arrive(def *types.ProcessDefinition, exec *types.WorkflowExecution, fromID, toID string, eff *effects) {
	node := def.NodeByID(toID)
	if node != nil && node.Kind.IsGateway() && len(def.IncomingEdges(toID)) > 1 {
		if exec.JoinArrivals == nil {
			exec.JoinArrivals = map[string]map[string]bool{}
		}
		if exec.JoinArrivals[toID] == nil {
			exec.JoinArrivals[toID] = map[string]bool{}
		}
		exec.JoinArrivals[toID][fromID] = true
		if !e.joinReady(def, exec, toID) {
			return // branch parked at the join
		}
		delete(exec.JoinArrivals, toID)
	}
	if !exec.HasCursor(toID) {
		exec.CurrentNodes = append(exec.CurrentNodes, toID)
		eff.log(e.entry(toID, "entered", nil, ""))
	}
}

// recheckJoins promotes parked joins whose remaining inputs can no
// longer arrive. Necessary when a sibling branch dies out (reaches an
// end node, or an OR split never activated it).
func (e *Engine) recheckJoins(def *types.ProcessDefinition, exec *types.WorkflowExecution, eff *effects) bool {
	progressed := false
	for joinID := range exec.JoinArrivals {
		if exec.HasCursor(joinID) {
			continue
		}
		if e.joinReady(def, exec, joinID) {
			delete(exec.JoinArrivals, joinID)
			exec.CurrentNodes = append(exec.CurrentNodes, joinID)
			eff.log(e.entry(joinID, "entered", nil, ""))
			progressed = true
		}
	}
	return progressed
}

// joinReady reports whether a join gateway can fire: every incoming
// edge's source has either arrived or become unreachable from all
// remaining active cursors. The rule covers both AND joins (all
// branches arrive) and OR joins (dormant branches never will).
func (e *Engine) joinReady(def *types.ProcessDefinition, exec *types.WorkflowExecution, joinID string) bool {
	arrived := exec.JoinArrivals[joinID]
	var missing []string
	for _, in := range def.IncomingEdges(joinID) {
		if !arrived[in.Source] {
			missing = append(missing, in.Source)
		}
	}
	if len(missing) == 0 {
		return true
	}
	reachable := reachableFrom(def, exec.CurrentNodes, joinID)
	for _, src := range missing {
		if reachable[src] {
			return false
		}
	}
	return true
}

// reachableFrom walks the graph forward from the given cursors,
// never traversing through the blocked node.
func reachableFrom(def *types.ProcessDefinition, starts []string, blocked string) map[string]bool {
	seen := make(map[string]bool, len(def.Nodes))
	queue := make([]string, 0, len(starts))
	for _, s := range starts {
		if !seen[s] {
			seen[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == blocked {
			continue
		}
		for _, edge := range def.OutgoingEdges(n) {
			if !seen[edge.Target] {
				seen[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}
	return seen
}

// selectBranches applies gateway semantics to the outgoing edges.
func (e *Engine) selectBranches(node *types.ProcessNode, outgoing []types.ProcessEdge, vars map[string]any) ([]types.ProcessEdge, error) {
	if node.Kind == types.NodeKindGatewayAND {
		return outgoing, nil
	}

	env := BuildEnvironment(vars)
	switch node.Kind {
	case types.NodeKindGatewayXOR:
		// First edge with a true condition wins; edge order is the
		// tiebreak. A conditionless edge is the default branch.
		var fallback *types.ProcessEdge
		for i := range outgoing {
			edge := &outgoing[i]
			if edge.Condition == "" {
				if fallback == nil {
					fallback = edge
				}
				continue
			}
			ok, err := e.cond.EvaluateBool(edge.Condition, env)
			if err != nil {
				return nil, fmt.Errorf("edge %s: %w", edge.ID, err)
			}
			if ok {
				return []types.ProcessEdge{*edge}, nil
			}
		}
		if fallback != nil {
			return []types.ProcessEdge{*fallback}, nil
		}
		return nil, nil

	case types.NodeKindGatewayOR:
		// Every edge whose condition holds; conditionless edges are
		// always taken.
		var chosen []types.ProcessEdge
		for i := range outgoing {
			edge := &outgoing[i]
			if edge.Condition == "" {
				chosen = append(chosen, *edge)
				continue
			}
			ok, err := e.cond.EvaluateBool(edge.Condition, env)
			if err != nil {
				return nil, fmt.Errorf("edge %s: %w", edge.ID, err)
			}
			if ok {
				chosen = append(chosen, *edge)
			}
		}
		return chosen, nil
	}

	return outgoing, nil
}

// dispatchTask enqueues the step task for a task node and starts its
// SLA timer. The task id is recorded on the execution first; the task
// itself is created only after the CAS update lands.
func (e *Engine) dispatchTask(def *types.ProcessDefinition, exec *types.WorkflowExecution, node *types.ProcessNode, eff *effects) {
	action := node.ID
	if node.Task != nil && node.Task.Action != "" {
		action = node.Task.Action
	}

	input := make(map[string]any, len(exec.Variables))
	for k, v := range exec.Variables {
		input[k] = v
	}

	task := &types.OrchestratedTask{
		ID:             uuid.NewString(),
		Name:           action,
		Type:           types.TaskTypeSequential,
		Priority:       e.cfg.TaskPriority,
		Status:         types.TaskStatusQueued,
		Queue:          e.cfg.TaskQueue,
		MaxRetries:     e.cfg.TaskMaxRetries,
		Timeout:        e.cfg.TaskTimeout,
		InputData:      input,
		Tags:           map[string]string{types.TagExecutionID: exec.ID, types.TagNodeID: node.ID},
		IdempotencyKey: fmt.Sprintf("wf:%s:%s:%d", exec.ID, node.ID, exec.StepsCompleted),
		CreatedAt:      e.now(),
	}

	if exec.ActiveTasks == nil {
		exec.ActiveTasks = map[string]string{}
	}
	exec.ActiveTasks[node.ID] = task.ID
	e.startSLATimer(def, exec, node)
	eff.tasks = append(eff.tasks, task)
}

// startSLATimer records the durable SLA deadlines for a task node, if
// any policy applies. Explicit per-definition policies win over the
// node's inline hours.
func (e *Engine) startSLATimer(def *types.ProcessDefinition, exec *types.WorkflowExecution, node *types.ProcessNode) {
	var maxDur, escAfter time.Duration
	warnPct := e.cfg.WarningPercent

	if policy, ok := def.SLA[node.ID]; ok {
		maxDur = policy.MaxDuration
		escAfter = policy.EscalateAfter
		if policy.WarningAtPercent > 0 {
			warnPct = policy.WarningAtPercent
		}
	} else if node.Task != nil {
		maxDur = time.Duration(node.Task.SLAHours * float64(time.Hour))
		escAfter = time.Duration(node.Task.EscalationHours * float64(time.Hour))
	}
	if maxDur <= 0 && escAfter <= 0 {
		return
	}

	now := e.now()
	timer := &types.SLATimer{EnteredAt: now}
	if maxDur > 0 {
		timer.WarnAt = now.Add(maxDur * time.Duration(warnPct) / 100)
	}
	if escAfter > 0 {
		at := now.Add(escAfter)
		timer.EscalateAt = &at
	}

	if exec.SLATimers == nil {
		exec.SLATimers = map[string]*types.SLATimer{}
	}
	exec.SLATimers[node.ID] = timer
}

// finish moves the execution to a terminal status and clears all
// suspension state. Outstanding tasks are cancelled on flush.
func (e *Engine) finish(exec *types.WorkflowExecution, status types.ExecutionStatus, reason string, eff *effects) {
	exec.Status = status
	exec.Error = reason
	now := e.now()
	exec.FinishedAt = &now
	exec.CurrentNodes = nil
	exec.WaitingNodes = nil
	exec.JoinArrivals = nil
	exec.SLATimers = nil
	if len(exec.ActiveTasks) > 0 {
		eff.cancelTasks = true
	}
	exec.ActiveTasks = nil

	// Terminal entry with an empty node id; the SSE stream closes on it.
	eff.log(e.entry("", string(status), nil, reason))
}

// mergeVariables shallow-merges handler output into the variable bag.
func (e *Engine) mergeVariables(exec *types.WorkflowExecution, output map[string]any) {
	if len(output) == 0 {
		return
	}
	if exec.Variables == nil {
		exec.Variables = map[string]any{}
	}
	for k, v := range output {
		exec.Variables[k] = v
	}
}

func (e *Engine) entry(nodeID, status string, output map[string]any, message string) *types.ExecutionLogEntry {
	return &types.ExecutionLogEntry{
		NodeID:    nodeID,
		Status:    status,
		Timestamp: e.now(),
		Output:    output,
		Message:   message,
	}
}

func (e *Engine) appendLog(ctx context.Context, execID, nodeID, status string, output map[string]any, message string) (*types.ExecutionLogEntry, error) {
	return e.store.AppendExecutionLog(ctx, execID, e.entry(nodeID, status, output, message))
}
