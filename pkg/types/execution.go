package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// WorkflowExecution is one running instance of a process definition.
// Owned exclusively by the workflow engine; all suspension points
// (task in flight, join rendezvous, SLA timer) are durable state here.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion int             `json:"definition_version"`
	Status            ExecutionStatus `json:"status"`

	// CurrentNodes holds the active cursor node ids. Plural because
	// AND/OR gateways fan out to concurrent branches.
	CurrentNodes []string `json:"current_nodes,omitempty"`

	StepsCompleted int `json:"steps_completed"`

	// Variables is the read/write bag available to edge conditions and
	// action handlers.
	Variables map[string]any `json:"variables,omitempty"`

	Log []ExecutionLogEntry `json:"log,omitempty"`

	// ActiveTasks maps a task node id to its in-flight orchestrated
	// task id. Presence means the step is dispatched, not yet terminal.
	ActiveTasks map[string]string `json:"active_tasks,omitempty"`

	// WaitingNodes marks task nodes whose task completed with
	// auto_advance disabled; the execution pauses there until an
	// external complete-step call.
	WaitingNodes map[string]bool `json:"waiting_nodes,omitempty"`

	// JoinArrivals tracks rendezvous state: join node id -> set of
	// incoming source node ids that have arrived.
	JoinArrivals map[string]map[string]bool `json:"join_arrivals,omitempty"`

	// SLATimers holds pending SLA deadlines keyed by node id.
	SLATimers map[string]*SLATimer `json:"sla_timers,omitempty"`

	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// StoreVersion is the optimistic-concurrency token; every conditional
	// update must carry the version it read.
	StoreVersion int64 `json:"store_version"`
}

// HasCursor reports whether nodeID is an active cursor.
func (e *WorkflowExecution) HasCursor(nodeID string) bool {
	for _, n := range e.CurrentNodes {
		if n == nodeID {
			return true
		}
	}
	return false
}

// SLATimer is a durable SLA deadline for an active task node.
type SLATimer struct {
	EnteredAt  time.Time  `json:"entered_at"`
	WarnAt     time.Time  `json:"warn_at"`
	EscalateAt *time.Time `json:"escalate_at,omitempty"`
	Warned     bool       `json:"warned"`
	Escalated  bool       `json:"escalated"`
}

// ExecutionLogEntry is one append-only record of node progress.
type ExecutionLogEntry struct {
	Seq       int64          `json:"seq"`
	NodeID    string         `json:"node_id"`
	Status    string         `json:"status"` // entered, waiting, completed, warned, escalated, failed, cancelled
	Timestamp time.Time      `json:"timestamp"`
	Output    map[string]any `json:"output,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// ToSSE renders the entry in Server-Sent Events wire format.
func (l *ExecutionLogEntry) ToSSE() []byte {
	data, _ := json.Marshal(l)
	return []byte(fmt.Sprintf("id: %d\nevent: step\ndata: %s\n\n", l.Seq, data))
}
