// Package types provides shared types for the automation engine.
package types

import (
	"time"
)

// NodeKind identifies the role of a node in a process graph.
// The set is closed; gateway semantics are fixed by kind.
type NodeKind string

const (
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
	NodeKindTask       NodeKind = "task"
	NodeKindGatewayXOR NodeKind = "gateway_xor"
	NodeKindGatewayAND NodeKind = "gateway_and"
	NodeKindGatewayOR  NodeKind = "gateway_or"
)

// IsGateway reports whether the kind is one of the branching gateways.
func (k NodeKind) IsGateway() bool {
	return k == NodeKindGatewayXOR || k == NodeKindGatewayAND || k == NodeKindGatewayOR
}

// ProcessDefinition is a declarative graph describing a business workflow.
// Definitions are immutable once active; edits create a new version.
type ProcessDefinition struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Version     int                     `json:"version"`
	EntityType  string                  `json:"entity_type,omitempty"`
	Nodes       []ProcessNode           `json:"nodes"`
	Edges       []ProcessEdge           `json:"edges"`
	SLA         map[string]SLAPolicy    `json:"sla,omitempty"` // node id -> policy
	Escalations []EscalationRule        `json:"escalations,omitempty"`
	IsActive    bool                    `json:"is_active"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (d *ProcessDefinition) NodeByID(id string) *ProcessNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns the edges leaving the given node, in definition order.
// Edge-list order is significant for XOR gateways.
func (d *ProcessDefinition) OutgoingEdges(nodeID string) []ProcessEdge {
	var out []ProcessEdge
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns the edges entering the given node.
func (d *ProcessDefinition) IncomingEdges(nodeID string) []ProcessEdge {
	var in []ProcessEdge
	for _, e := range d.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// ProcessNode is a single step in a process graph.
type ProcessNode struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind"`
	Label string   `json:"label,omitempty"`

	// Task holds per-node config for task nodes only.
	Task *TaskNodeConfig `json:"task,omitempty"`
}

// TaskNodeConfig configures a task node.
type TaskNodeConfig struct {
	// Action names the registered action handler invoked for this step.
	Action string `json:"action,omitempty"`

	// SLAHours is the maximum dwell time at this step before the SLA
	// check fires. Zero disables the SLA timer.
	SLAHours float64 `json:"sla_hours,omitempty"`

	// EscalationHours is the dwell time after which escalation rules fire.
	EscalationHours float64 `json:"escalation_hours,omitempty"`

	// AutoAdvance moves the cursor forward when the task completes.
	// When false the execution pauses awaiting an external complete
	// call. Unset means true.
	AutoAdvance *bool `json:"auto_advance,omitempty"`
}

// Advances reports whether the node moves on automatically when its
// task completes. Nil config and unset flag both mean yes.
func (t *TaskNodeConfig) Advances() bool {
	return t == nil || t.AutoAdvance == nil || *t.AutoAdvance
}

// ProcessEdge connects two nodes. An empty Condition means always
// true; on XOR gateways it marks the default branch.
type ProcessEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// SLAPolicy bounds the dwell time at a node.
type SLAPolicy struct {
	MaxDuration      time.Duration `json:"max_duration"`
	WarningAtPercent int           `json:"warning_at_percent,omitempty"` // 0 = default 80
	EscalateAfter    time.Duration `json:"escalate_after,omitempty"`
}

// EscalationRule routes an SLA breach to actors over notification channels.
type EscalationRule struct {
	Condition  string   `json:"condition"` // currently only "sla_breach"
	NodeID     string   `json:"node_id,omitempty"` // empty = any node
	EscalateTo []string `json:"escalate_to"`
	NotifyVia  []string `json:"notify_via"`
}

// EscalationConditionSLABreach is the only escalation condition today.
const EscalationConditionSLABreach = "sla_breach"
