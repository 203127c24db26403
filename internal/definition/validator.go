// Package definition provides validation and loading of process
// definitions.
package definition

import (
	"fmt"

	"github.com/Glacestorm/automation-engine/pkg/types"
)

// Issue is a single validation finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result holds the outcome of validating a process definition.
// Warnings do not block activation; errors do.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *Result) errorf(path, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(path, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the structural invariants of a process definition.
// Pure function; definitions are immutable once activated, so this runs
// once per version at create/activate time.
func Validate(def *types.ProcessDefinition) *Result {
	res := &Result{}

	if def.Name == "" {
		res.errorf("name", "name is required")
	}

	nodes := make(map[string]*types.ProcessNode, len(def.Nodes))
	var startCount, endCount int
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := "nodes/" + node.ID
		if node.ID == "" {
			res.errorf(fmt.Sprintf("nodes[%d]", i), "node id is required")
			continue
		}
		if _, dup := nodes[node.ID]; dup {
			res.errorf(path, "duplicate node id")
			continue
		}
		nodes[node.ID] = node

		switch node.Kind {
		case types.NodeKindStart:
			startCount++
		case types.NodeKindEnd:
			endCount++
		case types.NodeKindTask:
			if node.Task != nil {
				if node.Task.SLAHours < 0 {
					res.errorf(path, "sla_hours must be non-negative")
				}
				if node.Task.EscalationHours < 0 {
					res.errorf(path, "escalation_hours must be non-negative")
				}
			}
		case types.NodeKindGatewayXOR, types.NodeKindGatewayAND, types.NodeKindGatewayOR:
			// Fan-out checked below against edges.
		default:
			res.errorf(path, "unknown node kind %q", node.Kind)
		}
	}

	if startCount != 1 {
		res.errorf("nodes", "exactly one start node required, found %d", startCount)
	}
	if endCount == 0 {
		res.errorf("nodes", "at least one end node required")
	}

	// Edge table: dangling references and adjacency.
	outgoing := make(map[string][]types.ProcessEdge)
	incoming := make(map[string][]types.ProcessEdge)
	for i, edge := range def.Edges {
		path := "edges/" + edge.ID
		if edge.ID == "" {
			path = fmt.Sprintf("edges[%d]", i)
		}
		if _, ok := nodes[edge.Source]; !ok {
			res.errorf(path, "source node %q does not exist", edge.Source)
			continue
		}
		if _, ok := nodes[edge.Target]; !ok {
			res.errorf(path, "target node %q does not exist", edge.Target)
			continue
		}
		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
		incoming[edge.Target] = append(incoming[edge.Target], edge)
	}

	for id, node := range nodes {
		path := "nodes/" + id
		if node.Kind != types.NodeKindStart && len(incoming[id]) == 0 {
			res.errorf(path, "node has no incoming edge")
		}
		if node.Kind != types.NodeKindEnd && len(outgoing[id]) == 0 {
			res.errorf(path, "node has no outgoing edge")
		}
		if node.Kind == types.NodeKindStart && len(incoming[id]) > 0 {
			res.errorf(path, "start node must not have incoming edges")
		}
		if node.Kind == types.NodeKindEnd && len(outgoing[id]) > 0 {
			res.errorf(path, "end node must not have outgoing edges")
		}

		switch node.Kind {
		case types.NodeKindGatewayXOR:
			edges := outgoing[id]
			if len(edges) < 2 {
				res.errorf(path, "xor gateway requires at least 2 outgoing edges")
			}
			defaults := 0
			for _, e := range edges {
				if e.Condition == "" {
					defaults++
				}
			}
			if defaults > 1 {
				res.errorf(path, "xor gateway allows at most one unconditioned default edge, found %d", defaults)
			}
		case types.NodeKindGatewayAND, types.NodeKindGatewayOR:
			if len(outgoing[id]) > 1 {
				break
			}
			// A gateway with one incoming branch set acts as a join; a
			// single-in single-out gateway is pointless.
			if len(incoming[id]) < 2 {
				res.errorf(path, "%s gateway requires at least 2 outgoing or incoming edges", node.Kind)
			}
		}
	}

	// Reachability from start via forward edges (BFS over the edge table).
	if startCount == 1 {
		var startID string
		for id, node := range nodes {
			if node.Kind == types.NodeKindStart {
				startID = id
			}
		}
		visited := map[string]bool{startID: true}
		queue := []string{startID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, e := range outgoing[cur] {
				if !visited[e.Target] {
					visited[e.Target] = true
					queue = append(queue, e.Target)
				}
			}
		}
		reachableEnd := false
		for id, node := range nodes {
			if !visited[id] {
				res.errorf("nodes/"+id, "node is not reachable from start")
				continue
			}
			if node.Kind == types.NodeKindEnd {
				reachableEnd = true
			}
		}
		if endCount > 0 && !reachableEnd {
			res.errorf("nodes", "no end node is reachable from start")
		}
	}

	checkCycles(nodes, outgoing, res)

	// SLA / escalation cross-checks.
	for nodeID, policy := range def.SLA {
		path := "sla/" + nodeID
		if _, ok := nodes[nodeID]; !ok {
			res.errorf(path, "sla references unknown node")
		}
		if policy.MaxDuration < 0 {
			res.errorf(path, "max_duration must be non-negative")
		}
		if policy.WarningAtPercent < 0 || policy.WarningAtPercent > 100 {
			res.errorf(path, "warning_at_percent must be within [0,100]")
		}
	}
	for i, rule := range def.Escalations {
		path := fmt.Sprintf("escalations[%d]", i)
		if rule.Condition != types.EscalationConditionSLABreach {
			res.errorf(path, "unknown escalation condition %q", rule.Condition)
		}
		if rule.NodeID != "" {
			if _, ok := nodes[rule.NodeID]; !ok {
				res.errorf(path, "escalation references unknown node %q", rule.NodeID)
			}
		}
		if len(rule.EscalateTo) == 0 {
			res.errorf(path, "escalate_to must not be empty")
		}
		if len(rule.NotifyVia) == 0 {
			res.errorf(path, "notify_via must not be empty")
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// checkCycles flags cycles. Loops through a gateway are a legitimate
// pattern and only warned about; a cycle containing no gateway at all
// can never terminate and is an error.
func checkCycles(nodes map[string]*types.ProcessNode, outgoing map[string][]types.ProcessEdge, res *Result) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range outgoing[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case grey:
				// Back edge: cycle is the stack suffix from e.Target.
				cycle := extractCycle(stack, e.Target)
				guarded := false
				for _, n := range cycle {
					if nodes[n] != nil && nodes[n].Kind.IsGateway() {
						guarded = true
						break
					}
				}
				if guarded {
					res.warnf("nodes/"+e.Target, "cycle through gateway detected; ensure loop condition eventually becomes false")
				} else {
					res.errorf("nodes/"+e.Target, "cycle without gateway detected")
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for id := range nodes {
		if color[id] == white {
			visit(id)
		}
	}
}

func extractCycle(stack []string, from string) []string {
	for i, id := range stack {
		if id == from {
			return stack[i:]
		}
	}
	return stack
}
