package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Glacestorm/automation-engine/internal/metrics"
	"github.com/Glacestorm/automation-engine/pkg/types"
)

// RunSLAMonitor scans running executions on a fixed interval and fires
// SLA warnings and escalations whose deadlines have passed. Timers are
// durable execution state, so the monitor survives restarts and any
// instance may fire them; the version CAS keeps firing exactly-once.
func (e *Engine) RunSLAMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SLACheckInterval)
	defer ticker.Stop()

	e.logger.Info("sla monitor started", "interval", e.cfg.SLACheckInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sla monitor stopped")
			return
		case <-ticker.C:
			if err := e.CheckSLAs(ctx); err != nil {
				e.logger.Error("sla scan", "error", err)
			}
		}
	}
}

// CheckSLAs performs one scan over all running executions.
func (e *Engine) CheckSLAs(ctx context.Context) error {
	execs, err := e.store.ListExecutions(ctx, "")
	if err != nil {
		return fmt.Errorf("list executions: %w", err)
	}

	now := e.now()
	for _, exec := range execs {
		if exec.Status != types.ExecutionStatusRunning || len(exec.SLATimers) == 0 {
			continue
		}
		due := false
		for _, timer := range exec.SLATimers {
			if timerDue(timer, now) {
				due = true
				break
			}
		}
		if !due {
			continue
		}
		if err := e.fireSLAs(ctx, exec.ID); err != nil {
			e.logger.Error("fire sla", "execution_id", exec.ID, "error", err)
		}
	}
	return nil
}

func timerDue(t *types.SLATimer, now time.Time) bool {
	if !t.Warned && !t.WarnAt.IsZero() && !now.Before(t.WarnAt) {
		return true
	}
	if !t.Escalated && t.EscalateAt != nil && !now.Before(*t.EscalateAt) {
		return true
	}
	return false
}

// fireSLAs re-reads one execution under CAS and fires its due timers.
func (e *Engine) fireSLAs(ctx context.Context, execID string) error {
	var fired []slaFiring

	_, err := e.mutate(ctx, execID, func(exec *types.WorkflowExecution, def *types.ProcessDefinition, eff *effects) error {
		fired = fired[:0]
		if exec.Status != types.ExecutionStatusRunning {
			return nil
		}
		now := e.now()
		for nodeID, timer := range exec.SLATimers {
			// The step may have completed since the scan.
			if exec.ActiveTasks[nodeID] == "" && !exec.WaitingNodes[nodeID] && !exec.HasCursor(nodeID) {
				delete(exec.SLATimers, nodeID)
				continue
			}
			if !timer.Warned && !timer.WarnAt.IsZero() && !now.Before(timer.WarnAt) {
				timer.Warned = true
				dwell := now.Sub(timer.EnteredAt).Round(time.Second)
				eff.log(e.entry(nodeID, "warned", nil, fmt.Sprintf("sla warning after %s", dwell)))
				fired = append(fired, slaFiring{nodeID: nodeID, def: def, escalate: false, dwell: dwell})
			}
			if !timer.Escalated && timer.EscalateAt != nil && !now.Before(*timer.EscalateAt) {
				timer.Escalated = true
				dwell := now.Sub(timer.EnteredAt).Round(time.Second)
				eff.log(e.entry(nodeID, "escalated", nil, fmt.Sprintf("sla escalation after %s", dwell)))
				fired = append(fired, slaFiring{nodeID: nodeID, def: def, escalate: true, dwell: dwell})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, f := range fired {
		if f.escalate {
			metrics.SLAEscalationsTotal.WithLabelValues(f.def.ID).Inc()
			e.escalate(ctx, execID, f)
		} else {
			metrics.SLAWarningsTotal.WithLabelValues(f.def.ID).Inc()
			e.logger.Warn("sla warning",
				"execution_id", execID,
				"definition_id", f.def.ID,
				"node_id", f.nodeID,
				"dwell", f.dwell)
		}
	}
	return nil
}

type slaFiring struct {
	nodeID   string
	def      *types.ProcessDefinition
	escalate bool
	dwell    time.Duration
}

// escalate notifies the recipients of every matching escalation rule.
// Rules with an empty node id match any node.
func (e *Engine) escalate(ctx context.Context, execID string, f slaFiring) {
	matched := false
	for _, rule := range f.def.Escalations {
		if rule.Condition != types.EscalationConditionSLABreach {
			continue
		}
		if rule.NodeID != "" && rule.NodeID != f.nodeID {
			continue
		}
		matched = true
		subject := fmt.Sprintf("SLA breach: %s / %s", f.def.Name, f.nodeID)
		message := fmt.Sprintf("execution %s has dwelled %s at node %s of %s", execID, f.dwell, f.nodeID, f.def.Name)
		if err := e.notifier.Notify(ctx, rule.EscalateTo, rule.NotifyVia, subject, message); err != nil {
			e.logger.Error("escalation notify",
				"execution_id", execID,
				"node_id", f.nodeID,
				"error", err)
		}
	}
	if !matched {
		e.logger.Warn("sla escalation with no matching rule",
			"execution_id", execID,
			"definition_id", f.def.ID,
			"node_id", f.nodeID,
			"dwell", f.dwell)
	}
}
