// Package diagnose explains why a task is not currently actionable.
//
// Diagnosis is strictly read-only: it loads flow state through a View
// transaction and classifies with the kernel, never mutating anything.
package diagnose

import (
	"context"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/flowstate"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// Service answers "why can't I work on this task?".
	Service struct {
		store store.Store
	}

	// Reason classifies what is holding a task back.
	Reason string

	// Diagnosis is the classification plus supporting detail.
	Diagnosis struct {
		// FlowID and TaskID locate the diagnosed task.
		FlowID string
		TaskID string
		// Reason is the dominant hold classification.
		Reason Reason
		// Detail is the human-readable explanation.
		Detail string
		// WaitingOn lists the entities the task waits for: dependency paths
		// for CROSS_FLOW_WAIT, node IDs for JOIN_BARRIER_WAIT, detour IDs
		// for DETOUR_BLOCKED.
		WaitingOn []string
	}
)

const (
	// ReasonNone means the task is actionable or already done; nothing
	// holds it.
	ReasonNone Reason = "NONE"
	// ReasonNodeNotActivated means the task's node has not been reached.
	ReasonNodeNotActivated Reason = "NODE_NOT_ACTIVATED"
	// ReasonCrossFlowWait means a sibling flow has not produced a required
	// outcome.
	ReasonCrossFlowWait Reason = "CROSS_FLOW_WAIT"
	// ReasonDetourBlocked means an active detour blocks the task's node.
	ReasonDetourBlocked Reason = "DETOUR_BLOCKED"
	// ReasonJoinBarrierWait means the node is a join held by its barrier.
	ReasonJoinBarrierWait Reason = "JOIN_BARRIER_WAIT"
)

// NewService constructs a diagnosis service over the store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Diagnose classifies why the task is not actionable. Precedence follows
// severity: an active detour dominates, then the join barrier, then
// cross-flow waits; a task whose node is simply unreached reports
// NODE_NOT_ACTIVATED.
func (s *Service) Diagnose(ctx context.Context, flowID, taskID string) (Diagnosis, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return Diagnosis{}, err
	}
	d := Diagnosis{FlowID: flowID, TaskID: taskID, Reason: ReasonNone}
	err := s.store.View(ctx, func(tx store.Tx) error {
		f, err := tx.Flows().Get(ctx, flowID)
		if err != nil {
			return err
		}
		fs, err := flowstate.Load(ctx, tx, f)
		if err != nil {
			return err
		}
		node, task := fs.Snapshot.Task(taskID)
		if task == nil {
			return flowerr.New(flowerr.CodeTaskNotFound, "task is not part of the flow's bound version").
				WithDetail("taskId", taskID)
		}

		if blocked := kernel.BlockedNodes(fs); blocked[node.ID] {
			d.Reason = ReasonDetourBlocked
			d.Detail = "an active detour blocks this task's node"
			for _, det := range fs.Detours {
				if det.Type == truth.DetourBlocking && det.Status == truth.DetourActive {
					scope := kernel.BlockedScope(fs.Snapshot, det)
					if scope[node.ID] {
						d.WaitingOn = append(d.WaitingOn, det.ID)
					}
				}
			}
			return nil
		}

		if kernel.JoinHeld(fs, node.ID) {
			d.Reason = ReasonJoinBarrierWait
			d.Detail = "the node joins multiple branches and an inbound branch is still pending"
			for _, g := range fs.Snapshot.InboundGates(node.ID) {
				if g.SourceNodeID != node.ID {
					d.WaitingOn = append(d.WaitingOn, g.SourceNodeID)
				}
			}
			return nil
		}

		var unsatisfied []string
		for _, dep := range task.CrossFlowDeps {
			if !kernel.DepSatisfied(dep, fs.Siblings) {
				unsatisfied = append(unsatisfied, dep.SourceTaskPath)
			}
		}
		if len(unsatisfied) > 0 {
			d.Reason = ReasonCrossFlowWait
			d.Detail = "a sibling flow has not produced a required outcome yet"
			d.WaitingOn = unsatisfied
			return nil
		}

		if kernel.CurrentIteration(fs.Activations, node.ID) == 0 {
			d.Reason = ReasonNodeNotActivated
			d.Detail = "execution has not reached this task's node"
			return nil
		}
		return nil
	})
	if err != nil {
		return Diagnosis{}, err
	}
	return d, nil
}
