package exec

import (
	"context"
	"time"

	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/flowstate"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// RecordOutcomeRequest names the outcome to record and its side inputs.
	RecordOutcomeRequest struct {
		// FlowID and TaskID locate the started execution.
		FlowID string
		TaskID string
		// Outcome is the outcome name; must be declared by the task.
		Outcome string
		// DetourID links the outcome to an accepted detour, committing its
		// schedule change request in the same transaction.
		DetourID string
		// Schedule carries the slot for scheduling-enabled tasks. Required
		// when the task enables scheduling, ignored otherwise.
		Schedule *ScheduleWindow
	}

	// ScheduleWindow is the slot a scheduling-enabled outcome commits.
	ScheduleWindow struct {
		StartAt  time.Time
		EndAt    time.Time
		Metadata map[string]any
	}

	// ActivatedNode names one node activation an outcome routed to.
	ActivatedNode struct {
		NodeID    string
		Iteration int
	}

	// BlockedInfo describes why a flow flipped to BLOCKED during the commit.
	BlockedInfo struct {
		Code   flowerr.Code
		Reason string
	}

	// OutcomeResult reports everything one committed outcome caused.
	OutcomeResult struct {
		// Execution is the updated execution row.
		Execution *truth.TaskExecution
		// Activated lists the node activations the outcome routed to.
		Activated []ActivatedNode
		// FlowCompleted reports the flow transitioned to COMPLETED.
		FlowCompleted bool
		// ScheduleBlockID is the committed block, empty when the task does
		// not participate in scheduling.
		ScheduleBlockID string
		// CommittedRequestID is the change request committed via detour.
		CommittedRequestID string
		// SpawnedFlowIDs lists child flows created by fan-out rules.
		SpawnedFlowIDs []string
		// JobID is the job provisioned by a SALE_CLOSED outcome.
		JobID string
		// Blocked is set when fan-out or provisioning failed and the flow
		// was flipped to BLOCKED instead of rolling the outcome back.
		Blocked *BlockedInfo
	}
)

// RecordOutcome records a task outcome and applies every consequence in one
// transaction: the immutable outcome write, the schedule commit, the detour
// commit, gate routing, flow completion, fan-out and job provisioning.
// Post-commit events are drained only after the transaction commits.
func (e *Engine) RecordOutcome(ctx context.Context, req RecordOutcomeRequest) (*OutcomeResult, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var (
		res    OutcomeResult
		events []hooks.Event
	)
	err = e.store.Update(ctx, func(tx store.Tx) error {
		res = OutcomeResult{}
		events = events[:0]

		f, snap, node, task, err := e.loadTask(ctx, tx, req.FlowID, req.TaskID)
		if err != nil {
			return err
		}
		now := e.now()

		fs, err := flowstate.Load(ctx, tx, f)
		if err != nil {
			return err
		}
		k := kernel.CurrentIteration(fs.Activations, node.ID)
		if k == 0 {
			return flowerr.New(flowerr.CodeNodeNotActivated, "task's node has not been activated").
				WithDetail("taskId", task.ID).WithDetail("nodeId", node.ID)
		}
		row, err := tx.Executions().Find(ctx, req.FlowID, task.ID, k)
		if err != nil {
			return err
		}
		if row == nil {
			return flowerr.New(flowerr.CodeTaskNotStarted, "task has no started execution at the current iteration").
				WithDetail("taskId", task.ID).WithDetail("iteration", k)
		}
		if !task.HasOutcome(req.Outcome) {
			return flowerr.New(flowerr.CodeInvalidOutcome, "task does not declare this outcome").
				WithDetail("taskId", task.ID).WithDetail("outcome", req.Outcome)
		}
		if task.EvidenceRequired && !hasEvidence(fs.Evidence, task.ID) {
			return flowerr.New(flowerr.CodeEvidenceRequired, "task requires evidence before an outcome").
				WithDetail("taskId", task.ID)
		}
		if task.SchedulingEnabled() {
			if req.Schedule == nil {
				return flowerr.New(flowerr.CodeSchedulingDataMissing, "scheduling-enabled task requires a schedule window").
					WithDetail("taskId", task.ID)
			}
			if !req.Schedule.EndAt.After(req.Schedule.StartAt) {
				return flowerr.New(flowerr.CodeInvalidTimeRange, "schedule window end does not follow start").
					WithDetail("taskId", task.ID)
			}
		}

		// SetOutcome enforces immutability; a second write fails here.
		if err := tx.Executions().SetOutcome(ctx, row.ID, req.Outcome, now, sc.ActorID, req.DetourID); err != nil {
			return err
		}

		if task.SchedulingEnabled() {
			blockID, supersededID, err := e.commitScheduleWindow(ctx, tx, f, task.ID, req.Schedule, sc.ActorID, now)
			if err != nil {
				return err
			}
			res.ScheduleBlockID = blockID
			events = append(events, hooks.NewScheduleCommittedEvent(f.CompanyID, f.ID, task.ID, blockID, supersededID, "", now))
		}

		if req.DetourID != "" {
			commit, err := e.detours.CommitTx(ctx, tx, f.CompanyID, f.ID, task.ID, req.DetourID, sc.ActorID, now)
			if err != nil {
				return err
			}
			if commit != nil {
				res.CommittedRequestID = commit.RequestID
				events = append(events, hooks.NewScheduleCommittedEvent(
					f.CompanyID, f.ID, commit.TaskID, commit.Block.ID, commit.SupersededBlockID, commit.RequestID, now))
			}
		}

		// Re-load the flow state so routing and completion observe the
		// outcome and any resolved detour.
		fs, err = flowstate.Load(ctx, tx, f)
		if err != nil {
			return err
		}
		activated, err := e.route(ctx, tx, f, snap, &fs, node.ID, req.Outcome, now)
		if err != nil {
			return err
		}
		res.Activated = activated
		for _, a := range activated {
			events = append(events, hooks.NewNodeActivatedEvent(f.CompanyID, f.ID, a.NodeID, a.Iteration, now))
		}

		events = append(events, hooks.NewTaskDoneEvent(f.CompanyID, f.ID, task.ID, row.ID, k, req.Outcome, sc.ActorID, now))

		if kernel.FlowComplete(fs) {
			if err := tx.Flows().SetStatus(ctx, f.ID, flow.StatusCompleted); err != nil {
				return err
			}
			res.FlowCompleted = true
			events = append(events, hooks.NewFlowCompletedEvent(f.CompanyID, f.ID, now))
		}

		// Fan-out and provisioning failures block the flow instead of
		// rolling the recorded outcome back; the outcome stands and the
		// failure surfaces as a diagnostic.
		blocked, err := e.runFanOut(ctx, tx, f, node.ID, req.Outcome, &res, &events, now)
		if err != nil {
			return err
		}
		if blocked != nil {
			if err := tx.Flows().SetStatus(ctx, f.ID, flow.StatusBlocked); err != nil {
				return err
			}
			res.Blocked = blocked
			res.FlowCompleted = false
			events = append(events, hooks.NewFlowBlockedEvent(f.CompanyID, f.ID, string(blocked.Code), blocked.Reason, now))
		}

		updated, err := tx.Executions().Get(ctx, row.ID)
		if err != nil {
			return err
		}
		res.Execution = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.IncCounter(telemetry.MetricOutcomesRecorded, 1)
	if res.FlowCompleted {
		e.metrics.IncCounter(telemetry.MetricFlowsCompleted, 1)
	}
	if res.Blocked != nil {
		e.metrics.IncCounter(telemetry.MetricFlowsBlocked, 1)
	}
	if res.ScheduleBlockID != "" || res.CommittedRequestID != "" {
		e.metrics.IncCounter(telemetry.MetricScheduleCommits, 1)
	}
	e.drain(ctx, events)
	return &res, nil
}

// commitScheduleWindow writes a COMMITTED block for the task and supersedes
// the open one.
func (e *Engine) commitScheduleWindow(ctx context.Context, tx store.Tx, f *flow.Flow, taskID string, w *ScheduleWindow, actor string, now time.Time) (string, string, error) {
	block := schedule.Block{
		ID:        e.idgen(),
		CompanyID: f.CompanyID,
		TaskID:    taskID,
		FlowID:    f.ID,
		TimeClass: schedule.Committed,
		StartAt:   w.StartAt,
		EndAt:     w.EndAt,
		Metadata:  w.Metadata,
		CreatedBy: actor,
		CreatedAt: now,
	}
	open, err := tx.Blocks().FindOpen(ctx, taskID, f.ID)
	if err != nil {
		return "", "", err
	}
	if err := tx.Blocks().Insert(ctx, block); err != nil {
		return "", "", err
	}
	superseded := ""
	if open != nil {
		if err := tx.Blocks().Supersede(ctx, open.ID, now, block.ID); err != nil {
			return "", "", err
		}
		superseded = open.ID
	}
	return block.ID, superseded, nil
}

// route applies gate routing for the just-recorded outcome and then sweeps
// deferred forward activations to a fixpoint.
//
// Loopback gates (target depth at or above the source's) fire only for the
// triggering outcome and bump the target to its next iteration. Forward
// routing is delegated to sweepForward.
func (e *Engine) route(ctx context.Context, tx store.Tx, f *flow.Flow, snap *snapshot.Snapshot, fs *kernel.FlowState, sourceNodeID, outcome string, now time.Time) ([]ActivatedNode, error) {
	depths := snapshot.Depths(snap)
	var activated []ActivatedNode

	// Loopback edges of the triggering outcome.
	for _, g := range snap.GatesFrom(sourceNodeID, outcome) {
		if g.TargetNodeID == nil {
			continue
		}
		target := *g.TargetNodeID
		if depths[target] > depths[sourceNodeID] {
			continue
		}
		next := kernel.CurrentIteration(fs.Activations, target) + 1
		if err := e.activateNode(ctx, tx, f, fs, target, next, now); err != nil {
			return nil, err
		}
		activated = append(activated, ActivatedNode{NodeID: target, Iteration: next})
	}

	swept, err := e.sweepForward(ctx, tx, f, snap, fs, now)
	if err != nil {
		return nil, err
	}
	return append(activated, swept...), nil
}

// sweepForward re-fires the forward gates of every effectively VALID outcome
// at its node's current iteration, to a fixpoint. Forward gates are
// idempotent: a never-activated target enters at iteration 1 once its join
// barrier, if any, has cleared. The sweep runs after every ledger write that
// can lift a barrier, including validity events, so join targets skipped
// earlier activate as soon as the last open branch closes.
func (e *Engine) sweepForward(ctx context.Context, tx store.Tx, f *flow.Flow, snap *snapshot.Snapshot, fs *kernel.FlowState, now time.Time) ([]ActivatedNode, error) {
	depths := snapshot.Depths(snap)
	vm := kernel.ValidityMap(fs.Validity)
	var activated []ActivatedNode
	for {
		progressed := false
		for i := range fs.Executions {
			ex := &fs.Executions[i]
			if !ex.HasOutcome() || kernel.Effective(vm, ex.ID) != truth.ValidityValid {
				continue
			}
			if ex.Iteration != kernel.CurrentIteration(fs.Activations, ex.NodeID) {
				continue
			}
			for _, g := range snap.GatesFrom(ex.NodeID, *ex.Outcome) {
				if g.TargetNodeID == nil {
					continue
				}
				target := *g.TargetNodeID
				if depths[target] <= depths[ex.NodeID] {
					continue
				}
				if kernel.CurrentIteration(fs.Activations, target) > 0 {
					continue
				}
				if kernel.JoinHeld(*fs, target) {
					continue
				}
				if err := e.activateNode(ctx, tx, f, fs, target, 1, now); err != nil {
					return nil, err
				}
				activated = append(activated, ActivatedNode{NodeID: target, Iteration: 1})
				progressed = true
			}
		}
		if !progressed {
			return activated, nil
		}
	}
}

// activateNode appends an activation row and mirrors it into the in-memory
// state so later routing decisions observe it.
func (e *Engine) activateNode(ctx context.Context, tx store.Tx, f *flow.Flow, fs *kernel.FlowState, nodeID string, iteration int, now time.Time) error {
	row := truth.NodeActivation{
		ID:          e.idgen(),
		CompanyID:   f.CompanyID,
		FlowID:      f.ID,
		NodeID:      nodeID,
		Iteration:   iteration,
		ActivatedAt: now,
	}
	if err := tx.Activations().Insert(ctx, row); err != nil {
		return err
	}
	fs.Activations = append(fs.Activations, row)
	return nil
}

func hasEvidence(attachments []truth.EvidenceAttachment, taskID string) bool {
	for i := range attachments {
		if attachments[i].TaskID == taskID {
			return true
		}
	}
	return false
}
