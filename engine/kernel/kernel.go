// Package kernel computes derived state from the Truth ledger and the bound
// snapshot: which tasks are actionable, which nodes and flows are complete,
// and which nodes a detour blocks.
//
// Every function is pure. Inputs are gathered into a FlowState by the caller
// (the execution engine or the query layer); the kernel performs no I/O and
// never mutates its inputs. Given the same FlowState, every function returns
// the same result, which is what makes the derivations property-testable and
// lets the execution engine re-run them inside its transaction.
package kernel

import (
	"sort"
	"time"

	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// FlowState is the full input of the derivations for one flow: the
	// bound snapshot plus every Truth row of the flow, and the sibling
	// flows of its group for cross-flow dependency resolution.
	FlowState struct {
		// FlowID is the flow the state belongs to.
		FlowID string
		// Snapshot is the frozen workflow version the flow is bound to.
		Snapshot *snapshot.Snapshot
		// Activations are the flow's node activations.
		Activations []truth.NodeActivation
		// Executions are the flow's task executions.
		Executions []truth.TaskExecution
		// Evidence are the flow's evidence attachments.
		Evidence []truth.EvidenceAttachment
		// Validity are the validity events of the flow's executions.
		Validity []truth.ValidityEvent
		// Detours are the flow's detour records.
		Detours []truth.DetourRecord
		// Siblings describe the other flows of the flow group, keyed by
		// the data needed to resolve cross-flow dependencies.
		Siblings []SiblingFlow
	}

	// SiblingFlow is the cross-flow dependency view of one sibling flow.
	SiblingFlow struct {
		// WorkflowID is the sibling's workflow, matched against
		// dependency source workflow IDs.
		WorkflowID string
		// Snapshot is the sibling's bound snapshot, used to resolve
		// source task paths.
		Snapshot *snapshot.Snapshot
		// Executions are the sibling's task executions.
		Executions []truth.TaskExecution
		// Validity are the sibling's validity events.
		Validity []truth.ValidityEvent
	}

	// ActionableTask is one entry of the actionable set: a task currently
	// permitted to be worked on.
	ActionableTask struct {
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the actionable task (snapshot task ID).
		TaskID string
		// NodeID is the task's owning node.
		NodeID string
		// Iteration is the node iteration the work belongs to.
		Iteration int
		// TaskName and NodeName carry display names from the snapshot.
		TaskName string
		NodeName string
		// EvidenceRequired mirrors the task's evidence gate.
		EvidenceRequired bool
		// HasEvidence reports whether any evidence is attached.
		HasEvidence bool
		// ActivatedAt is when the node entered this iteration.
		ActivatedAt time.Time
		// ExecutionID is the open execution's ID when the task has been
		// started at this iteration, empty otherwise.
		ExecutionID string
		// StartedAt is when the open execution started, nil when the
		// task has not been started at this iteration.
		StartedAt *time.Time
	}
)

// ValidityMap folds validity events into the effective state per execution.
// The latest event wins, tiebroken by (CreatedAt desc, ID desc). Executions
// with no events are absent from the map and default to VALID.
func ValidityMap(events []truth.ValidityEvent) map[string]truth.ValidityState {
	type winner struct {
		at time.Time
		id string
	}
	latest := map[string]winner{}
	out := map[string]truth.ValidityState{}
	for _, ev := range events {
		w, ok := latest[ev.TaskExecutionID]
		if ok {
			if ev.CreatedAt.Before(w.at) {
				continue
			}
			if ev.CreatedAt.Equal(w.at) && ev.ID < w.id {
				continue
			}
		}
		latest[ev.TaskExecutionID] = winner{at: ev.CreatedAt, id: ev.ID}
		out[ev.TaskExecutionID] = ev.State
	}
	return out
}

// Effective returns the effective validity of an execution: the mapped
// state, or VALID when no event exists.
func Effective(vm map[string]truth.ValidityState, executionID string) truth.ValidityState {
	if s, ok := vm[executionID]; ok {
		return s
	}
	return truth.ValidityValid
}

// CurrentIteration returns the highest activation iteration of the node, or
// zero when the node was never activated.
func CurrentIteration(activations []truth.NodeActivation, nodeID string) int {
	max := 0
	for _, a := range activations {
		if a.NodeID == nodeID && a.Iteration > max {
			max = a.Iteration
		}
	}
	return max
}

// activationAt returns the activation row for (nodeID, iteration), or nil.
func activationAt(activations []truth.NodeActivation, nodeID string, iteration int) *truth.NodeActivation {
	for i := range activations {
		if activations[i].NodeID == nodeID && activations[i].Iteration == iteration {
			return &activations[i]
		}
	}
	return nil
}

// executionAt returns the execution row for (taskID, iteration), or nil.
func executionAt(executions []truth.TaskExecution, taskID string, iteration int) *truth.TaskExecution {
	for i := range executions {
		if executions[i].TaskID == taskID && executions[i].Iteration == iteration {
			return &executions[i]
		}
	}
	return nil
}

// NodeComplete reports whether the node's completion rule is satisfied at
// the given iteration. Only outcomes whose effective validity is VALID count
// as done; PROVISIONAL and INVALID outcomes do not.
func NodeComplete(node *snapshot.NodeSnapshot, executions []truth.TaskExecution, vm map[string]truth.ValidityState, iteration int) bool {
	done := map[string]bool{}
	for i := range executions {
		e := &executions[i]
		if e.NodeID != node.ID || e.Iteration != iteration || !e.HasOutcome() {
			continue
		}
		if Effective(vm, e.ID) == truth.ValidityValid {
			done[e.TaskID] = true
		}
	}

	switch snapshotRule(node.CompletionRule) {
	case "ANY_TASK_DONE":
		return len(done) > 0
	case "SPECIFIC_TASKS_DONE":
		for _, id := range node.SpecificTasks {
			if !done[id] {
				return false
			}
		}
		return true
	default: // ALL_TASKS_DONE
		for _, t := range node.Tasks {
			if !done[t.ID] {
				return false
			}
		}
		return true
	}
}

func snapshotRule(rule string) string {
	switch rule {
	case "ANY_TASK_DONE", "SPECIFIC_TASKS_DONE":
		return rule
	}
	return "ALL_TASKS_DONE"
}

// DepSatisfied reports whether one cross-flow dependency is satisfied by
// the sibling flows: the sibling bound to the dependency's source workflow
// must have an execution of the source task whose outcome equals the
// required outcome and is effectively VALID.
func DepSatisfied(dep snapshot.CrossFlowDep, siblings []SiblingFlow) bool {
	for _, sib := range siblings {
		if sib.WorkflowID != dep.SourceWorkflowID || sib.Snapshot == nil {
			continue
		}
		_, task := sib.Snapshot.TaskByPath(dep.SourceTaskPath)
		if task == nil {
			continue
		}
		vm := ValidityMap(sib.Validity)
		for i := range sib.Executions {
			e := &sib.Executions[i]
			if e.TaskID != task.ID || !e.HasOutcome() || *e.Outcome != dep.RequiredOutcome {
				continue
			}
			if Effective(vm, e.ID) == truth.ValidityValid {
				return true
			}
		}
	}
	return false
}

// sortActionable orders the actionable set canonically: flow ID, then task
// ID, then iteration. Enrichment layers rely on this order being stable.
func sortActionable(tasks []ActionableTask) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.FlowID != b.FlowID {
			return a.FlowID < b.FlowID
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.Iteration < b.Iteration
	})
}
