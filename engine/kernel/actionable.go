package kernel

import (
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/truth"
)

// ActionableTasks derives the set of tasks currently permitted to be worked
// on. A task of node N is actionable at N's current iteration k when all of
// the following hold:
//
//  1. N has an activation at k.
//  2. No effectively VALID outcome exists for (task, k). An INVALID outcome
//     re-opens the task at the same iteration until a later validity event
//     or a new activation supersedes it.
//  3. Every cross-flow dependency of the task is satisfied by a sibling
//     flow.
//  4. N is not inside the blocked scope of an ACTIVE blocking detour.
//  5. N is not a join node held by its barrier.
//
// The result is ordered canonically by (flowID, taskID, iteration). Callers
// enrich entries in place but never reorder them.
func ActionableTasks(fs FlowState) []ActionableTask {
	if fs.Snapshot == nil {
		return nil
	}
	vm := ValidityMap(fs.Validity)
	blocked := BlockedNodes(fs)
	attached := map[string]bool{}
	for _, ev := range fs.Evidence {
		attached[ev.TaskID] = true
	}

	var out []ActionableTask
	for i := range fs.Snapshot.Nodes {
		node := &fs.Snapshot.Nodes[i]
		k := CurrentIteration(fs.Activations, node.ID)
		if k == 0 {
			continue
		}
		if blocked[node.ID] {
			continue
		}
		if JoinHeld(fs, node.ID) {
			continue
		}
		act := activationAt(fs.Activations, node.ID, k)
		for j := range node.Tasks {
			task := &node.Tasks[j]
			exec := executionAt(fs.Executions, task.ID, k)
			if exec != nil && exec.HasOutcome() && Effective(vm, exec.ID) == truth.ValidityValid {
				continue
			}
			if !depsSatisfied(task, fs.Siblings) {
				continue
			}
			at := ActionableTask{
				FlowID:           fs.FlowID,
				TaskID:           task.ID,
				NodeID:           node.ID,
				Iteration:        k,
				TaskName:         task.Name,
				NodeName:         node.Name,
				EvidenceRequired: task.EvidenceRequired,
				HasEvidence:      attached[task.ID],
			}
			if act != nil {
				at.ActivatedAt = act.ActivatedAt
			}
			if exec != nil {
				at.ExecutionID = exec.ID
				started := exec.StartedAt
				at.StartedAt = &started
			}
			out = append(out, at)
		}
	}
	sortActionable(out)
	return out
}

func depsSatisfied(task *snapshot.TaskSnapshot, siblings []SiblingFlow) bool {
	for _, dep := range task.CrossFlowDeps {
		if !DepSatisfied(dep, siblings) {
			return false
		}
	}
	return true
}

// BlockedScope returns the node set an active blocking detour gates: the
// checkpoint node plus everything downstream of it, minus what is downstream
// of the resume target. The resume target itself stays blocked until the
// detour resolves.
func BlockedScope(snap *snapshot.Snapshot, d truth.DetourRecord) map[string]bool {
	scope := map[string]bool{d.CheckpointNodeID: true}
	if cp := snap.Node(d.CheckpointNodeID); cp != nil {
		for _, id := range cp.TransitiveSuccessors {
			scope[id] = true
		}
	}
	if rt := snap.Node(d.ResumeTargetNodeID); rt != nil {
		for _, id := range rt.TransitiveSuccessors {
			delete(scope, id)
		}
	}
	return scope
}

// BlockedNodes unions the blocked scopes of every ACTIVE blocking detour.
func BlockedNodes(fs FlowState) map[string]bool {
	blocked := map[string]bool{}
	for _, d := range fs.Detours {
		if d.Type != truth.DetourBlocking || d.Status != truth.DetourActive {
			continue
		}
		for id := range BlockedScope(fs.Snapshot, d) {
			blocked[id] = true
		}
	}
	return blocked
}

// JoinHeld reports whether a join node (more than one inbound gate) is held
// by its barrier: some other node feeding an inbound edge is still pending.
// An ancestor is pending when it is activated but incomplete at its current
// iteration, when it is unactivated but still reachable from an incomplete
// activated node, or when it sits in a detour's blocked scope.
func JoinHeld(fs FlowState, nodeID string) bool {
	inbound := fs.Snapshot.InboundGates(nodeID)
	if len(inbound) <= 1 {
		return false
	}

	sources := map[string]bool{}
	for _, g := range inbound {
		if g.SourceNodeID != nodeID {
			sources[g.SourceNodeID] = true
		}
	}
	if len(sources) <= 1 {
		return false
	}

	vm := ValidityMap(fs.Validity)
	blocked := BlockedNodes(fs)

	// Incomplete activated nodes, for reachability of unactivated ancestors.
	var incomplete []*snapshot.NodeSnapshot
	for i := range fs.Snapshot.Nodes {
		n := &fs.Snapshot.Nodes[i]
		k := CurrentIteration(fs.Activations, n.ID)
		if k > 0 && !NodeComplete(n, fs.Executions, vm, k) {
			incomplete = append(incomplete, n)
		}
	}

	for src := range sources {
		if blocked[src] {
			return true
		}
		k := CurrentIteration(fs.Activations, src)
		if k > 0 {
			node := fs.Snapshot.Node(src)
			if node != nil && !NodeComplete(node, fs.Executions, vm, k) {
				return true
			}
			continue
		}
		// Unactivated ancestor: held while any incomplete activated node
		// can still reach it.
		for _, n := range incomplete {
			if n.ID == src {
				return true
			}
			for _, id := range n.TransitiveSuccessors {
				if id == src {
					return true
				}
			}
		}
	}
	return false
}

// FlowComplete reports whether the flow has finished: the workflow is
// terminating, no blocking detour is active, every activated node is
// complete at its current iteration, and every gate fired by an effectively
// VALID outcome either terminated its branch or reached an activated node.
func FlowComplete(fs FlowState) bool {
	if fs.Snapshot == nil || fs.Snapshot.IsNonTerminating {
		return false
	}
	for _, d := range fs.Detours {
		if d.Type == truth.DetourBlocking && d.Status == truth.DetourActive {
			return false
		}
	}

	vm := ValidityMap(fs.Validity)
	for i := range fs.Snapshot.Nodes {
		node := &fs.Snapshot.Nodes[i]
		k := CurrentIteration(fs.Activations, node.ID)
		if k == 0 {
			continue
		}
		if !NodeComplete(node, fs.Executions, vm, k) {
			return false
		}
	}

	for i := range fs.Executions {
		e := &fs.Executions[i]
		if !e.HasOutcome() || Effective(vm, e.ID) != truth.ValidityValid {
			continue
		}
		for _, g := range fs.Snapshot.GatesFrom(e.NodeID, *e.Outcome) {
			if g.TargetNodeID == nil {
				continue
			}
			if CurrentIteration(fs.Activations, *g.TargetNodeID) == 0 {
				return false
			}
		}
	}
	return true
}
