package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/truth"
)

func strptr(s string) *string { return &s }

// linearSnapshot is n1 --DONE--> n2, one task per node.
func linearSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		WorkflowID: "wf1",
		Version:    1,
		Name:       "linear",
		Nodes: []snapshot.NodeSnapshot{
			{
				ID: "n1", Name: "Survey", IsEntry: true,
				CompletionRule:       "ALL_TASKS_DONE",
				TransitiveSuccessors: []string{"n2"},
				Tasks: []snapshot.TaskSnapshot{
					{ID: "t1", Name: "Walk site", Outcomes: []snapshot.OutcomeSnapshot{{Name: "DONE"}}},
				},
			},
			{
				ID: "n2", Name: "Install",
				CompletionRule: "ALL_TASKS_DONE",
				Tasks: []snapshot.TaskSnapshot{
					{ID: "t2", Name: "Mount hardware", Outcomes: []snapshot.OutcomeSnapshot{{Name: "DONE"}}},
				},
			},
		},
		Gates: []snapshot.GateSnapshot{
			{SourceNodeID: "n1", OutcomeName: "DONE", TargetNodeID: strptr("n2")},
		},
	}
}

// diamondSnapshot is n1 fanning out to n2 and n3, both joining at n4.
func diamondSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		WorkflowID: "wf2",
		Version:    1,
		Name:       "diamond",
		Nodes: []snapshot.NodeSnapshot{
			{
				ID: "n1", Name: "Start", IsEntry: true,
				TransitiveSuccessors: []string{"n2", "n3", "n4"},
				Tasks: []snapshot.TaskSnapshot{
					{ID: "t1", Name: "Kick off", Outcomes: []snapshot.OutcomeSnapshot{{Name: "GO"}}},
				},
			},
			{
				ID: "n2", Name: "Left",
				TransitiveSuccessors: []string{"n4"},
				Tasks: []snapshot.TaskSnapshot{
					{ID: "t2", Name: "Left work", Outcomes: []snapshot.OutcomeSnapshot{{Name: "DONE"}}},
				},
			},
			{
				ID: "n3", Name: "Right",
				TransitiveSuccessors: []string{"n4"},
				Tasks: []snapshot.TaskSnapshot{
					{ID: "t3", Name: "Right work", Outcomes: []snapshot.OutcomeSnapshot{{Name: "DONE"}}},
				},
			},
			{
				ID: "n4", Name: "Finish",
				Tasks: []snapshot.TaskSnapshot{
					{ID: "t4", Name: "Close out", Outcomes: []snapshot.OutcomeSnapshot{{Name: "DONE"}}},
				},
			},
		},
		Gates: []snapshot.GateSnapshot{
			{SourceNodeID: "n1", OutcomeName: "GO", TargetNodeID: strptr("n2")},
			{SourceNodeID: "n1", OutcomeName: "GO", TargetNodeID: strptr("n3")},
			{SourceNodeID: "n2", OutcomeName: "DONE", TargetNodeID: strptr("n4")},
			{SourceNodeID: "n3", OutcomeName: "DONE", TargetNodeID: strptr("n4")},
		},
	}
}

func activation(node string, iter int, at time.Time) truth.NodeActivation {
	return truth.NodeActivation{ID: "act-" + node, FlowID: "f1", NodeID: node, Iteration: iter, ActivatedAt: at}
}

func outcomed(id, task, node string, iter int, outcome string, at time.Time) truth.TaskExecution {
	return truth.TaskExecution{
		ID: id, FlowID: "f1", TaskID: task, NodeID: node, Iteration: iter,
		StartedAt: at, Outcome: &outcome, OutcomeAt: &at,
	}
}

func TestValidityMapLatestWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	vm := ValidityMap([]truth.ValidityEvent{
		{ID: "v1", TaskExecutionID: "e1", State: truth.ValidityInvalid, CreatedAt: base},
		{ID: "v2", TaskExecutionID: "e1", State: truth.ValidityValid, CreatedAt: base.Add(time.Minute)},
		{ID: "v3", TaskExecutionID: "e2", State: truth.ValidityInvalid, CreatedAt: base},
	})
	assert.Equal(t, truth.ValidityValid, vm["e1"])
	assert.Equal(t, truth.ValidityInvalid, vm["e2"])
}

func TestValidityMapTiebreaksByID(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	vm := ValidityMap([]truth.ValidityEvent{
		{ID: "v2", TaskExecutionID: "e1", State: truth.ValidityInvalid, CreatedAt: at},
		{ID: "v1", TaskExecutionID: "e1", State: truth.ValidityValid, CreatedAt: at},
	})
	assert.Equal(t, truth.ValidityInvalid, vm["e1"])
}

func TestEffectiveDefaultsValid(t *testing.T) {
	assert.Equal(t, truth.ValidityValid, Effective(nil, "e-unknown"))
}

func TestCurrentIteration(t *testing.T) {
	at := time.Now().UTC()
	acts := []truth.NodeActivation{
		activation("n1", 1, at),
		{ID: "act-n1-2", FlowID: "f1", NodeID: "n1", Iteration: 2, ActivatedAt: at},
	}
	assert.Equal(t, 2, CurrentIteration(acts, "n1"))
	assert.Equal(t, 0, CurrentIteration(acts, "n2"))
}

func TestNodeCompleteRules(t *testing.T) {
	at := time.Now().UTC()
	node := &snapshot.NodeSnapshot{
		ID:             "n1",
		CompletionRule: "ALL_TASKS_DONE",
		Tasks: []snapshot.TaskSnapshot{
			{ID: "t1", Name: "a"},
			{ID: "t2", Name: "b"},
		},
	}
	one := []truth.TaskExecution{outcomed("e1", "t1", "n1", 1, "DONE", at)}
	both := append(one, outcomed("e2", "t2", "n1", 1, "DONE", at))

	assert.False(t, NodeComplete(node, one, nil, 1))
	assert.True(t, NodeComplete(node, both, nil, 1))

	node.CompletionRule = "ANY_TASK_DONE"
	assert.True(t, NodeComplete(node, one, nil, 1))

	node.CompletionRule = "SPECIFIC_TASKS_DONE"
	node.SpecificTasks = []string{"t2"}
	assert.False(t, NodeComplete(node, one, nil, 1))
	assert.True(t, NodeComplete(node, both, nil, 1))
}

func TestNodeCompleteIgnoresInvalidOutcomes(t *testing.T) {
	at := time.Now().UTC()
	node := &snapshot.NodeSnapshot{
		ID:             "n1",
		CompletionRule: "ALL_TASKS_DONE",
		Tasks:          []snapshot.TaskSnapshot{{ID: "t1", Name: "a"}},
	}
	execs := []truth.TaskExecution{outcomed("e1", "t1", "n1", 1, "DONE", at)}
	vm := map[string]truth.ValidityState{"e1": truth.ValidityInvalid}
	assert.False(t, NodeComplete(node, execs, vm, 1))
	assert.True(t, NodeComplete(node, execs, nil, 1))
}

func TestActionableTasksLinear(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fs := FlowState{
		FlowID:      "f1",
		Snapshot:    linearSnapshot(),
		Activations: []truth.NodeActivation{activation("n1", 1, at)},
	}
	tasks := ActionableTasks(fs)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)
	assert.Equal(t, "n1", tasks[0].NodeID)
	assert.Equal(t, 1, tasks[0].Iteration)
	assert.Equal(t, at, tasks[0].ActivatedAt)
	assert.Empty(t, tasks[0].ExecutionID)
	assert.Nil(t, tasks[0].StartedAt)
}

func TestActionableTasksDropsValidOutcome(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:   "f1",
		Snapshot: linearSnapshot(),
		Activations: []truth.NodeActivation{
			activation("n1", 1, at),
			activation("n2", 1, at),
		},
		Executions: []truth.TaskExecution{outcomed("e1", "t1", "n1", 1, "DONE", at)},
	}
	tasks := ActionableTasks(fs)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].TaskID)
}

func TestActionableTasksInvalidOutcomeReopens(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:      "f1",
		Snapshot:    linearSnapshot(),
		Activations: []truth.NodeActivation{activation("n1", 1, at)},
		Executions:  []truth.TaskExecution{outcomed("e1", "t1", "n1", 1, "DONE", at)},
		Validity: []truth.ValidityEvent{
			{ID: "v1", TaskExecutionID: "e1", State: truth.ValidityInvalid, CreatedAt: at},
		},
	}
	tasks := ActionableTasks(fs)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)
	assert.Equal(t, "e1", tasks[0].ExecutionID)
	require.NotNil(t, tasks[0].StartedAt)
}

func TestActionableTasksBlockedByDetour(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:   "f1",
		Snapshot: linearSnapshot(),
		Activations: []truth.NodeActivation{
			activation("n1", 1, at),
			activation("n2", 1, at),
		},
		Detours: []truth.DetourRecord{{
			ID: "d1", FlowID: "f1",
			CheckpointNodeID:   "n1",
			ResumeTargetNodeID: "n2",
			Type:               truth.DetourBlocking,
			Status:             truth.DetourActive,
		}},
	}
	tasks := ActionableTasks(fs)
	assert.Empty(t, tasks)

	fs.Detours[0].Status = truth.DetourResolved
	tasks = ActionableTasks(fs)
	assert.Len(t, tasks, 2)
}

func TestActionableTasksCrossFlowDep(t *testing.T) {
	at := time.Now().UTC()
	snap := linearSnapshot()
	snap.Nodes[0].Tasks[0].CrossFlowDeps = []snapshot.CrossFlowDep{{
		SourceWorkflowID: "wf-src",
		SourceTaskPath:   "Survey/Walk site",
		RequiredOutcome:  "DONE",
	}}
	fs := FlowState{
		FlowID:      "f1",
		Snapshot:    snap,
		Activations: []truth.NodeActivation{activation("n1", 1, at)},
	}
	assert.Empty(t, ActionableTasks(fs))

	sibSnap := linearSnapshot()
	fs.Siblings = []SiblingFlow{{
		WorkflowID: "wf-src",
		Snapshot:   sibSnap,
		Executions: []truth.TaskExecution{outcomed("se1", "t1", "n1", 1, "DONE", at)},
	}}
	tasks := ActionableTasks(fs)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)
}

func TestDepSatisfiedRequiresValidOutcome(t *testing.T) {
	at := time.Now().UTC()
	dep := snapshot.CrossFlowDep{
		SourceWorkflowID: "wf1",
		SourceTaskPath:   "Survey/Walk site",
		RequiredOutcome:  "DONE",
	}
	sib := SiblingFlow{
		WorkflowID: "wf1",
		Snapshot:   linearSnapshot(),
		Executions: []truth.TaskExecution{outcomed("se1", "t1", "n1", 1, "DONE", at)},
	}
	assert.True(t, DepSatisfied(dep, []SiblingFlow{sib}))

	sib.Validity = []truth.ValidityEvent{
		{ID: "v1", TaskExecutionID: "se1", State: truth.ValidityInvalid, CreatedAt: at},
	}
	assert.False(t, DepSatisfied(dep, []SiblingFlow{sib}))
}

func TestJoinHeld(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:   "f1",
		Snapshot: diamondSnapshot(),
		Activations: []truth.NodeActivation{
			activation("n1", 1, at),
			activation("n2", 1, at),
			activation("n3", 1, at),
			activation("n4", 1, at),
		},
		Executions: []truth.TaskExecution{
			outcomed("e1", "t1", "n1", 1, "GO", at),
			outcomed("e2", "t2", "n2", 1, "DONE", at),
		},
	}
	// n3 is still incomplete, so the join at n4 holds.
	assert.True(t, JoinHeld(fs, "n4"))

	fs.Executions = append(fs.Executions, outcomed("e3", "t3", "n3", 1, "DONE", at))
	assert.False(t, JoinHeld(fs, "n4"))

	// Single-inbound nodes are never held.
	assert.False(t, JoinHeld(fs, "n2"))
}

func TestJoinHeldByUnactivatedReachableAncestor(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:   "f1",
		Snapshot: diamondSnapshot(),
		Activations: []truth.NodeActivation{
			activation("n1", 1, at),
			activation("n2", 1, at),
			activation("n4", 1, at),
		},
		Executions: []truth.TaskExecution{
			outcomed("e2", "t2", "n2", 1, "DONE", at),
		},
	}
	// n3 is unactivated but n1 (incomplete) can still reach it.
	assert.True(t, JoinHeld(fs, "n4"))
}

func TestBlockedScopeExcludesResumeDownstream(t *testing.T) {
	snap := diamondSnapshot()
	d := truth.DetourRecord{
		CheckpointNodeID:   "n1",
		ResumeTargetNodeID: "n2",
		Type:               truth.DetourBlocking,
		Status:             truth.DetourActive,
	}
	scope := BlockedScope(snap, d)
	assert.True(t, scope["n1"])
	assert.True(t, scope["n2"]) // resume target stays blocked
	assert.True(t, scope["n3"])
	assert.False(t, scope["n4"]) // downstream of resume target
}

func TestFlowComplete(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:      "f1",
		Snapshot:    linearSnapshot(),
		Activations: []truth.NodeActivation{activation("n1", 1, at)},
		Executions:  []truth.TaskExecution{outcomed("e1", "t1", "n1", 1, "DONE", at)},
	}
	// The DONE gate fired but n2 was never activated.
	assert.False(t, FlowComplete(fs))

	fs.Activations = append(fs.Activations, activation("n2", 1, at))
	assert.False(t, FlowComplete(fs)) // n2 incomplete

	fs.Executions = append(fs.Executions, outcomed("e2", "t2", "n2", 1, "DONE", at))
	assert.True(t, FlowComplete(fs))
}

func TestFlowCompleteNonTerminating(t *testing.T) {
	snap := linearSnapshot()
	snap.IsNonTerminating = true
	assert.False(t, FlowComplete(FlowState{FlowID: "f1", Snapshot: snap}))
}

func TestFlowCompleteBlockedByActiveDetour(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:      "f1",
		Snapshot:    linearSnapshot(),
		Activations: []truth.NodeActivation{activation("n1", 1, at), activation("n2", 1, at)},
		Executions: []truth.TaskExecution{
			outcomed("e1", "t1", "n1", 1, "DONE", at),
			outcomed("e2", "t2", "n2", 1, "DONE", at),
		},
		Detours: []truth.DetourRecord{{
			ID: "d1", Type: truth.DetourBlocking, Status: truth.DetourActive,
			CheckpointNodeID: "n1", ResumeTargetNodeID: "n2",
		}},
	}
	assert.False(t, FlowComplete(fs))

	fs.Detours[0].Status = truth.DetourResolved
	assert.True(t, FlowComplete(fs))
}

func TestActionableOrderingIsCanonical(t *testing.T) {
	at := time.Now().UTC()
	fs := FlowState{
		FlowID:   "f1",
		Snapshot: diamondSnapshot(),
		Activations: []truth.NodeActivation{
			activation("n3", 1, at),
			activation("n2", 1, at),
		},
	}
	tasks := ActionableTasks(fs)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t2", tasks[0].TaskID)
	assert.Equal(t, "t3", tasks[1].TaskID)
}
