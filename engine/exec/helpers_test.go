package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/instantiate"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/store/memory"
	"flowspec.dev/flowspec/engine/tenant"
)

// env wires an engine over a fresh memory store with a deterministic ID
// sequence and a ticking clock, so row ordering follows call order.
type env struct {
	st  *memory.Store
	eng *Engine
	ctx context.Context
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	st := memory.New()
	var seq int
	var ticks int64
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	all := append([]Option{
		WithIDGen(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
		WithClock(func() time.Time {
			ticks++
			return base.Add(time.Duration(ticks) * time.Second)
		}),
	}, opts...)
	return &env{
		st:  st,
		eng: NewEngine(st, all...),
		ctx: tenant.NewContext(context.Background(), tenant.Scope{
			CompanyID: "co1",
			ActorID:   "user-1",
			MemberID:  "member-1",
		}),
	}
}

func strptr(s string) *string { return &s }

// installWorkflow is the base two-node graph: Survey (entry, task t1) gates
// DONE into Install (task t2), which terminates on DONE and loops back to
// Survey on REWORK. mutate, when set, adjusts the graph before freezing.
func installWorkflow(id string, mutate func(w *spec.Workflow)) *spec.Workflow {
	w := &spec.Workflow{
		ID: id, Name: id, Version: 1, Status: spec.StatusPublished,
		Nodes: []spec.Node{
			{
				ID: id + "-n1", WorkflowID: id, Name: "Survey", IsEntry: true,
				CompletionRule: spec.AllTasksDone,
				Tasks: []spec.Task{{
					ID: id + "-t1", NodeID: id + "-n1", Name: "Walk site", DisplayOrder: 1,
					Outcomes: []spec.Outcome{{Name: "DONE"}},
				}},
			},
			{
				ID: id + "-n2", WorkflowID: id, Name: "Install",
				CompletionRule: spec.AllTasksDone,
				Tasks: []spec.Task{{
					ID: id + "-t2", NodeID: id + "-n2", Name: "Mount hardware", DisplayOrder: 1,
					Outcomes: []spec.Outcome{{Name: "DONE"}, {Name: "REWORK"}},
				}},
			},
		},
		Gates: []spec.Gate{
			{SourceNodeID: id + "-n1", OutcomeName: "DONE", TargetNodeID: strptr(id + "-n2")},
			{SourceNodeID: id + "-n2", OutcomeName: "DONE", TargetNodeID: nil},
			{SourceNodeID: id + "-n2", OutcomeName: "REWORK", TargetNodeID: strptr(id + "-n1")},
		},
	}
	if mutate != nil {
		mutate(w)
	}
	return w
}

// diamondWorkflow fans Prep out into two parallel branches that join into
// Review: Prep's DONE activates both Fit splice and Wire drop, and Review
// waits for both branches to close.
func diamondWorkflow(id string) *spec.Workflow {
	task := func(n, name string) []spec.Task {
		return []spec.Task{{
			ID: id + "-t" + n, NodeID: id + "-n" + n, Name: name, DisplayOrder: 1,
			Outcomes: []spec.Outcome{{Name: "DONE"}},
		}}
	}
	return &spec.Workflow{
		ID: id, Name: id, Version: 1, Status: spec.StatusPublished,
		Nodes: []spec.Node{
			{ID: id + "-n1", WorkflowID: id, Name: "Prep", IsEntry: true,
				CompletionRule: spec.AllTasksDone, Tasks: task("1", "Stage materials")},
			{ID: id + "-n2", WorkflowID: id, Name: "Fit",
				CompletionRule: spec.AllTasksDone, Tasks: task("2", "Fit splice")},
			{ID: id + "-n3", WorkflowID: id, Name: "Wire",
				CompletionRule: spec.AllTasksDone, Tasks: task("3", "Wire drop")},
			{ID: id + "-n4", WorkflowID: id, Name: "Review",
				CompletionRule: spec.AllTasksDone, Tasks: task("4", "Review work")},
		},
		Gates: []spec.Gate{
			{SourceNodeID: id + "-n1", OutcomeName: "DONE", TargetNodeID: strptr(id + "-n2")},
			{SourceNodeID: id + "-n1", OutcomeName: "DONE", TargetNodeID: strptr(id + "-n3")},
			{SourceNodeID: id + "-n2", OutcomeName: "DONE", TargetNodeID: strptr(id + "-n4")},
			{SourceNodeID: id + "-n3", OutcomeName: "DONE", TargetNodeID: strptr(id + "-n4")},
			{SourceNodeID: id + "-n4", OutcomeName: "DONE", TargetNodeID: nil},
		},
	}
}

// seed freezes the workflow into a published version.
func (e *env) seed(t *testing.T, w *spec.Workflow) {
	t.Helper()
	snap, err := snapshot.Build(w)
	require.NoError(t, err)
	require.NoError(t, e.st.Update(e.ctx, func(tx store.Tx) error {
		if err := tx.Workflows().Create(e.ctx, w); err != nil {
			return err
		}
		return tx.Versions().Create(e.ctx, &snapshot.Version{
			ID: w.ID + "-v1", WorkflowID: w.ID, Version: 1, Snapshot: snap,
			CreatedAt: time.Now().UTC(),
		})
	}))
}

// createFlow instantiates a flow for the workflow under a fresh scope.
func (e *env) createFlow(t *testing.T, workflowID, scopeID string, initial json.RawMessage) *flow.Flow {
	t.Helper()
	svc := instantiate.NewService(e.st)
	res, err := svc.CreateFlow(e.ctx, instantiate.CreateFlowRequest{
		WorkflowID:      workflowID,
		ScopeType:       "ORDER",
		ScopeID:         scopeID,
		InitialEvidence: initial,
	})
	require.NoError(t, err)
	return res.Flow
}

func (e *env) flowStatus(t *testing.T, flowID string) flow.Status {
	t.Helper()
	var status flow.Status
	require.NoError(t, e.st.View(e.ctx, func(tx store.Tx) error {
		f, err := tx.Flows().Get(e.ctx, flowID)
		if err != nil {
			return err
		}
		status = f.Status
		return nil
	}))
	return status
}
