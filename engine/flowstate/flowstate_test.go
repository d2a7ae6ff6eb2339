package flowstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/store/memory"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

var loadNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func loadCtx() context.Context {
	return tenant.NewContext(context.Background(), tenant.Scope{
		CompanyID: "co1", ActorID: "user-1", MemberID: "member-1",
	})
}

func strptr(s string) *string { return &s }

func singleNodeWorkflow(id string, mutate func(w *spec.Workflow)) *spec.Workflow {
	w := &spec.Workflow{
		ID: id, Name: id, Version: 1, Status: spec.StatusPublished,
		Nodes: []spec.Node{{
			ID: id + "-n1", WorkflowID: id, Name: "Work", IsEntry: true,
			CompletionRule: spec.AllTasksDone,
			Tasks: []spec.Task{{
				ID: id + "-t1", NodeID: id + "-n1", Name: "Do it", DisplayOrder: 1,
				Outcomes: []spec.Outcome{{Name: "DONE"}},
			}},
		}},
		Gates: []spec.Gate{{SourceNodeID: id + "-n1", OutcomeName: "DONE", TargetNodeID: nil}},
	}
	if mutate != nil {
		mutate(w)
	}
	return w
}

func seedFlow(t *testing.T, st *memory.Store, w *spec.Workflow, flowID string) *flow.Flow {
	t.Helper()
	ctx := loadCtx()
	snap, err := snapshot.Build(w)
	require.NoError(t, err)
	f := &flow.Flow{
		ID: flowID, GroupID: "grp-1", WorkflowID: w.ID, VersionID: w.ID + "-v1",
		Status: flow.StatusActive, CreatedAt: loadNow,
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.Workflows().Create(ctx, w); err != nil {
			return err
		}
		if err := tx.Versions().Create(ctx, &snapshot.Version{
			ID: w.ID + "-v1", WorkflowID: w.ID, Version: 1, Snapshot: snap, CreatedAt: loadNow,
		}); err != nil {
			return err
		}
		return tx.Flows().Create(ctx, f)
	}))
	return f
}

func TestLoadGathersOwnLedger(t *testing.T) {
	st := memory.New()
	ctx := loadCtx()
	f := seedFlow(t, st, singleNodeWorkflow("wf1", nil), "flow-1")

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.Activations().Insert(ctx, truth.NodeActivation{
			ID: "act-1", FlowID: "flow-1", NodeID: "wf1-n1", Iteration: 1, ActivatedAt: loadNow,
		}); err != nil {
			return err
		}
		if err := tx.Executions().Insert(ctx, truth.TaskExecution{
			ID: "exec-1", FlowID: "flow-1", TaskID: "wf1-t1", NodeID: "wf1-n1",
			Iteration: 1, StartedBy: "user-1", StartedAt: loadNow,
		}); err != nil {
			return err
		}
		return tx.Validity().Insert(ctx, truth.ValidityEvent{
			ID: "val-1", TaskExecutionID: "exec-1", State: truth.ValidityValid, CreatedAt: loadNow,
		})
	}))

	var fs kernel.FlowState
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		fs, err = Load(ctx, tx, f)
		return err
	}))

	assert.Equal(t, "flow-1", fs.FlowID)
	require.NotNil(t, fs.Snapshot)
	assert.Len(t, fs.Activations, 1)
	assert.Len(t, fs.Executions, 1)
	assert.Len(t, fs.Validity, 1)
	assert.Empty(t, fs.Siblings)
}

func TestLoadSkipsSiblingsWithoutDependencies(t *testing.T) {
	st := memory.New()
	ctx := loadCtx()
	f := seedFlow(t, st, singleNodeWorkflow("wf1", nil), "flow-1")
	seedFlow(t, st, singleNodeWorkflow("wf2", nil), "flow-2")

	var fs kernel.FlowState
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		fs, err = Load(ctx, tx, f)
		return err
	}))
	assert.Empty(t, fs.Siblings)
}

func TestLoadGathersDependencySiblings(t *testing.T) {
	st := memory.New()
	ctx := loadCtx()
	dependent := singleNodeWorkflow("wf1", func(w *spec.Workflow) {
		w.Nodes[0].Tasks[0].CrossFlowDeps = []spec.CrossFlowDependency{{
			SourceWorkflowID: "wf2",
			SourceTaskPath:   "Work/Do it",
			RequiredOutcome:  "DONE",
		}}
	})
	f := seedFlow(t, st, dependent, "flow-1")
	sib := seedFlow(t, st, singleNodeWorkflow("wf2", nil), "flow-2")
	seedFlow(t, st, singleNodeWorkflow("wf3", nil), "flow-3")

	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().Insert(ctx, truth.TaskExecution{
			ID: "exec-sib", FlowID: sib.ID, TaskID: "wf2-t1", NodeID: "wf2-n1",
			Iteration: 1, StartedBy: "user-1", StartedAt: loadNow,
		})
	}))

	var fs kernel.FlowState
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		fs, err = Load(ctx, tx, f)
		return err
	}))

	// Only the workflow the dependency names is loaded; wf3 is ignored.
	require.Len(t, fs.Siblings, 1)
	assert.Equal(t, "wf2", fs.Siblings[0].WorkflowID)
	require.NotNil(t, fs.Siblings[0].Snapshot)
	assert.Len(t, fs.Siblings[0].Executions, 1)
}

func TestLoadFailsOnMissingVersion(t *testing.T) {
	st := memory.New()
	ctx := loadCtx()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.Flows().Create(ctx, &flow.Flow{
			ID: "flow-1", GroupID: "grp-1", WorkflowID: "wf1", VersionID: "ghost",
			Status: flow.StatusActive, CreatedAt: loadNow,
		})
	}))

	err := st.View(ctx, func(tx store.Tx) error {
		f, err := tx.Flows().Get(ctx, "flow-1")
		if err != nil {
			return err
		}
		_, err = Load(ctx, tx, f)
		return err
	})
	assert.Equal(t, flowerr.CodeEventNotFound, flowerr.CodeOf(err))
}
