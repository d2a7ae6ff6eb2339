package exec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/instantiate"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/truth"
)

// withSaleClosed adds the SALE_CLOSED outcome to Install's task, terminating
// the flow like DONE does.
func withSaleClosed(w *spec.Workflow) {
	w.Nodes[1].Tasks[0].Outcomes = append(w.Nodes[1].Tasks[0].Outcomes, spec.Outcome{Name: "SALE_CLOSED"})
	w.Gates = append(w.Gates, spec.Gate{SourceNodeID: w.ID + "-n2", OutcomeName: "SALE_CLOSED", TargetNodeID: nil})
}

func (e *env) addRule(t *testing.T, workflowID, sourceNodeID, outcome, targetWorkflowID string) {
	t.Helper()
	require.NoError(t, e.st.Update(e.ctx, func(tx store.Tx) error {
		return tx.FanOutRules().Create(e.ctx, fanout.Rule{
			ID:               "rule-" + sourceNodeID + "-" + outcome,
			WorkflowID:       workflowID,
			SourceNodeID:     sourceNodeID,
			TriggerOutcome:   outcome,
			TargetWorkflowID: targetWorkflowID,
		})
	}))
}

// advanceToInstall walks the flow through Survey so Install's task can run.
func (e *env) advanceToInstall(t *testing.T, flowID, workflowID string) {
	t.Helper()
	_, err := e.eng.StartTask(e.ctx, flowID, workflowID+"-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: flowID, TaskID: workflowID + "-t1", Outcome: "DONE"})
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, flowID, workflowID+"-t2")
	require.NoError(t, err)
}

func TestFanOutSpawnsChildFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	e.seed(t, installWorkflow("wf2", nil))
	e.addRule(t, "wf1", "wf1-n2", "DONE", "wf2")
	f := e.createFlow(t, "wf1", "order-1", nil)
	e.advanceToInstall(t, f.ID, "wf1")

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "DONE"})
	require.NoError(t, err)
	require.Len(t, res.SpawnedFlowIDs, 1)
	assert.True(t, res.FlowCompleted)

	require.NoError(t, e.st.View(e.ctx, func(tx store.Tx) error {
		child, err := tx.Flows().Get(e.ctx, res.SpawnedFlowIDs[0])
		require.NoError(t, err)
		assert.Equal(t, "wf2", child.WorkflowID)
		assert.Equal(t, f.GroupID, child.GroupID)
		assert.Equal(t, flow.StatusActive, child.Status)
		return nil
	}))
}

func TestFanOutReplayDoesNotDuplicateChild(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	e.seed(t, installWorkflow("wf2", nil))
	e.addRule(t, "wf1", "wf1-n1", "DONE", "wf2")
	f := e.createFlow(t, "wf1", "order-1", nil)

	// Survey fires the rule, the rework loop brings Survey back, and the
	// second DONE finds the child already present.
	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	first, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	require.Len(t, first.SpawnedFlowIDs, 1)

	_, err = e.eng.StartTask(e.ctx, f.ID, "wf1-t2")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "REWORK"})
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)

	again, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	assert.Empty(t, again.SpawnedFlowIDs)
}

func TestSaleClosedProvisionsJob(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", withSaleClosed))
	f := e.createFlow(t, "wf1", "order-1", nil)
	e.advanceToInstall(t, f.ID, "wf1")

	_, err := e.eng.AttachEvidence(e.ctx, AttachEvidenceRequest{
		FlowID: f.ID, TaskID: "wf1-t2", Type: truth.EvidenceStructured,
		Data: []byte(`{"content":{"customerId":"cust-1","serviceAddress":"12 Main St"}}`),
	})
	require.NoError(t, err)

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "SALE_CLOSED"})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	assert.Nil(t, res.Blocked)
	assert.True(t, res.FlowCompleted)

	require.NoError(t, e.st.View(e.ctx, func(tx store.Tx) error {
		job, err := tx.Jobs().FindByGroup(e.ctx, f.GroupID)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, res.JobID, job.ID)
		assert.Equal(t, "cust-1", job.CustomerID)
		assert.Equal(t, "12 Main St", job.Address)
		return nil
	}))
}

func TestSaleClosedReusesGroupJob(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", withSaleClosed))
	e.seed(t, installWorkflow("wf2", withSaleClosed))
	f := e.createFlow(t, "wf1", "order-1", nil)

	sibling, err := instantiate.NewService(e.st).CreateFlow(e.ctx, instantiate.CreateFlowRequest{
		WorkflowID: "wf2", FlowGroupID: f.GroupID,
	})
	require.NoError(t, err)

	e.advanceToInstall(t, f.ID, "wf1")
	_, err = e.eng.AttachEvidence(e.ctx, AttachEvidenceRequest{
		FlowID: f.ID, TaskID: "wf1-t2", Type: truth.EvidenceStructured,
		Data: []byte(`{"content":{"customerId":"cust-1"}}`),
	})
	require.NoError(t, err)
	first, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "SALE_CLOSED"})
	require.NoError(t, err)
	require.NotEmpty(t, first.JobID)

	e.advanceToInstall(t, sibling.Flow.ID, "wf2")
	_, err = e.eng.AttachEvidence(e.ctx, AttachEvidenceRequest{
		FlowID: sibling.Flow.ID, TaskID: "wf2-t2", Type: truth.EvidenceStructured,
		Data: []byte(`{"content":{"customerId":"cust-1"}}`),
	})
	require.NoError(t, err)

	second, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: sibling.Flow.ID, TaskID: "wf2-t2", Outcome: "SALE_CLOSED"})
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestSaleClosedWithoutEvidenceBlocksFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", withSaleClosed))
	f := e.createFlow(t, "wf1", "order-1", nil)
	e.advanceToInstall(t, f.ID, "wf1")

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "SALE_CLOSED"})
	require.NoError(t, err)
	require.NotNil(t, res.Blocked)
	assert.Equal(t, flowerr.CodeEvidenceRequired, res.Blocked.Code)
	assert.False(t, res.FlowCompleted)
	assert.Equal(t, flow.StatusBlocked, e.flowStatus(t, f.ID))

	// The outcome itself stands.
	require.NotNil(t, res.Execution.Outcome)
	assert.Equal(t, "SALE_CLOSED", *res.Execution.Outcome)
}

func TestSaleClosedCustomerMismatchBlocksFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", withSaleClosed))
	f := e.createFlow(t, "wf1", "order-1", json.RawMessage(`{"customerId":"cust-1"}`))
	e.advanceToInstall(t, f.ID, "wf1")

	// Newer sale evidence names a different customer than the group anchor.
	_, err := e.eng.AttachEvidence(e.ctx, AttachEvidenceRequest{
		FlowID: f.ID, TaskID: "wf1-t2", Type: truth.EvidenceStructured,
		Data: []byte(`{"content":{"customerId":"cust-2"}}`),
	})
	require.NoError(t, err)

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "SALE_CLOSED"})
	require.NoError(t, err)
	require.NotNil(t, res.Blocked)
	assert.Equal(t, flowerr.CodeCustomerMismatch, res.Blocked.Code)
	assert.Equal(t, flow.StatusBlocked, e.flowStatus(t, f.ID))

	require.NoError(t, e.st.View(e.ctx, func(tx store.Tx) error {
		job, err := tx.Jobs().FindByGroup(e.ctx, f.GroupID)
		require.NoError(t, err)
		assert.Nil(t, job)
		return nil
	}))
}
