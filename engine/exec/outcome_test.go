package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/detour"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/truth"
)

func TestRecordOutcomeRoutesForward(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{
		FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Execution.Outcome)
	assert.Equal(t, "DONE", *res.Execution.Outcome)
	assert.Equal(t, []ActivatedNode{{NodeID: "wf1-n2", Iteration: 1}}, res.Activated)
	assert.False(t, res.FlowCompleted)
}

func TestRecordOutcomeCompletesFlow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, f.ID, "wf1-t2")
	require.NoError(t, err)

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "DONE"})
	require.NoError(t, err)
	assert.True(t, res.FlowCompleted)
	assert.Equal(t, flow.StatusCompleted, e.flowStatus(t, f.ID))
}

func TestRecordOutcomeIsImmutable(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)

	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	assert.Equal(t, flowerr.CodeOutcomeImmutable, flowerr.CodeOf(err))
}

func TestRecordOutcomeRequiresStart(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	assert.Equal(t, flowerr.CodeTaskNotStarted, flowerr.CodeOf(err))
}

func TestRecordOutcomeRejectsUndeclaredOutcome(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "MAYBE"})
	assert.Equal(t, flowerr.CodeInvalidOutcome, flowerr.CodeOf(err))
}

func TestRecordOutcomeRequiresEvidence(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", func(w *spec.Workflow) {
		w.Nodes[0].Tasks[0].EvidenceRequired = true
		w.Nodes[0].Tasks[0].EvidenceSchema = []byte(`{"type":"object"}`)
	}))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	assert.Equal(t, flowerr.CodeEvidenceRequired, flowerr.CodeOf(err))

	_, err = e.eng.AttachEvidence(e.ctx, AttachEvidenceRequest{
		FlowID: f.ID, TaskID: "wf1-t1", Type: truth.EvidenceStructured,
		Data: []byte(`{"content":{"photos":3}}`),
	})
	require.NoError(t, err)

	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
}

func TestRecordOutcomeReworkLoop(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, f.ID, "wf1-t2")
	require.NoError(t, err)

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "REWORK"})
	require.NoError(t, err)
	assert.Equal(t, []ActivatedNode{{NodeID: "wf1-n1", Iteration: 2}}, res.Activated)
	assert.False(t, res.FlowCompleted)

	// The reworked Survey runs at iteration 2.
	row, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	assert.Equal(t, 2, row.Iteration)

	// Closing it out completes the flow: Install already holds a valid
	// outcome at its iteration.
	done, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	assert.True(t, done.FlowCompleted)
}

func TestRecordOutcomeScheduleWindow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", func(w *spec.Workflow) {
		w.Nodes[1].Tasks[0].Metadata.Scheduling = &spec.SchedulingMeta{Enabled: true}
	}))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	_, err = e.eng.StartTask(e.ctx, f.ID, "wf1-t2")
	require.NoError(t, err)

	// No window: rejected before anything is written.
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t2", Outcome: "DONE"})
	assert.Equal(t, flowerr.CodeSchedulingDataMissing, flowerr.CodeOf(err))

	// Inverted window: equally rejected.
	at := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{
		FlowID: f.ID, TaskID: "wf1-t2", Outcome: "DONE",
		Schedule: &ScheduleWindow{StartAt: at, EndAt: at},
	})
	assert.Equal(t, flowerr.CodeInvalidTimeRange, flowerr.CodeOf(err))

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{
		FlowID: f.ID, TaskID: "wf1-t2", Outcome: "DONE",
		Schedule: &ScheduleWindow{StartAt: at, EndAt: at.Add(2 * time.Hour)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ScheduleBlockID)

	require.NoError(t, e.st.View(e.ctx, func(tx store.Tx) error {
		b, err := tx.Blocks().Get(e.ctx, res.ScheduleBlockID)
		require.NoError(t, err)
		assert.Equal(t, schedule.Committed, b.TimeClass)
		assert.Equal(t, at, b.StartAt)
		assert.True(t, b.Open())
		return nil
	}))
}

func TestRecordOutcomeCommitsDetour(t *testing.T) {
	e := newEnv(t)
	e.seed(t, installWorkflow("wf1", nil))
	f := e.createFlow(t, "wf1", "order-1", nil)

	_, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t1")
	require.NoError(t, err)
	_, err = e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{FlowID: f.ID, TaskID: "wf1-t1", Outcome: "DONE"})
	require.NoError(t, err)
	checkpoint, err := e.eng.StartTask(e.ctx, f.ID, "wf1-t2")
	require.NoError(t, err)

	detours := detour.NewService(e.st)
	start := time.Date(2026, 3, 12, 13, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)
	req, err := detours.CreateChangeRequest(e.ctx, detour.CreateRequest{
		FlowID: f.ID, TaskID: "wf1-t2",
		TimeClass:        schedule.Committed,
		Reason:           "customer asked to move the visit",
		RequestedStartAt: &start,
		RequestedEndAt:   &end,
	})
	require.NoError(t, err)

	accepted, err := detours.Review(e.ctx, req.ID, detour.ActionAccept, detour.ReviewParams{
		CheckpointNodeID:          "wf1-n2",
		ResumeTargetNodeID:        "wf1-n1",
		CheckpointTaskExecutionID: checkpoint.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, accepted.Detour)

	res, err := e.eng.RecordOutcome(e.ctx, RecordOutcomeRequest{
		FlowID: f.ID, TaskID: "wf1-t2", Outcome: "DONE",
		DetourID: accepted.Detour.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, req.ID, res.CommittedRequestID)
	// The detour resolved inside the same transaction, so completion is not
	// held back.
	assert.True(t, res.FlowCompleted)

	require.NoError(t, e.st.View(e.ctx, func(tx store.Tx) error {
		cr, err := tx.ChangeRequests().Get(e.ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, schedule.RequestCommitted, cr.Status)

		d, err := tx.Detours().Get(e.ctx, accepted.Detour.ID)
		require.NoError(t, err)
		assert.Equal(t, truth.DetourResolved, d.Status)

		open, err := tx.Blocks().FindOpen(e.ctx, "wf1-t2", f.ID)
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, req.ID, open.ChangeRequestID)
		assert.Equal(t, start, open.StartAt)
		return nil
	}))
}
