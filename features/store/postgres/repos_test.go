package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

var pgNow = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

func pgScope() tenant.Scope {
	return tenant.Scope{CompanyID: "co1", ActorID: "user-1", MemberID: "member-1"}
}

func TestClaimStampsAndVerifies(t *testing.T) {
	sc := pgScope()

	// A blank row gets stamped with the scope's company.
	company := ""
	require.NoError(t, claim(sc, &company))
	assert.Equal(t, "co1", company)

	// A prestamped row for the same tenant passes unchanged.
	company = "co1"
	require.NoError(t, claim(sc, &company))
	assert.Equal(t, "co1", company)

	// A row stamped for another tenant is rejected.
	company = "co2"
	err := claim(sc, &company)
	require.Error(t, err)
	assert.Equal(t, flowerr.CodeForbidden, flowerr.CodeOf(err))
}

func TestTranslateMapsGormErrors(t *testing.T) {
	assert.NoError(t, translate(nil, flowerr.CodeFlowNotFound, "flow"))

	err := translate(gorm.ErrRecordNotFound, flowerr.CodeFlowNotFound, "flow")
	assert.Equal(t, flowerr.CodeFlowNotFound, flowerr.CodeOf(err))

	err = translate(gorm.ErrDuplicatedKey, flowerr.CodeFlowNotFound, "flow")
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))

	err = translate(errors.New("connection reset"), flowerr.CodeFlowNotFound, "flow")
	assert.Equal(t, flowerr.CodeInternal, flowerr.CodeOf(err))
}

func TestWorkflowDefinitionRoundTrip(t *testing.T) {
	sla := 24
	w := &spec.Workflow{
		ID: "wf1", CompanyID: "co1", Name: "fiber-install", Version: 2,
		Status: spec.StatusPublished,
		Nodes: []spec.Node{{
			ID: "wf1-n1", WorkflowID: "wf1", Name: "Survey", IsEntry: true,
			CompletionRule: spec.AllTasksDone,
			Tasks: []spec.Task{{
				ID: "wf1-t1", NodeID: "wf1-n1", Name: "Walk site", DisplayOrder: 1,
				DefaultSLAHours: &sla,
				Outcomes:        []spec.Outcome{{Name: "DONE"}, {Name: "REWORK"}},
			}},
		}},
		Gates: []spec.Gate{
			{SourceNodeID: "wf1-n1", OutcomeName: "DONE", TargetNodeID: nil},
		},
		CreatedAt: pgNow, UpdatedAt: pgNow,
	}

	m, err := workflowToModel(w)
	require.NoError(t, err)
	assert.Equal(t, "co1", m.CompanyID)
	assert.Equal(t, "fiber-install", m.Name)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, string(spec.StatusPublished), m.Status)
	assert.NotEmpty(t, m.Definition)

	back, err := workflowFromModel(m)
	require.NoError(t, err)
	assert.Equal(t, w, back)
}

func TestWorkflowFromModelRejectsCorruptDefinition(t *testing.T) {
	_, err := workflowFromModel(&workflowModel{ID: "wf1", Definition: []byte("{broken")})
	require.Error(t, err)
	assert.Equal(t, flowerr.CodeInternal, flowerr.CodeOf(err))
}

func TestVersionFromModelDecodesSnapshot(t *testing.T) {
	m := &versionModel{
		ID: "wf1-v2", CompanyID: "co1", WorkflowID: "wf1", Version: 2,
		ContentHash: "abc123",
		Snapshot:    []byte(`{"workflowId":"wf1","name":"fiber-install"}`),
		CreatedAt:   pgNow, CreatedBy: "user-1",
	}
	v, err := versionFromModel(m)
	require.NoError(t, err)
	assert.Equal(t, "wf1-v2", v.ID)
	assert.Equal(t, 2, v.Version)
	assert.Equal(t, "wf1", v.Snapshot.WorkflowID)
	assert.Equal(t, "fiber-install", v.Snapshot.Name)

	m.Snapshot = []byte("{broken")
	_, err = versionFromModel(m)
	assert.Equal(t, flowerr.CodeInternal, flowerr.CodeOf(err))
}

func TestExecutionModelRoundTrip(t *testing.T) {
	outcome := "DONE"
	at := pgNow.Add(time.Hour)
	e := &truth.TaskExecution{
		ID: "exec-1", CompanyID: "co1", FlowID: "flow-1",
		TaskID: "wf1-t1", NodeID: "wf1-n1", Iteration: 2,
		StartedAt: pgNow, StartedBy: "user-1",
		Outcome: &outcome, OutcomeAt: &at, OutcomeBy: "user-2",
		DetourID: "det-1",
	}
	assert.Equal(t, e, executionFromModel(executionToModel(e)))

	// An open execution carries no outcome columns.
	open := &truth.TaskExecution{
		ID: "exec-2", CompanyID: "co1", FlowID: "flow-1",
		TaskID: "wf1-t1", NodeID: "wf1-n1", Iteration: 3,
		StartedAt: pgNow, StartedBy: "user-1",
	}
	m := executionToModel(open)
	assert.Nil(t, m.Outcome)
	assert.Nil(t, m.OutcomeAt)
	assert.Equal(t, open, executionFromModel(m))
}

func TestEvidenceFromModelHandlesNullKey(t *testing.T) {
	m := &evidenceModel{
		ID: "ev-1", CompanyID: "co1", FlowID: "flow-1", TaskID: "wf1-t1",
		Type:    string(truth.EvidenceStructured),
		Payload: []byte(`{"content":{"customerId":"cust-1"}}`),
		// NULL key: the attachment was stored without deduplication.
		IdempotencyKey: nil,
		AttachedBy:     "user-1", AttachedAt: pgNow,
	}
	e, err := evidenceFromModel(m)
	require.NoError(t, err)
	assert.Empty(t, e.IdempotencyKey)
	assert.Equal(t, "cust-1", e.Data.StructuredContent()["customerId"])

	key := "attach-1"
	m.IdempotencyKey = &key
	e, err = evidenceFromModel(m)
	require.NoError(t, err)
	assert.Equal(t, "attach-1", e.IdempotencyKey)
}

func TestEvidenceFromModelRejectsInvalidPayload(t *testing.T) {
	m := &evidenceModel{
		ID: "ev-1", CompanyID: "co1", FlowID: "flow-1", TaskID: "wf1-t1",
		Type:    string(truth.EvidenceFile),
		Payload: []byte(`{"content":{"x":1}}`),
	}
	_, err := evidenceFromModel(m)
	require.Error(t, err)
	assert.Equal(t, flowerr.CodeInvalidEvidence, flowerr.CodeOf(err))
}

func TestDetourModelRoundTrip(t *testing.T) {
	d := &truth.DetourRecord{
		ID: "det-1", CompanyID: "co1", FlowID: "flow-1",
		CheckpointNodeID:          "wf1-n2",
		ResumeTargetNodeID:        "wf1-n1",
		CheckpointTaskExecutionID: "exec-1",
		Type:                      truth.DetourBlocking,
		Status:                    truth.DetourActive,
		ChangeRequestID:           "req-1",
	}
	assert.Equal(t, d, detourFromModel(detourToModel(d)))
}

func TestBlockModelRoundTrip(t *testing.T) {
	superseded := pgNow.Add(2 * time.Hour)
	b := &schedule.Block{
		ID: "blk-1", CompanyID: "co1", TaskID: "wf1-t2", FlowID: "flow-1",
		TimeClass: schedule.Committed,
		StartAt:   pgNow, EndAt: pgNow.Add(4 * time.Hour),
		Metadata:  map[string]any{"crew": "north", "slots": float64(2)},
		CreatedBy: "user-1", CreatedAt: pgNow,
		SupersededAt: &superseded, SupersededBy: "blk-2",
		ChangeRequestID: "req-1",
	}
	m, err := blockToModel(b)
	require.NoError(t, err)
	back, err := blockFromModel(m)
	require.NoError(t, err)
	assert.Equal(t, b, back)
}

func TestBlockModelWithoutMetadata(t *testing.T) {
	b := &schedule.Block{
		ID: "blk-1", CompanyID: "co1", TaskID: "wf1-t2", FlowID: "flow-1",
		TimeClass: schedule.Tentative,
		StartAt:   pgNow, EndAt: pgNow.Add(time.Hour),
		CreatedBy: "user-1", CreatedAt: pgNow,
	}
	m, err := blockToModel(b)
	require.NoError(t, err)
	assert.Empty(t, m.Metadata)

	back, err := blockFromModel(m)
	require.NoError(t, err)
	assert.Nil(t, back.Metadata)
	assert.True(t, back.Open())
}

func TestChangeRequestModelRoundTrip(t *testing.T) {
	start := pgNow.Add(24 * time.Hour)
	end := start.Add(2 * time.Hour)
	cr := &schedule.ChangeRequest{
		ID: "req-1", CompanyID: "co1", FlowID: "flow-1", TaskID: "wf1-t2",
		DetourRecordID: "det-1", TimeClass: schedule.Committed,
		Reason: "customer pushed the visit",
		Metadata: schedule.RequestMetadata{
			RequestedStartAt: &start,
			RequestedEndAt:   &end,
			Extra:            map[string]any{"channel": "phone"},
		},
		Status:      schedule.RequestAccepted,
		RequestedBy: "user-1", ReviewedBy: "user-2", CreatedAt: pgNow,
	}
	m, err := requestToModel(cr)
	require.NoError(t, err)
	back, err := requestFromModel(m)
	require.NoError(t, err)
	assert.Equal(t, cr, back)
	assert.True(t, back.Metadata.RequestedStartAt.Equal(start))
}
