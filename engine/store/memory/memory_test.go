package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/policy"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

func testCtx(company string) context.Context {
	return tenant.NewContext(context.Background(), tenant.Scope{
		CompanyID: company,
		ActorID:   "user-1",
		MemberID:  "member-1",
	})
}

func seedWorkflow(t *testing.T, s *Store, ctx context.Context, id, name string) {
	t.Helper()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Workflows().Create(ctx, &spec.Workflow{
			ID: id, Name: name, Version: 1, Status: spec.StatusDraft,
		})
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	boom := errors.New("abort")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Workflows().Create(ctx, &spec.Workflow{ID: "wf1", Name: "a", Version: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx store.Tx) error {
		_, err := tx.Workflows().Get(ctx, "wf1")
		return err
	})
	assert.Equal(t, flowerr.CodeWorkflowNotFound, flowerr.CodeOf(err))
}

func TestViewRejectsWrites(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	err := s.View(ctx, func(tx store.Tx) error {
		return tx.Workflows().Create(ctx, &spec.Workflow{ID: "wf1", Name: "a", Version: 1})
	})
	require.Error(t, err)
	assert.Equal(t, flowerr.CodeInternal, flowerr.CodeOf(err))
}

func TestMissingScopeFailsNoMembership(t *testing.T) {
	s := New()
	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.Workflows().List(context.Background())
		return err
	})
	assert.Equal(t, flowerr.CodeNoMembership, flowerr.CodeOf(err))
}

func TestCreateStampsCompany(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	seedWorkflow(t, s, ctx, "wf1", "fiber-install")

	var got *spec.Workflow
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.Workflows().Get(ctx, "wf1")
		return err
	}))
	assert.Equal(t, "co1", got.CompanyID)
}

func TestCreateRejectsForeignPrestamp(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Workflows().Create(ctx, &spec.Workflow{ID: "wf1", CompanyID: "co2", Name: "a", Version: 1})
	})
	assert.Equal(t, flowerr.CodeForbidden, flowerr.CodeOf(err))
}

func TestTenantIsolation(t *testing.T) {
	s := New()
	ctx1 := testCtx("co1")
	ctx2 := testCtx("co2")
	seedWorkflow(t, s, ctx1, "wf1", "fiber-install")

	// Direct lookup across tenants is FORBIDDEN, not NOT_FOUND.
	err := s.View(ctx2, func(tx store.Tx) error {
		_, err := tx.Workflows().Get(ctx2, "wf1")
		return err
	})
	assert.Equal(t, flowerr.CodeForbidden, flowerr.CodeOf(err))

	// Listing never crosses tenants.
	var out []*spec.Workflow
	require.NoError(t, s.View(ctx2, func(tx store.Tx) error {
		var err error
		out, err = tx.Workflows().List(ctx2)
		return err
	}))
	assert.Empty(t, out)
}

func TestWorkflowNameUnique(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	seedWorkflow(t, s, ctx, "wf1", "fiber-install")

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Workflows().Create(ctx, &spec.Workflow{ID: "wf2", Name: "fiber-install", Version: 1})
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))

	// A branch at a higher version may reuse the name.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Workflows().Create(ctx, &spec.Workflow{ID: "wf3", Name: "fiber-install", Version: 2})
	}))
}

func TestWorkflowUpdatePreservesCompany(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	seedWorkflow(t, s, ctx, "wf1", "fiber-install")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Workflows().Update(ctx, &spec.Workflow{ID: "wf1", CompanyID: "", Name: "renamed", Version: 1})
	}))

	var got *spec.Workflow
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.Workflows().Get(ctx, "wf1")
		return err
	}))
	assert.Equal(t, "co1", got.CompanyID)
	assert.Equal(t, "renamed", got.Name)
}

func TestVersionLatestNilWhenNone(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		v, err := tx.Versions().Latest(ctx, "wf1")
		require.NoError(t, err)
		assert.Nil(t, v)
		return nil
	}))
}

func TestGroupScopeUnique(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Groups().Create(ctx, &flow.Group{ID: "g1", ScopeType: "ORDER", ScopeID: "o1"})
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Groups().Create(ctx, &flow.Group{ID: "g2", ScopeType: "ORDER", ScopeID: "o1"})
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))

	// Same scope under another tenant is fine.
	ctx2 := testCtx("co2")
	require.NoError(t, s.Update(ctx2, func(tx store.Tx) error {
		return tx.Groups().Create(ctx2, &flow.Group{ID: "g3", ScopeType: "ORDER", ScopeID: "o1"})
	}))
}

func TestGroupDeleteBlockedByJob(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Groups().Create(ctx, &flow.Group{ID: "g1", ScopeType: "ORDER", ScopeID: "o1"}); err != nil {
			return err
		}
		return tx.Jobs().Insert(ctx, fanout.Job{ID: "j1", FlowGroupID: "g1"})
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Groups().Delete(ctx, "g1")
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))
}

func TestFlowUniquePerGroupAndWorkflow(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Flows().Create(ctx, &flow.Flow{ID: "f1", GroupID: "g1", WorkflowID: "wf1", VersionID: "v1", Status: flow.StatusActive})
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Flows().Create(ctx, &flow.Flow{ID: "f2", GroupID: "g1", WorkflowID: "wf1", VersionID: "v1", Status: flow.StatusActive})
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))
}

func TestFlowFindByGroupAndWorkflowNilWhenAbsent(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		f, err := tx.Flows().FindByGroupAndWorkflow(ctx, "g1", "wf1")
		require.NoError(t, err)
		assert.Nil(t, f)
		return nil
	}))
}

func TestActivationUniquePerIteration(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	at := time.Now().UTC()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Activations().Insert(ctx, truth.NodeActivation{ID: "a1", FlowID: "f1", NodeID: "n1", Iteration: 1, ActivatedAt: at})
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Activations().Insert(ctx, truth.NodeActivation{ID: "a2", FlowID: "f1", NodeID: "n1", Iteration: 1, ActivatedAt: at})
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))

	// A later iteration of the same node is a fresh activation.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Activations().Insert(ctx, truth.NodeActivation{ID: "a3", FlowID: "f1", NodeID: "n1", Iteration: 2, ActivatedAt: at})
	}))
}

func TestExecutionUniquePerIteration(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	at := time.Now().UTC()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().Insert(ctx, truth.TaskExecution{ID: "e1", FlowID: "f1", TaskID: "t1", Iteration: 1, StartedAt: at})
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().Insert(ctx, truth.TaskExecution{ID: "e2", FlowID: "f1", TaskID: "t1", Iteration: 1, StartedAt: at})
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))
}

func TestSetOutcomeWritesOnce(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	at := time.Now().UTC()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().Insert(ctx, truth.TaskExecution{ID: "e1", FlowID: "f1", TaskID: "t1", Iteration: 1, StartedAt: at})
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().SetOutcome(ctx, "e1", "DONE", at, "user-1", "")
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().SetOutcome(ctx, "e1", "REWORK", at, "user-1", "")
	})
	assert.Equal(t, flowerr.CodeOutcomeImmutable, flowerr.CodeOf(err))

	var got *truth.TaskExecution
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.Executions().Get(ctx, "e1")
		return err
	}))
	require.NotNil(t, got.Outcome)
	assert.Equal(t, "DONE", *got.Outcome)
}

func TestSetOutcomeMissingExecution(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Executions().SetOutcome(ctx, "ghost", "DONE", time.Now().UTC(), "user-1", "")
	})
	assert.Equal(t, flowerr.CodeTaskNotStarted, flowerr.CodeOf(err))
}

func TestEvidenceIdempotencyKey(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	at := time.Now().UTC()
	att := func(id, key string) truth.EvidenceAttachment {
		return truth.EvidenceAttachment{
			ID: id, FlowID: "f1", TaskID: "t1", Type: truth.EvidenceText,
			Data: truth.EvidencePayload{Content: json.RawMessage(`"note"`)}, IdempotencyKey: key, AttachedAt: at,
		}
	}

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Evidence().Insert(ctx, att("ev1", "k1"))
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Evidence().Insert(ctx, att("ev2", "k1"))
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))

	// Keyless attachments never collide.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Evidence().Insert(ctx, att("ev3", "")); err != nil {
			return err
		}
		return tx.Evidence().Insert(ctx, att("ev4", ""))
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		found, err := tx.Evidence().FindByKey(ctx, "f1", "t1", "k1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "ev1", found.ID)

		none, err := tx.Evidence().FindByKey(ctx, "f1", "t1", "")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	}))
}

func TestBlockSupersedeOnce(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	at := time.Now().UTC()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Blocks().Insert(ctx, schedule.Block{
			ID: "b1", TaskID: "t1", FlowID: "f1", TimeClass: schedule.Planned,
			StartAt: at, EndAt: at.Add(2 * time.Hour), CreatedAt: at,
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		open, err := tx.Blocks().FindOpen(ctx, "t1", "f1")
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, "b1", open.ID)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Blocks().Supersede(ctx, "b1", at.Add(time.Minute), "b2")
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Blocks().Supersede(ctx, "b1", at.Add(2*time.Minute), "b3")
	})
	assert.Equal(t, flowerr.CodeConflict, flowerr.CodeOf(err))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		open, err := tx.Blocks().FindOpen(ctx, "t1", "f1")
		require.NoError(t, err)
		assert.Nil(t, open)
		return nil
	}))
}

func TestJobUniquePerGroup(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Jobs().Insert(ctx, fanout.Job{ID: "j1", FlowGroupID: "g1"})
	}))
	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Jobs().Insert(ctx, fanout.Job{ID: "j2", FlowGroupID: "g1"})
	})
	assert.Equal(t, flowerr.CodeJobAlreadyExists, flowerr.CodeOf(err))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		j, err := tx.Jobs().FindByGroup(ctx, "g1")
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, "j1", j.ID)

		none, err := tx.Jobs().FindByGroup(ctx, "g2")
		require.NoError(t, err)
		assert.Nil(t, none)
		return nil
	}))
}

func TestPolicyUpsertKeepsID(t *testing.T) {
	s := New()
	ctx := testCtx("co1")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Policies().Upsert(ctx, policy.GroupPolicy{ID: "p1", FlowGroupID: "g1", JobPriority: policy.PriorityHigh})
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Policies().Upsert(ctx, policy.GroupPolicy{ID: "p2", FlowGroupID: "g1", JobPriority: policy.PriorityUrgent})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		p, err := tx.Policies().FindByGroup(ctx, "g1")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "p1", p.ID)
		assert.Equal(t, policy.PriorityUrgent, p.JobPriority)
		return nil
	}))
}

func TestValidityListByFlowJoinsExecutions(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	at := time.Now().UTC()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Executions().Insert(ctx, truth.TaskExecution{ID: "e1", FlowID: "f1", TaskID: "t1", Iteration: 1, StartedAt: at}); err != nil {
			return err
		}
		if err := tx.Executions().Insert(ctx, truth.TaskExecution{ID: "e2", FlowID: "f2", TaskID: "t1", Iteration: 1, StartedAt: at}); err != nil {
			return err
		}
		if err := tx.Validity().Insert(ctx, truth.ValidityEvent{ID: "v1", TaskExecutionID: "e1", State: truth.ValidityInvalid, CreatedAt: at}); err != nil {
			return err
		}
		return tx.Validity().Insert(ctx, truth.ValidityEvent{ID: "v2", TaskExecutionID: "e2", State: truth.ValidityValid, CreatedAt: at})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		events, err := tx.Validity().ListByFlow(ctx, "f1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "v1", events[0].ID)
		return nil
	}))
}

func TestRepoCopiesDoNotAliasState(t *testing.T) {
	s := New()
	ctx := testCtx("co1")
	seedWorkflow(t, s, ctx, "wf1", "fiber-install")

	var first *spec.Workflow
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		first, err = tx.Workflows().Get(ctx, "wf1")
		return err
	}))
	first.Name = "mutated"

	var second *spec.Workflow
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		var err error
		second, err = tx.Workflows().Get(ctx, "wf1")
		return err
	}))
	assert.Equal(t, "fiber-install", second.Name)
}
