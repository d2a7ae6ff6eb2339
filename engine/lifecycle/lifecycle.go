// Package lifecycle drives the workflow state machine: Draft → Validated →
// Published, with branching from published versions back into new drafts.
//
// Published versions are immutable. The only mutation paths touching a
// workflow's status or its version history run through this manager; the
// store exposes no update on version records at all.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/validate"
)

type (
	// Manager performs workflow lifecycle transitions.
	Manager struct {
		store store.Store
		bus   hooks.Bus
		log   telemetry.Logger
		idgen func() string
		now   func() time.Time
	}

	// Option configures a Manager.
	Option func(*Manager)
)

// WithBus sets the post-commit event bus.
func WithBus(b hooks.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithLogger sets the manager logger.
func WithLogger(l telemetry.Logger) Option { return func(m *Manager) { m.log = l } }

// WithIDGen overrides ID generation, for deterministic tests.
func WithIDGen(fn func() string) Option { return func(m *Manager) { m.idgen = fn } }

// WithClock overrides the clock, for deterministic tests.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

// NewManager constructs a lifecycle manager over the store.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		log:   telemetry.NewNoopLogger(),
		idgen: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateDraft persists a new workflow in Draft state at version 1. The graph
// is stored as supplied; validation happens on the Validate/Publish
// transitions, so authors can save incomplete drafts.
func (m *Manager) CreateDraft(ctx context.Context, w *spec.Workflow) (*spec.Workflow, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return nil, err
	}
	if w.ID == "" {
		w.ID = m.idgen()
	}
	w.Status = spec.StatusDraft
	w.Version = 1
	w.CreatedAt = m.now()
	w.UpdatedAt = w.CreatedAt
	stampNodeIDs(w, m.idgen)
	err := m.store.Update(ctx, func(tx store.Tx) error {
		return tx.Workflows().Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// UpdateDraft replaces the graph of a Draft workflow. Any other state fails
// with WORKFLOW_NOT_EDITABLE; published graphs are frozen and Validated ones
// must transition back to Draft first via Edit.
func (m *Manager) UpdateDraft(ctx context.Context, w *spec.Workflow) (*spec.Workflow, error) {
	err := m.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Workflows().Get(ctx, w.ID)
		if err != nil {
			return err
		}
		if !cur.Status.Editable() {
			return flowerr.New(flowerr.CodeWorkflowNotEditable, "workflow is not in draft state").
				WithDetail("status", string(cur.Status))
		}
		w.Status = spec.StatusDraft
		w.Version = cur.Version
		w.CreatedAt = cur.CreatedAt
		w.UpdatedAt = m.now()
		stampNodeIDs(w, m.idgen)
		return tx.Workflows().Update(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Validate runs graph validation and transitions Draft → Validated. Already
// validated workflows pass through unchanged; published ones fail with
// INVALID_STATE.
func (m *Manager) Validate(ctx context.Context, workflowID string) (*spec.Workflow, error) {
	var out *spec.Workflow
	err := m.store.Update(ctx, func(tx store.Tx) error {
		w, err := tx.Workflows().Get(ctx, workflowID)
		if err != nil {
			return err
		}
		switch w.Status {
		case spec.StatusValidated:
			out = w
			return nil
		case spec.StatusPublished:
			return flowerr.New(flowerr.CodeInvalidState, "published workflows cannot be re-validated in place")
		}
		if err := validate.CheckGraph(w); err != nil {
			return err
		}
		w.Status = spec.StatusValidated
		w.UpdatedAt = m.now()
		if err := tx.Workflows().Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Edit transitions Validated → Draft so the graph can be mutated again.
func (m *Manager) Edit(ctx context.Context, workflowID string) (*spec.Workflow, error) {
	var out *spec.Workflow
	err := m.store.Update(ctx, func(tx store.Tx) error {
		w, err := tx.Workflows().Get(ctx, workflowID)
		if err != nil {
			return err
		}
		switch w.Status {
		case spec.StatusDraft:
			out = w
			return nil
		case spec.StatusPublished:
			return flowerr.New(flowerr.CodePublishedImmutable, "published workflows cannot be edited")
		}
		w.Status = spec.StatusDraft
		w.UpdatedAt = m.now()
		if err := tx.Workflows().Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Publish freezes the workflow into a new immutable version. Validation is
// re-run even from Validated state to catch drift that slipped in after the
// validate transition. The version number is the count of prior versions plus
// one; the workflow record's Version field is bumped to match.
func (m *Manager) Publish(ctx context.Context, workflowID string) (*snapshot.Version, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var (
		version *snapshot.Version
		event   hooks.Event
	)
	err = m.store.Update(ctx, func(tx store.Tx) error {
		w, err := tx.Workflows().Get(ctx, workflowID)
		if err != nil {
			return err
		}
		if w.Status == spec.StatusPublished {
			return flowerr.New(flowerr.CodePublishedImmutable, "workflow is already published").
				WithDetail("version", w.Version)
		}
		if err := validate.CheckGraph(w); err != nil {
			return err
		}

		count, err := tx.Versions().CountByWorkflow(ctx, w.ID)
		if err != nil {
			return err
		}
		w.Version = count + 1

		snap, err := snapshot.Build(w)
		if err != nil {
			return err
		}
		hash, err := snapshot.Hash(&snap)
		if err != nil {
			return err
		}
		now := m.now()
		version = &snapshot.Version{
			ID:          m.idgen(),
			CompanyID:   w.CompanyID,
			WorkflowID:  w.ID,
			Version:     w.Version,
			ContentHash: hash,
			Snapshot:    snap,
			CreatedAt:   now,
			CreatedBy:   sc.ActorID,
		}
		if err := tx.Versions().Create(ctx, version); err != nil {
			return err
		}

		w.Status = spec.StatusPublished
		w.PublishedAt = &now
		w.PublishedBy = sc.ActorID
		w.UpdatedAt = now
		if err := tx.Workflows().Update(ctx, w); err != nil {
			return err
		}
		event = hooks.NewWorkflowPublishedEvent(w.CompanyID, w.ID, version.ID, version.Version, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	hooks.Drain(ctx, m.bus, []hooks.Event{event}, func(ev hooks.Event, err error) {
		m.log.Error(ctx, "hook dispatch failed", "event", string(ev.Type()), "err", err)
	})
	return version, nil
}

// BranchFromVersion hydrates the chosen published snapshot into a fresh Draft
// workflow at the next version number. The clone is deep and ID-remapped;
// structurally it is byte-equivalent to the source snapshot under
// normalization.
func (m *Manager) BranchFromVersion(ctx context.Context, workflowID string, versionNumber int) (*spec.Workflow, error) {
	var out *spec.Workflow
	err := m.store.Update(ctx, func(tx store.Tx) error {
		w, err := tx.Workflows().Get(ctx, workflowID)
		if err != nil {
			return err
		}
		ver, err := tx.Versions().GetByNumber(ctx, workflowID, versionNumber)
		if err != nil {
			return err
		}
		count, err := tx.Versions().CountByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		res, err := snapshot.Hydrate(ver.Snapshot, snapshot.HydrateOpts{
			CompanyID: w.CompanyID,
			Version:   count + 1,
			Name:      w.Name,
			IDGen:     m.idgen,
			Now:       m.now,
		})
		if err != nil {
			return err
		}
		if err := tx.Workflows().Create(ctx, res.Workflow); err != nil {
			return err
		}
		out = res.Workflow
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a draft that has never been published. Workflows with any
// version history fail with PUBLISHED_IMMUTABLE regardless of current state.
func (m *Manager) Delete(ctx context.Context, workflowID string) error {
	return m.store.Update(ctx, func(tx store.Tx) error {
		w, err := tx.Workflows().Get(ctx, workflowID)
		if err != nil {
			return err
		}
		count, err := tx.Versions().CountByWorkflow(ctx, w.ID)
		if err != nil {
			return err
		}
		if count > 0 || w.Status == spec.StatusPublished {
			return flowerr.New(flowerr.CodePublishedImmutable, "workflow has published versions and cannot be deleted").
				WithDetail("versions", count)
		}
		return tx.Workflows().Delete(ctx, w.ID)
	})
}

// AnalyzeImpact diffs a draft graph against the workflow's published version
// and reports breaking changes for live flows. Read-only.
func (m *Manager) AnalyzeImpact(ctx context.Context, draft *spec.Workflow, budget time.Duration) (validate.ImpactReport, error) {
	return validate.AnalyzeImpact(ctx, m.store, draft, budget)
}

// stampNodeIDs fills in missing node and task IDs, and wires task NodeID
// back-references, so callers may submit graphs with only names.
func stampNodeIDs(w *spec.Workflow, idgen func() string) {
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			n.ID = idgen()
		}
		n.WorkflowID = w.ID
		for j := range n.Tasks {
			t := &n.Tasks[j]
			if t.ID == "" {
				t.ID = idgen()
			}
			t.NodeID = n.ID
		}
	}
}
