// Package instantiate creates live flows from published workflows.
//
// Instantiation is idempotent along both natural keys: a flow group is
// upserted by (company, scopeType, scopeID), and within a group at most one
// flow exists per workflow — a second create returns the existing flow
// instead of failing. The whole operation (group upsert, flow insert, anchor
// evidence, entry activations) runs inside one transaction.
package instantiate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"flowspec.dev/flowspec/engine/evidence"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// Service instantiates published workflows into flow groups.
	Service struct {
		store     store.Store
		validator *evidence.Validator
		bus       hooks.Bus
		log       telemetry.Logger
		idgen     func() string
		now       func() time.Time
	}

	// Option configures a Service.
	Option func(*Service)

	// CreateFlowRequest names the workflow to instantiate and the scope to
	// run it under. Exactly one of (ScopeType, ScopeID) or FlowGroupID
	// selects the group.
	CreateFlowRequest struct {
		// WorkflowID is the workflow to instantiate. Must be published.
		WorkflowID string
		// ScopeType and ScopeID identify the execution scope; the flow
		// group is upserted from them.
		ScopeType string
		ScopeID   string
		// FlowGroupID selects an existing group directly, bypassing the
		// scope upsert. Used by fan-out, which spawns children into the
		// parent's group.
		FlowGroupID string
		// InitialEvidence optionally seeds the anchor task with structured
		// identity evidence ({customerId, ...}). Only honored on the
		// group's first flow; children inherit the anchor identity.
		InitialEvidence json.RawMessage
	}

	// CreateFlowResult reports the (possibly pre-existing) flow and the
	// events the creation queued.
	CreateFlowResult struct {
		// Flow is the created or existing flow.
		Flow *flow.Flow
		// Group is the created or existing flow group.
		Group *flow.Group
		// Created is false when the duplicate policy returned an existing
		// flow unchanged.
		Created bool
		// Events are the post-commit events queued by the creation. The
		// transactional variant leaves draining to the caller.
		Events []hooks.Event
	}
)

// WithValidator sets the evidence schema validator.
func WithValidator(v *evidence.Validator) Option { return func(s *Service) { s.validator = v } }

// WithBus sets the post-commit event bus.
func WithBus(b hooks.Bus) Option { return func(s *Service) { s.bus = b } }

// WithLogger sets the service logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Service) { s.log = l } }

// WithIDGen overrides ID generation, for deterministic tests.
func WithIDGen(fn func() string) Option { return func(s *Service) { s.idgen = fn } }

// WithClock overrides the clock, for deterministic tests.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// NewService constructs an instantiation service over the store.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		validator: evidence.NewValidator(),
		log:       telemetry.NewNoopLogger(),
		idgen:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateFlow instantiates the workflow inside its own transaction and drains
// the queued events after commit.
func (s *Service) CreateFlow(ctx context.Context, req CreateFlowRequest) (CreateFlowResult, error) {
	var res CreateFlowResult
	err := s.store.Update(ctx, func(tx store.Tx) error {
		var err error
		res, err = s.CreateFlowTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return CreateFlowResult{}, err
	}
	hooks.Drain(ctx, s.bus, res.Events, func(ev hooks.Event, err error) {
		s.log.Error(ctx, "hook dispatch failed", "event", string(ev.Type()), "err", err)
	})
	return res, nil
}

// CreateFlowTx instantiates the workflow under a caller-owned transaction.
// The queued events are returned on the result; the caller drains them after
// its own commit.
func (s *Service) CreateFlowTx(ctx context.Context, tx store.Tx, req CreateFlowRequest) (CreateFlowResult, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return CreateFlowResult{}, err
	}

	w, err := tx.Workflows().Get(ctx, req.WorkflowID)
	if err != nil {
		return CreateFlowResult{}, err
	}
	if w.Status != spec.StatusPublished {
		return CreateFlowResult{}, flowerr.New(flowerr.CodeWorkflowNotPublished, "workflow has no published version").
			WithDetail("workflowId", w.ID).WithDetail("status", string(w.Status))
	}

	group, firstFlow, err := s.resolveGroup(ctx, tx, req)
	if err != nil {
		return CreateFlowResult{}, err
	}

	// Duplicate policy: one flow per workflow per group; replays return the
	// existing flow without error.
	existing, err := tx.Flows().FindByGroupAndWorkflow(ctx, group.ID, w.ID)
	if err != nil {
		return CreateFlowResult{}, err
	}
	if existing != nil {
		return CreateFlowResult{Flow: existing, Group: group}, nil
	}

	ver, err := tx.Versions().Latest(ctx, w.ID)
	if err != nil {
		return CreateFlowResult{}, err
	}
	if ver == nil {
		return CreateFlowResult{}, flowerr.New(flowerr.CodeWorkflowNotPublished, "workflow has no published version").
			WithDetail("workflowId", w.ID)
	}

	now := s.now()
	f := &flow.Flow{
		ID:         s.idgen(),
		CompanyID:  w.CompanyID,
		GroupID:    group.ID,
		WorkflowID: w.ID,
		VersionID:  ver.ID,
		Status:     flow.StatusActive,
		CreatedAt:  now,
	}
	if err := tx.Flows().Create(ctx, f); err != nil {
		return CreateFlowResult{}, err
	}

	if len(req.InitialEvidence) > 0 && firstFlow {
		if err := s.attachAnchorEvidence(ctx, tx, &ver.Snapshot, f, req.InitialEvidence, sc.ActorID, now); err != nil {
			return CreateFlowResult{}, err
		}
	}

	events := []hooks.Event{hooks.NewFlowCreatedEvent(f.CompanyID, f.ID, w.ID, ver.ID, group.ID, now)}
	for _, node := range ver.Snapshot.EntryNodes() {
		a := truth.NodeActivation{
			ID:          s.idgen(),
			CompanyID:   f.CompanyID,
			FlowID:      f.ID,
			NodeID:      node.ID,
			Iteration:   1,
			ActivatedAt: now,
		}
		if err := tx.Activations().Insert(ctx, a); err != nil {
			return CreateFlowResult{}, err
		}
		events = append(events, hooks.NewNodeActivatedEvent(f.CompanyID, f.ID, node.ID, 1, now))
	}

	return CreateFlowResult{Flow: f, Group: group, Created: true, Events: events}, nil
}

// resolveGroup finds or creates the flow group and reports whether the new
// flow will be the group's first.
func (s *Service) resolveGroup(ctx context.Context, tx store.Tx, req CreateFlowRequest) (*flow.Group, bool, error) {
	if req.FlowGroupID != "" {
		g, err := tx.Groups().Get(ctx, req.FlowGroupID)
		if err != nil {
			return nil, false, err
		}
		flows, err := tx.Flows().ListByGroup(ctx, g.ID)
		if err != nil {
			return nil, false, err
		}
		return g, len(flows) == 0, nil
	}
	if req.ScopeType == "" || req.ScopeID == "" {
		return nil, false, flowerr.New(flowerr.CodeValidationFailed, "flow creation requires a scope or an existing flow group")
	}
	g, err := tx.Groups().FindByScope(ctx, req.ScopeType, req.ScopeID)
	if err != nil {
		return nil, false, err
	}
	if g != nil {
		flows, err := tx.Flows().ListByGroup(ctx, g.ID)
		if err != nil {
			return nil, false, err
		}
		return g, len(flows) == 0, nil
	}
	g = &flow.Group{
		ID:        s.idgen(),
		ScopeType: req.ScopeType,
		ScopeID:   req.ScopeID,
		CreatedAt: s.now(),
	}
	if err := tx.Groups().Create(ctx, g); err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// attachAnchorEvidence validates the identity payload against the anchor
// task's schema and appends it as the group's anchor-identity record.
func (s *Service) attachAnchorEvidence(ctx context.Context, tx store.Tx, snap *snapshot.Snapshot, f *flow.Flow, content json.RawMessage, actor string, now time.Time) error {
	node, task := snap.AnchorTask()
	if node == nil || task == nil {
		return flowerr.New(flowerr.CodeAnchorTaskMissing, "workflow has no entry node with tasks")
	}
	if s.validator != nil {
		if err := s.validator.Validate(task.EvidenceSchema, content); err != nil {
			return err
		}
	}
	att := truth.EvidenceAttachment{
		ID:         s.idgen(),
		CompanyID:  f.CompanyID,
		FlowID:     f.ID,
		TaskID:     task.ID,
		Type:       truth.EvidenceStructured,
		Data:       truth.EvidencePayload{Content: append(json.RawMessage(nil), content...)},
		AttachedBy: actor,
		AttachedAt: now,
	}
	return tx.Evidence().Insert(ctx, att)
}
