// Package memory implements the store contract in process memory.
//
// Update deep-copies the entire state, runs the transaction function against
// the copy and swaps it in only when the function succeeds, so a failed
// transaction leaves no trace. A single writer lock serializes updates,
// which gives the memory store strictly serializable transactions. View
// hands out a read-only transaction over the live state; every value
// crossing the repository boundary is deep-copied in both directions, so
// callers can never alias store internals.
//
// The memory store backs unit and scenario tests and small single-process
// deployments. Production deployments use the PostgreSQL store.
package memory

import (
	"context"
	"sync"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/policy"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// Store is the in-memory store.
	Store struct {
		mu    sync.RWMutex
		state *state
	}

	// state holds every table. Append-only tables are slices in insertion
	// order; keyed tables are maps by ID.
	state struct {
		workflows   map[string]*spec.Workflow
		versions    map[string]*snapshot.Version
		groups      map[string]*flow.Group
		flows       map[string]*flow.Flow
		activations []truth.NodeActivation
		executions  map[string]*truth.TaskExecution
		evidence    []truth.EvidenceAttachment
		validity    []truth.ValidityEvent
		detours     map[string]*truth.DetourRecord
		blocks      map[string]*schedule.Block
		requests    map[string]*schedule.ChangeRequest
		rules       []fanout.Rule
		policies    map[string]*policy.GroupPolicy
		jobs        map[string]*fanout.Job
		assignments map[string]*flow.Assignment
	}

	// tx is one transaction over a state. Writes are rejected when
	// readonly is set.
	tx struct {
		st       *state
		readonly bool
	}
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{state: newState()}
}

func newState() *state {
	return &state{
		workflows:   map[string]*spec.Workflow{},
		versions:    map[string]*snapshot.Version{},
		groups:      map[string]*flow.Group{},
		flows:       map[string]*flow.Flow{},
		executions:  map[string]*truth.TaskExecution{},
		detours:     map[string]*truth.DetourRecord{},
		blocks:      map[string]*schedule.Block{},
		requests:    map[string]*schedule.ChangeRequest{},
		policies:    map[string]*policy.GroupPolicy{},
		jobs:        map[string]*fanout.Job{},
		assignments: map[string]*flow.Assignment{},
	}
}

// View runs fn with a read-only transaction over the current state.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: s.state, readonly: true})
}

// Update runs fn against a deep copy of the state and swaps the copy in
// when fn succeeds. On error the copy is discarded and the prior state
// remains observable, so partial writes never survive.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(&tx{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (t *tx) writable() error {
	if t.readonly {
		return flowerr.New(flowerr.CodeInternal, "store: write inside read-only transaction")
	}
	return nil
}

func (s *state) clone() *state {
	next := &state{
		workflows:   make(map[string]*spec.Workflow, len(s.workflows)),
		versions:    make(map[string]*snapshot.Version, len(s.versions)),
		groups:      make(map[string]*flow.Group, len(s.groups)),
		flows:       make(map[string]*flow.Flow, len(s.flows)),
		activations: append([]truth.NodeActivation(nil), s.activations...),
		executions:  make(map[string]*truth.TaskExecution, len(s.executions)),
		evidence:    make([]truth.EvidenceAttachment, 0, len(s.evidence)),
		validity:    append([]truth.ValidityEvent(nil), s.validity...),
		detours:     make(map[string]*truth.DetourRecord, len(s.detours)),
		blocks:      make(map[string]*schedule.Block, len(s.blocks)),
		requests:    make(map[string]*schedule.ChangeRequest, len(s.requests)),
		rules:       append([]fanout.Rule(nil), s.rules...),
		policies:    make(map[string]*policy.GroupPolicy, len(s.policies)),
		jobs:        make(map[string]*fanout.Job, len(s.jobs)),
		assignments: make(map[string]*flow.Assignment, len(s.assignments)),
	}
	for id, w := range s.workflows {
		next.workflows[id] = w.Clone()
	}
	for id, v := range s.versions {
		next.versions[id] = v.Clone()
	}
	for id, g := range s.groups {
		cp := *g
		next.groups[id] = &cp
	}
	for id, f := range s.flows {
		cp := *f
		next.flows[id] = &cp
	}
	for id, e := range s.executions {
		next.executions[id] = cloneExecution(e)
	}
	for _, e := range s.evidence {
		next.evidence = append(next.evidence, cloneEvidence(e))
	}
	for id, d := range s.detours {
		cp := *d
		next.detours[id] = &cp
	}
	for id, b := range s.blocks {
		next.blocks[id] = cloneBlock(b)
	}
	for id, r := range s.requests {
		next.requests[id] = cloneRequest(r)
	}
	for id, p := range s.policies {
		next.policies[id] = clonePolicy(p)
	}
	for id, j := range s.jobs {
		cp := *j
		next.jobs[id] = &cp
	}
	for id, a := range s.assignments {
		cp := *a
		next.assignments[id] = &cp
	}
	return next
}

func cloneExecution(e *truth.TaskExecution) *truth.TaskExecution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Outcome != nil {
		o := *e.Outcome
		cp.Outcome = &o
	}
	if e.OutcomeAt != nil {
		t := *e.OutcomeAt
		cp.OutcomeAt = &t
	}
	return &cp
}

func cloneEvidence(e truth.EvidenceAttachment) truth.EvidenceAttachment {
	cp := e
	cp.Data = e.Data.Clone()
	return cp
}

func cloneBlock(b *schedule.Block) *schedule.Block {
	if b == nil {
		return nil
	}
	cp := *b
	if b.SupersededAt != nil {
		t := *b.SupersededAt
		cp.SupersededAt = &t
	}
	cp.Metadata = cloneMap(b.Metadata)
	return &cp
}

func cloneRequest(r *schedule.ChangeRequest) *schedule.ChangeRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Metadata.RequestedStartAt != nil {
		t := *r.Metadata.RequestedStartAt
		cp.Metadata.RequestedStartAt = &t
	}
	if r.Metadata.RequestedEndAt != nil {
		t := *r.Metadata.RequestedEndAt
		cp.Metadata.RequestedEndAt = &t
	}
	cp.Metadata.Extra = cloneMap(r.Metadata.Extra)
	return &cp
}

func clonePolicy(p *policy.GroupPolicy) *policy.GroupPolicy {
	if p == nil {
		return nil
	}
	cp := *p
	if p.GroupDueAt != nil {
		t := *p.GroupDueAt
		cp.GroupDueAt = &t
	}
	cp.TaskOverrides = make([]policy.TaskOverride, len(p.TaskOverrides))
	for i, o := range p.TaskOverrides {
		cp.TaskOverrides[i] = o
		if o.SLAHours != nil {
			h := *o.SLAHours
			cp.TaskOverrides[i].SLAHours = &h
		}
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
