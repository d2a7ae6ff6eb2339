// Package exec implements the Truth mutation engine: starting tasks,
// recording outcomes, attaching evidence and asserting validity.
//
// Every mutator runs as one store.Update transaction that performs all reads,
// all invariant checks and all writes, then drains its queued events only
// after the commit. Derived state is never persisted; the engine re-computes
// it through the kernel inside the same transaction it mutates in.
package exec

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowspec.dev/flowspec/engine/detour"
	"flowspec.dev/flowspec/engine/evidence"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/instantiate"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// Engine mutates the Truth ledger.
	Engine struct {
		store     store.Store
		validator *evidence.Validator
		objects   evidence.ObjectStore
		flows     *instantiate.Service
		detours   *detour.Service
		bus       hooks.Bus
		log       telemetry.Logger
		metrics   telemetry.Metrics
		idgen     func() string
		now       func() time.Time
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithValidator sets the evidence schema validator.
func WithValidator(v *evidence.Validator) Option { return func(e *Engine) { e.validator = v } }

// WithObjectStore sets the external object store FILE evidence points into.
// Without one, FILE pointers are accepted without an ownership check.
func WithObjectStore(os evidence.ObjectStore) Option { return func(e *Engine) { e.objects = os } }

// WithInstantiator sets the flow instantiation service used by fan-out.
func WithInstantiator(s *instantiate.Service) Option { return func(e *Engine) { e.flows = s } }

// WithDetourService sets the detour service used for commit-via-outcome.
func WithDetourService(s *detour.Service) Option { return func(e *Engine) { e.detours = s } }

// WithBus sets the post-commit event bus.
func WithBus(b hooks.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithLogger sets the engine logger.
func WithLogger(l telemetry.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics sets the engine metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithIDGen overrides ID generation, for deterministic tests.
func WithIDGen(fn func() string) Option { return func(e *Engine) { e.idgen = fn } }

// WithClock overrides the clock, for deterministic tests.
func WithClock(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }

// NewEngine constructs an execution engine over the store.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		validator: evidence.NewValidator(),
		log:       telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		idgen:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.flows == nil {
		e.flows = instantiate.NewService(st,
			instantiate.WithValidator(e.validator),
			instantiate.WithLogger(e.log),
			instantiate.WithIDGen(e.idgen),
			instantiate.WithClock(e.now),
		)
	}
	if e.detours == nil {
		e.detours = detour.NewService(st,
			detour.WithLogger(e.log),
			detour.WithIDGen(e.idgen),
			detour.WithClock(e.now),
		)
	}
	return e
}

// StartTask opens (or returns) the execution row for the task at its node's
// current iteration. Idempotent while the task is open: a second start
// returns the existing row unchanged, including rows whose outcome was
// later marked INVALID, which is how re-opened tasks are resumed. A row
// holding an effective outcome fails with INVALID_STATE.
func (e *Engine) StartTask(ctx context.Context, flowID, taskID string) (*truth.TaskExecution, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var (
		out     *truth.TaskExecution
		started bool
		events  []hooks.Event
	)
	err = e.store.Update(ctx, func(tx store.Tx) error {
		f, _, node, _, err := e.loadTask(ctx, tx, flowID, taskID)
		if err != nil {
			return err
		}
		activations, err := tx.Activations().ListByFlow(ctx, flowID)
		if err != nil {
			return err
		}
		k := kernel.CurrentIteration(activations, node.ID)
		if k == 0 {
			return flowerr.New(flowerr.CodeNodeNotActivated, "task's node has not been activated").
				WithDetail("taskId", taskID).WithDetail("nodeId", node.ID)
		}
		existing, err := tx.Executions().Find(ctx, flowID, taskID, k)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.HasOutcome() {
				evs, err := tx.Validity().ListByExecution(ctx, existing.ID)
				if err != nil {
					return err
				}
				if kernel.Effective(kernel.ValidityMap(evs), existing.ID) == truth.ValidityValid {
					return flowerr.New(flowerr.CodeInvalidState, "task already holds an effective outcome at this iteration").
						WithDetail("taskId", taskID).WithDetail("executionId", existing.ID)
				}
			}
			out = existing
			return nil
		}
		now := e.now()
		row := truth.TaskExecution{
			ID:        e.idgen(),
			CompanyID: f.CompanyID,
			FlowID:    f.ID,
			TaskID:    taskID,
			NodeID:    node.ID,
			Iteration: k,
			StartedAt: now,
			StartedBy: sc.ActorID,
		}
		if err := tx.Executions().Insert(ctx, row); err != nil {
			return err
		}
		out = &row
		started = true
		events = append(events, hooks.NewTaskStartedEvent(f.CompanyID, f.ID, taskID, row.ID, k, sc.ActorID, now))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if started {
		e.metrics.IncCounter(telemetry.MetricTasksStarted, 1)
	}
	e.drain(ctx, events)
	return out, nil
}

// Assign attaches an assignee to a task of an active flow. Assignments are
// enrichment only; they never gate actionability.
func (e *Engine) Assign(ctx context.Context, flowID, taskID string, assignee flow.Assignee) (*flow.Assignment, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return nil, err
	}
	var out *flow.Assignment
	err := e.store.Update(ctx, func(tx store.Tx) error {
		f, _, _, _, err := e.loadTask(ctx, tx, flowID, taskID)
		if err != nil {
			return err
		}
		a := flow.Assignment{
			ID:        e.idgen(),
			CompanyID: f.CompanyID,
			FlowID:    f.ID,
			TaskID:    taskID,
			Assignee:  assignee,
			CreatedAt: e.now(),
		}
		if err := tx.Assignments().Insert(ctx, a); err != nil {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unassign removes an assignment.
func (e *Engine) Unassign(ctx context.Context, assignmentID string) error {
	if _, err := tenant.Require(ctx); err != nil {
		return err
	}
	return e.store.Update(ctx, func(tx store.Tx) error {
		return tx.Assignments().Delete(ctx, assignmentID)
	})
}

// loadTask resolves the flow, its bound snapshot, and the task within it,
// enforcing that the flow is ACTIVE.
func (e *Engine) loadTask(ctx context.Context, tx store.Tx, flowID, taskID string) (*flow.Flow, *snapshot.Snapshot, *snapshot.NodeSnapshot, *snapshot.TaskSnapshot, error) {
	f, err := tx.Flows().Get(ctx, flowID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if f.Status != flow.StatusActive {
		return nil, nil, nil, nil, flowerr.New(flowerr.CodeFlowNotActive, "flow does not accept mutations").
			WithDetail("flowId", f.ID).WithDetail("status", string(f.Status))
	}
	ver, err := tx.Versions().Get(ctx, f.VersionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	node, task := ver.Snapshot.Task(taskID)
	if task == nil {
		return nil, nil, nil, nil, flowerr.New(flowerr.CodeTaskNotFound, "task is not part of the flow's bound version").
			WithDetail("taskId", taskID)
	}
	snap := ver.Snapshot
	return f, &snap, node, task, nil
}

func (e *Engine) drain(ctx context.Context, events []hooks.Event) {
	hooks.Drain(ctx, e.bus, events, func(ev hooks.Event, err error) {
		e.metrics.IncCounter(telemetry.MetricHookDispatchErrors, 1)
		e.log.Error(ctx, "hook dispatch failed", "event", string(ev.Type()), "err", err)
	})
}
