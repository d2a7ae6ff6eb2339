// Package query is the read-only surface over flows: the enriched actionable
// task list and the flow timeline.
//
// Enrichment (assignments, policy signals, recommendations) is applied to the
// kernel's canonical ordering in place; nothing here ever reorders the list,
// mutates state, or persists derived values.
package query

import (
	"context"
	"sort"
	"time"

	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowstate"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/policy"
	"flowspec.dev/flowspec/engine/recommend"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/tenant"
)

type (
	// Service answers read-only questions about flows.
	Service struct {
		store store.Store
		now   func() time.Time
	}

	// Option configures a Service.
	Option func(*Service)

	// EnrichedTask is one actionable entry plus its enrichment layers.
	EnrichedTask struct {
		kernel.ActionableTask
		// Assignees lists who the task is assigned to.
		Assignees []flow.Assignee
		// Signals are the policy-derived due date and priority signals.
		Signals policy.TaskSignals
		// Recommendations are the suggested next steps, at most four.
		Recommendations []recommend.Recommendation
	}

	// TimelineEntry is one event of a flow's history.
	TimelineEntry struct {
		// At is when the event was recorded.
		At time.Time
		// Kind is the timeline event kind.
		Kind TimelineKind
		// RecordID is the ledger row the entry was derived from.
		RecordID string
		// NodeID and TaskID locate the event, where applicable.
		NodeID string
		TaskID string
		// Iteration is the node iteration, where applicable.
		Iteration int
		// Actor is who caused the event, where recorded.
		Actor string
		// Outcome is the recorded outcome name for TASK_OUTCOME entries.
		Outcome string
	}

	// TimelineKind names a timeline event kind.
	TimelineKind string
)

const (
	// TimelineNodeActivated marks a node activation.
	TimelineNodeActivated TimelineKind = "NODE_ACTIVATED"
	// TimelineTaskStarted marks a task start.
	TimelineTaskStarted TimelineKind = "TASK_STARTED"
	// TimelineEvidenceAttached marks an evidence attachment.
	TimelineEvidenceAttached TimelineKind = "EVIDENCE_ATTACHED"
	// TimelineTaskOutcome marks a recorded outcome.
	TimelineTaskOutcome TimelineKind = "TASK_OUTCOME"
)

// kindRank breaks timestamp ties deterministically: activation before start,
// start before evidence, evidence before outcome.
func kindRank(k TimelineKind) int {
	switch k {
	case TimelineNodeActivated:
		return 0
	case TimelineTaskStarted:
		return 1
	case TimelineEvidenceAttached:
		return 2
	default:
		return 3
	}
}

// WithClock overrides the clock used for due date signals.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// NewService constructs a query service over the store.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActionableTasks returns the flow's actionable set in canonical order,
// enriched with assignments, then policy signals, then recommendations.
func (s *Service) ActionableTasks(ctx context.Context, flowID string) ([]EnrichedTask, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return nil, err
	}
	var out []EnrichedTask
	err := s.store.View(ctx, func(tx store.Tx) error {
		f, err := tx.Flows().Get(ctx, flowID)
		if err != nil {
			return err
		}
		fs, err := flowstate.Load(ctx, tx, f)
		if err != nil {
			return err
		}
		tasks := kernel.ActionableTasks(fs)
		if len(tasks) == 0 {
			return nil
		}

		assignments, err := tx.Assignments().ListByFlow(ctx, flowID)
		if err != nil {
			return err
		}
		byTask := map[string][]flow.Assignee{}
		for _, a := range assignments {
			byTask[a.TaskID] = append(byTask[a.TaskID], a.Assignee)
		}

		pol, err := tx.Policies().FindByGroup(ctx, f.GroupID)
		if err != nil {
			return err
		}
		job, err := tx.Jobs().FindByGroup(ctx, f.GroupID)
		if err != nil {
			return err
		}
		jobID, customerID := "", ""
		if job != nil {
			jobID, customerID = job.ID, job.CustomerID
		}

		asOf := s.now()
		out = make([]EnrichedTask, len(tasks))
		for i, t := range tasks {
			et := EnrichedTask{ActionableTask: t, Assignees: byTask[t.TaskID]}
			if _, snapTask := fs.Snapshot.Task(t.TaskID); snapTask != nil {
				et.Signals = policy.Signals(pol, snapTask, t.ActivatedAt, asOf)
			}
			et.Recommendations = recommend.ForTask(recommend.Context{
				Task:       t,
				Signals:    et.Signals,
				JobID:      jobID,
				CustomerID: customerID,
			})
			out[i] = et
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Timeline returns the flow's history, ordered by timestamp, then kind
// (activation, start, evidence, outcome), then record ID.
func (s *Service) Timeline(ctx context.Context, flowID string) ([]TimelineEntry, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return nil, err
	}
	var out []TimelineEntry
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Flows().Get(ctx, flowID); err != nil {
			return err
		}
		activations, err := tx.Activations().ListByFlow(ctx, flowID)
		if err != nil {
			return err
		}
		for _, a := range activations {
			out = append(out, TimelineEntry{
				At:        a.ActivatedAt,
				Kind:      TimelineNodeActivated,
				RecordID:  a.ID,
				NodeID:    a.NodeID,
				Iteration: a.Iteration,
			})
		}
		executions, err := tx.Executions().ListByFlow(ctx, flowID)
		if err != nil {
			return err
		}
		for _, e := range executions {
			out = append(out, TimelineEntry{
				At:        e.StartedAt,
				Kind:      TimelineTaskStarted,
				RecordID:  e.ID,
				NodeID:    e.NodeID,
				TaskID:    e.TaskID,
				Iteration: e.Iteration,
				Actor:     e.StartedBy,
			})
			if e.HasOutcome() {
				out = append(out, TimelineEntry{
					At:        *e.OutcomeAt,
					Kind:      TimelineTaskOutcome,
					RecordID:  e.ID,
					NodeID:    e.NodeID,
					TaskID:    e.TaskID,
					Iteration: e.Iteration,
					Actor:     e.OutcomeBy,
					Outcome:   *e.Outcome,
				})
			}
		}
		attachments, err := tx.Evidence().ListByFlow(ctx, flowID)
		if err != nil {
			return err
		}
		for _, a := range attachments {
			out = append(out, TimelineEntry{
				At:       a.AttachedAt,
				Kind:     TimelineEvidenceAttached,
				RecordID: a.ID,
				TaskID:   a.TaskID,
				Actor:    a.AttachedBy,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if kindRank(a.Kind) != kindRank(b.Kind) {
			return kindRank(a.Kind) < kindRank(b.Kind)
		}
		return a.RecordID < b.RecordID
	})
	return out, nil
}
