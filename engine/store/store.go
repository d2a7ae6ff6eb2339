// Package store defines the persistence contract the engine runs on: a
// transactional Store handing out a Tx of typed repositories.
//
// Update is the engine's atomic unit. Every mutator (start task, record
// outcome, create flow, commit-via-outcome) performs all of its reads and
// writes through a single Update call; implementations guarantee the
// enclosed function observes a consistent state and that its writes commit
// wholly or not at all, at REPEATABLE READ isolation or stronger. View hands
// out a read-only Tx whose write methods fail, which keeps analysis and
// diagnosis code paths from mutating anything.
//
// Tenant scoping is enforced at this layer: every repository method derives
// the tenant scope from the context and refuses rows belonging to another
// company with FORBIDDEN (NO_MEMBERSHIP when no scope is present at all).
//
// The ledger's immutability rules are expressed structurally. Versions,
// Activations, Evidence and Validity have no update or delete methods;
// Executions expose a single-shot SetOutcome; Blocks are replaced via
// Supersede rather than edited.
package store

import (
	"context"
	"time"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/policy"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// Store is the transactional entry point.
	Store interface {
		// View runs fn with a read-only transaction.
		View(ctx context.Context, fn func(Tx) error) error
		// Update runs fn with a read-write transaction and commits its
		// writes atomically when fn returns nil.
		Update(ctx context.Context, fn func(Tx) error) error
	}

	// Tx exposes the typed repositories of one transaction. A Tx is only
	// valid for the duration of the View/Update call that produced it.
	Tx interface {
		Workflows() WorkflowRepo
		Versions() VersionRepo
		Groups() GroupRepo
		Flows() FlowRepo
		Activations() ActivationRepo
		Executions() ExecutionRepo
		Evidence() EvidenceRepo
		Validity() ValidityRepo
		Detours() DetourRepo
		Blocks() BlockRepo
		ChangeRequests() ChangeRequestRepo
		FanOutRules() FanOutRuleRepo
		Policies() PolicyRepo
		Jobs() JobRepo
		Assignments() AssignmentRepo
	}

	// WorkflowRepo persists editable workflow graphs as whole aggregates.
	WorkflowRepo interface {
		// Create inserts a new workflow. The (name, version=1) pair is
		// unique per company; a duplicate fails with CONFLICT.
		Create(ctx context.Context, w *spec.Workflow) error
		// Get loads a workflow, or fails with WORKFLOW_NOT_FOUND.
		Get(ctx context.Context, id string) (*spec.Workflow, error)
		// Update replaces the stored aggregate.
		Update(ctx context.Context, w *spec.Workflow) error
		// Delete removes the workflow aggregate.
		Delete(ctx context.Context, id string) error
		// List returns the tenant's workflows ordered by name.
		List(ctx context.Context) ([]*spec.Workflow, error)
	}

	// VersionRepo persists frozen workflow versions. Versions are
	// immutable: there is no update or delete.
	VersionRepo interface {
		// Create inserts a new version. (workflowID, version) is unique.
		Create(ctx context.Context, v *snapshot.Version) error
		// Get loads a version by ID, or fails with EVENT_NOT_FOUND.
		Get(ctx context.Context, id string) (*snapshot.Version, error)
		// Latest returns the highest-numbered version of a workflow, or
		// nil when the workflow has never been published.
		Latest(ctx context.Context, workflowID string) (*snapshot.Version, error)
		// GetByNumber loads a specific version of a workflow.
		GetByNumber(ctx context.Context, workflowID string, version int) (*snapshot.Version, error)
		// CountByWorkflow reports how many versions a workflow has.
		CountByWorkflow(ctx context.Context, workflowID string) (int, error)
	}

	// GroupRepo persists flow groups.
	GroupRepo interface {
		// Create inserts a new group. (scopeType, scopeID) is unique per
		// company.
		Create(ctx context.Context, g *flow.Group) error
		// Get loads a group, or fails with FLOW_GROUP_NOT_FOUND.
		Get(ctx context.Context, id string) (*flow.Group, error)
		// FindByScope returns the group for a scope, or nil when absent.
		FindByScope(ctx context.Context, scopeType, scopeID string) (*flow.Group, error)
		// Delete removes a group. Fails with CONFLICT while a job
		// references the group.
		Delete(ctx context.Context, id string) error
	}

	// FlowRepo persists flows. A flow's VersionID is written once at
	// creation; Update paths only ever touch Status.
	FlowRepo interface {
		// Create inserts a new flow. (groupID, workflowID) is unique.
		Create(ctx context.Context, f *flow.Flow) error
		// Get loads a flow, or fails with FLOW_NOT_FOUND.
		Get(ctx context.Context, id string) (*flow.Flow, error)
		// FindByGroupAndWorkflow returns the group's flow for a workflow,
		// or nil when absent.
		FindByGroupAndWorkflow(ctx context.Context, groupID, workflowID string) (*flow.Flow, error)
		// ListByGroup returns the group's flows ordered by creation.
		ListByGroup(ctx context.Context, groupID string) ([]*flow.Flow, error)
		// ListActiveByVersion returns the ACTIVE flows bound to a version.
		ListActiveByVersion(ctx context.Context, versionID string) ([]*flow.Flow, error)
		// SetStatus updates the flow lifecycle state.
		SetStatus(ctx context.Context, id string, status flow.Status) error
	}

	// ActivationRepo persists node activations. Append-only.
	ActivationRepo interface {
		// Insert appends an activation. (flowID, nodeID, iteration) is
		// unique; a duplicate fails with CONFLICT.
		Insert(ctx context.Context, a truth.NodeActivation) error
		// ListByFlow returns the flow's activations ordered by
		// (activatedAt, id).
		ListByFlow(ctx context.Context, flowID string) ([]truth.NodeActivation, error)
	}

	// ExecutionRepo persists task executions. Outcome fields are settable
	// exactly once.
	ExecutionRepo interface {
		// Insert appends an execution. (flowID, taskID, iteration) is
		// unique; a duplicate fails with CONFLICT.
		Insert(ctx context.Context, e truth.TaskExecution) error
		// Get loads an execution, or fails with TASK_NOT_STARTED.
		Get(ctx context.Context, id string) (*truth.TaskExecution, error)
		// Find returns the execution at (flowID, taskID, iteration), or
		// nil when absent.
		Find(ctx context.Context, flowID, taskID string, iteration int) (*truth.TaskExecution, error)
		// ListByFlow returns the flow's executions ordered by
		// (startedAt, id).
		ListByFlow(ctx context.Context, flowID string) ([]truth.TaskExecution, error)
		// SetOutcome records the outcome fields. Fails with
		// OUTCOME_IMMUTABLE when an outcome is already recorded.
		SetOutcome(ctx context.Context, id, outcome string, at time.Time, by, detourID string) error
	}

	// EvidenceRepo persists evidence attachments. Append-only.
	EvidenceRepo interface {
		// Insert appends an attachment. A non-empty idempotency key is
		// unique per (flowID, taskID); a duplicate fails with CONFLICT.
		Insert(ctx context.Context, e truth.EvidenceAttachment) error
		// ListByFlow returns the flow's attachments ordered by
		// (attachedAt, id).
		ListByFlow(ctx context.Context, flowID string) ([]truth.EvidenceAttachment, error)
		// ListByTask returns the attachments for one task of a flow.
		ListByTask(ctx context.Context, flowID, taskID string) ([]truth.EvidenceAttachment, error)
		// FindByKey returns the attachment carrying the idempotency key,
		// or nil when absent.
		FindByKey(ctx context.Context, flowID, taskID, key string) (*truth.EvidenceAttachment, error)
	}

	// ValidityRepo persists validity events. Append-only.
	ValidityRepo interface {
		// Insert appends a validity event.
		Insert(ctx context.Context, v truth.ValidityEvent) error
		// ListByExecution returns the events for one execution.
		ListByExecution(ctx context.Context, executionID string) ([]truth.ValidityEvent, error)
		// ListByFlow returns the events for all executions of a flow.
		ListByFlow(ctx context.Context, flowID string) ([]truth.ValidityEvent, error)
	}

	// DetourRepo persists detour records.
	DetourRepo interface {
		// Insert appends a detour record.
		Insert(ctx context.Context, d truth.DetourRecord) error
		// Get loads a detour, or fails with EVENT_NOT_FOUND.
		Get(ctx context.Context, id string) (*truth.DetourRecord, error)
		// ListByFlow returns the flow's detours.
		ListByFlow(ctx context.Context, flowID string) ([]truth.DetourRecord, error)
		// SetStatus updates the detour lifecycle state.
		SetStatus(ctx context.Context, id string, status truth.DetourStatus) error
	}

	// BlockRepo persists schedule blocks. Blocks are superseded, never
	// edited.
	BlockRepo interface {
		// Insert appends a block.
		Insert(ctx context.Context, b schedule.Block) error
		// Get loads a block, or fails with EVENT_NOT_FOUND.
		Get(ctx context.Context, id string) (*schedule.Block, error)
		// FindOpen returns the unsuperseded block for (taskID, flowID),
		// or nil when none is open.
		FindOpen(ctx context.Context, taskID, flowID string) (*schedule.Block, error)
		// ListByTask returns the supersession chain for (taskID, flowID)
		// ordered by creation.
		ListByTask(ctx context.Context, taskID, flowID string) ([]schedule.Block, error)
		// Supersede stamps the block with (at, byBlockID). Fails with
		// CONFLICT when the block is already superseded, so concurrent
		// supersession races resolve to a single winner.
		Supersede(ctx context.Context, id string, at time.Time, byBlockID string) error
	}

	// ChangeRequestRepo persists schedule change requests.
	ChangeRequestRepo interface {
		// Insert appends a request.
		Insert(ctx context.Context, r schedule.ChangeRequest) error
		// Get loads a request, or fails with EVENT_NOT_FOUND.
		Get(ctx context.Context, id string) (*schedule.ChangeRequest, error)
		// Update replaces the stored request.
		Update(ctx context.Context, r schedule.ChangeRequest) error
		// ListByFlow returns the flow's requests ordered by creation.
		ListByFlow(ctx context.Context, flowID string) ([]schedule.ChangeRequest, error)
	}

	// FanOutRuleRepo persists fan-out rules.
	FanOutRuleRepo interface {
		// Create inserts a rule.
		Create(ctx context.Context, r fanout.Rule) error
		// ListBySource returns the rules matching a (workflowID,
		// sourceNodeID, outcome) trigger.
		ListBySource(ctx context.Context, workflowID, sourceNodeID, outcome string) ([]fanout.Rule, error)
		// ListByWorkflow returns all rules of a workflow.
		ListByWorkflow(ctx context.Context, workflowID string) ([]fanout.Rule, error)
	}

	// PolicyRepo persists flow group policies.
	PolicyRepo interface {
		// Upsert inserts or replaces the group's policy row.
		Upsert(ctx context.Context, p policy.GroupPolicy) error
		// FindByGroup returns the group's policy, or nil when absent.
		FindByGroup(ctx context.Context, groupID string) (*policy.GroupPolicy, error)
	}

	// JobRepo persists provisioned jobs.
	JobRepo interface {
		// Insert appends a job. FlowGroupID is unique; a duplicate fails
		// with JOB_ALREADY_EXISTS.
		Insert(ctx context.Context, j fanout.Job) error
		// Get loads a job, or fails with JOB_NOT_FOUND.
		Get(ctx context.Context, id string) (*fanout.Job, error)
		// FindByGroup returns the group's job, or nil when absent.
		FindByGroup(ctx context.Context, groupID string) (*fanout.Job, error)
	}

	// AssignmentRepo persists task assignments.
	AssignmentRepo interface {
		// Insert appends an assignment.
		Insert(ctx context.Context, a flow.Assignment) error
		// Delete removes an assignment.
		Delete(ctx context.Context, id string) error
		// ListByFlow returns the flow's assignments ordered by creation.
		ListByFlow(ctx context.Context, flowID string) ([]flow.Assignment, error)
	}
)
