// Package truth defines the append-only execution ledger: node activations,
// task executions, evidence attachments, validity events and detour records.
//
// Ledger rows are written only by the execution engine inside its
// transaction and are never updated or deleted once final: activations and
// evidence are append-only, and a task execution's outcome fields are set at
// most once. All derived state (actionable tasks, completion, blocking) is
// computed from these rows plus the bound snapshot by the kernel package.
package truth

import "time"

type (
	// NodeActivation records that a node entered a given iteration of a
	// flow. Unique on (FlowID, NodeID, Iteration); the unique key makes
	// routing idempotent under retries.
	NodeActivation struct {
		// ID uniquely identifies the activation row.
		ID string
		// CompanyID scopes the row to a tenant.
		CompanyID string
		// FlowID is the owning flow.
		FlowID string
		// NodeID is the activated node (snapshot node ID).
		NodeID string
		// Iteration counts activations of this node within the flow,
		// starting at 1.
		Iteration int
		// ActivatedAt records when the activation was written.
		ActivatedAt time.Time
	}

	// TaskExecution records work on a task at one iteration. Exactly one
	// row exists per (FlowID, TaskID, Iteration). Outcome fields are set
	// at most once; once recorded they are immutable.
	TaskExecution struct {
		// ID uniquely identifies the execution row.
		ID string
		// CompanyID scopes the row to a tenant.
		CompanyID string
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the executed task (snapshot task ID).
		TaskID string
		// NodeID is the task's owning node (snapshot node ID).
		NodeID string
		// Iteration is the node iteration this execution belongs to.
		Iteration int
		// StartedAt records when the task was started.
		StartedAt time.Time
		// StartedBy is the actor who started the task.
		StartedBy string
		// Outcome is the recorded outcome name, nil while open.
		Outcome *string
		// OutcomeAt records when the outcome was recorded.
		OutcomeAt *time.Time
		// OutcomeBy is the actor who recorded the outcome.
		OutcomeBy string
		// DetourID optionally links the outcome to a detour record.
		DetourID string
	}

	// EvidenceAttachment records evidence supplied for a task. Append-only:
	// no path updates or deletes an attachment.
	EvidenceAttachment struct {
		// ID uniquely identifies the attachment.
		ID string
		// CompanyID scopes the row to a tenant.
		CompanyID string
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the task the evidence supports (snapshot task ID).
		TaskID string
		// Type discriminates the payload union.
		Type EvidenceType
		// Data is the typed payload matching Type.
		Data EvidencePayload
		// AttachedBy is the actor who attached the evidence.
		AttachedBy string
		// AttachedAt records when the evidence was attached.
		AttachedAt time.Time
		// IdempotencyKey deduplicates replayed attachments per task.
		// Empty means no deduplication.
		IdempotencyKey string
	}

	// ValidityEvent overrides the effective validity of a recorded outcome
	// without mutating the execution row. Latest event wins, tiebroken by
	// (CreatedAt desc, ID desc); absence of events means VALID.
	ValidityEvent struct {
		// ID uniquely identifies the event.
		ID string
		// CompanyID scopes the row to a tenant.
		CompanyID string
		// TaskExecutionID is the execution whose validity is overridden.
		TaskExecutionID string
		// State is the asserted validity.
		State ValidityState
		// CreatedAt orders events; latest wins.
		CreatedAt time.Time
	}

	// DetourRecord tracks a blocking compensation path entered from a
	// checkpoint node. While ACTIVE it blocks the checkpoint's downstream
	// scope minus the resume target's own downstream scope.
	DetourRecord struct {
		// ID uniquely identifies the detour.
		ID string
		// CompanyID scopes the row to a tenant.
		CompanyID string
		// FlowID is the owning flow.
		FlowID string
		// CheckpointNodeID is the node the detour departs from.
		CheckpointNodeID string
		// ResumeTargetNodeID is the node execution resumes at.
		ResumeTargetNodeID string
		// CheckpointTaskExecutionID is the execution whose outcome commits
		// the detour.
		CheckpointTaskExecutionID string
		// Type classifies the detour. Only BLOCKING detours gate work.
		Type DetourType
		// Status is the detour lifecycle state.
		Status DetourStatus
		// ChangeRequestID links the detour to its schedule change request.
		ChangeRequestID string
	}

	// EvidenceType discriminates evidence payloads.
	EvidenceType string

	// ValidityState is the asserted validity of an outcome.
	ValidityState string

	// DetourType classifies detour records.
	DetourType string

	// DetourStatus is the detour lifecycle state.
	DetourStatus string
)

const (
	// EvidenceStructured is machine-readable JSON evidence, validated
	// against the task's evidence schema when one is declared.
	EvidenceStructured EvidenceType = "STRUCTURED"
	// EvidenceText is free-form text evidence.
	EvidenceText EvidenceType = "TEXT"
	// EvidenceFile is a strict pointer into the external object store.
	EvidenceFile EvidenceType = "FILE"
)

const (
	// ValidityValid marks an outcome as effective.
	ValidityValid ValidityState = "VALID"
	// ValidityProvisional marks an outcome as tentatively recorded; it
	// does not count toward completion.
	ValidityProvisional ValidityState = "PROVISIONAL"
	// ValidityInvalid voids an outcome, re-opening the task.
	ValidityInvalid ValidityState = "INVALID"
)

const (
	// DetourBlocking is a detour that blocks its downstream scope while
	// active.
	DetourBlocking DetourType = "BLOCKING"
)

const (
	// DetourActive marks an in-progress detour.
	DetourActive DetourStatus = "ACTIVE"
	// DetourResolved marks a detour committed via outcome.
	DetourResolved DetourStatus = "RESOLVED"
	// DetourCancelled marks an abandoned detour.
	DetourCancelled DetourStatus = "CANCELLED"
)

// HasOutcome reports whether the execution's outcome has been recorded.
func (e *TaskExecution) HasOutcome() bool { return e.Outcome != nil }

// Open reports whether the execution was started but has no outcome yet.
func (e *TaskExecution) Open() bool { return e.Outcome == nil }
