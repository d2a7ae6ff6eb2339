// Package flowerr provides the structured error taxonomy shared by every
// engine surface. Errors carry a stable machine-readable Code, a human
// readable message, and optional structured details. They preserve error
// chains and support errors.Is/As so callers can branch on codes while
// still unwrapping causes.
package flowerr

import (
	"errors"
	"fmt"
)

// Code identifies a failure class with a stable string that survives
// serialization across process and API boundaries. Codes never change
// meaning once released.
type Code string

// Error codes returned by engine operations. The set is closed for a given
// release; new codes may be added but existing ones are never repurposed.
const (
	// CodeWorkflowNotFound indicates the referenced workflow does not exist
	// in the caller's tenant.
	CodeWorkflowNotFound Code = "WORKFLOW_NOT_FOUND"
	// CodeWorkflowNotPublished indicates an operation that requires a
	// published workflow was invoked against a draft or validated one.
	CodeWorkflowNotPublished Code = "WORKFLOW_NOT_PUBLISHED"
	// CodeWorkflowNotEditable indicates a structural edit was attempted on a
	// workflow that is not in Draft state.
	CodeWorkflowNotEditable Code = "WORKFLOW_NOT_EDITABLE"
	// CodeInvalidState indicates the entity is not in a state that permits
	// the requested transition.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeValidationFailed indicates graph validation produced one or more
	// issues; details carry the issue list.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodeMissingEvidenceSchema indicates a task requires evidence but
	// declares no schema.
	CodeMissingEvidenceSchema Code = "MISSING_EVIDENCE_SCHEMA"
	// CodeEvidenceRequired indicates an outcome was recorded on an
	// evidence-gated task with no evidence attached.
	CodeEvidenceRequired Code = "EVIDENCE_REQUIRED"
	// CodeInvalidEvidence indicates an evidence payload failed shape or
	// schema validation.
	CodeInvalidEvidence Code = "INVALID_EVIDENCE"
	// CodeSchedulingDataMissing indicates a scheduling-enabled task was
	// completed without the required schedule payload.
	CodeSchedulingDataMissing Code = "SCHEDULING_DATA_MISSING"
	// CodeInvalidTimeRange indicates a schedule payload whose end does not
	// follow its start.
	CodeInvalidTimeRange Code = "INVALID_TIME_RANGE"
	// CodeAnchorTaskMissing indicates flow instantiation could not locate
	// the anchor task on any entry node.
	CodeAnchorTaskMissing Code = "ANCHOR_TASK_MISSING"
	// CodeCustomerMismatch indicates job provisioning evidence names a
	// customer that conflicts with the flow group's anchor identity.
	CodeCustomerMismatch Code = "CUSTOMER_MISMATCH"
	// CodeFlowNotFound indicates the referenced flow does not exist in the
	// caller's tenant.
	CodeFlowNotFound Code = "FLOW_NOT_FOUND"
	// CodeFlowNotActive indicates a mutation was attempted on a flow that is
	// not ACTIVE.
	CodeFlowNotActive Code = "FLOW_NOT_ACTIVE"
	// CodeFlowGroupNotFound indicates the referenced flow group does not
	// exist in the caller's tenant.
	CodeFlowGroupNotFound Code = "FLOW_GROUP_NOT_FOUND"
	// CodeTaskNotFound indicates the task id does not belong to the flow's
	// bound snapshot.
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	// CodeNodeNotActivated indicates the task's node has no activation, so
	// the task cannot be started yet.
	CodeNodeNotActivated Code = "NODE_NOT_ACTIVATED"
	// CodeTaskNotStarted indicates an outcome was recorded for a task with
	// no started execution at the current iteration.
	CodeTaskNotStarted Code = "TASK_NOT_STARTED"
	// CodeInvalidOutcome indicates the outcome name is not declared by the
	// task.
	CodeInvalidOutcome Code = "INVALID_OUTCOME"
	// CodeOutcomeImmutable indicates a second outcome write was attempted on
	// an execution that already holds one.
	CodeOutcomeImmutable Code = "OUTCOME_IMMUTABLE"
	// CodeJobNotFound indicates the referenced job does not exist.
	CodeJobNotFound Code = "JOB_NOT_FOUND"
	// CodeJobAlreadyExists indicates a job already exists for the flow
	// group with a conflicting identity.
	CodeJobAlreadyExists Code = "JOB_ALREADY_EXISTS"
	// CodeForbidden indicates the row belongs to a different tenant than
	// the caller.
	CodeForbidden Code = "FORBIDDEN"
	// CodeNoMembership indicates the request carries no tenant context.
	CodeNoMembership Code = "NO_MEMBERSHIP"
	// CodePublishedImmutable indicates an edit or delete touched a workflow
	// that has published versions.
	CodePublishedImmutable Code = "PUBLISHED_IMMUTABLE"
	// CodeInvalidTaskOverrides indicates a policy override references a task
	// missing from the bound snapshot.
	CodeInvalidTaskOverrides Code = "INVALID_TASK_OVERRIDES"
	// CodeInvalidJobPriority indicates a policy carries an unknown priority
	// value.
	CodeInvalidJobPriority Code = "INVALID_JOB_PRIORITY"
	// CodeEventNotFound indicates the referenced ledger record (validity
	// event, change request, detour) does not exist.
	CodeEventNotFound Code = "EVENT_NOT_FOUND"
	// CodeRequestNotReviewable indicates a schedule change request is not in
	// a state that permits the review action.
	CodeRequestNotReviewable Code = "REQUEST_NOT_REVIEWABLE"
	// CodeConflict indicates a uniqueness constraint rejected the write.
	CodeConflict Code = "CONFLICT"
	// CodeInternal indicates an unclassified engine failure.
	CodeInternal Code = "INTERNAL"
)

// Kind partitions codes by how callers should react. Recoverable kinds mean
// the caller can correct the request and retry; KindInvariant means the
// engine detected a broken invariant and the enclosing transaction must
// abort.
type Kind int

const (
	// KindValidation marks request or state validation failures.
	KindValidation Kind = iota
	// KindPermission marks tenant isolation and authority failures.
	KindPermission
	// KindNotFound marks missing-entity failures.
	KindNotFound
	// KindConflict marks uniqueness and concurrent-write failures.
	KindConflict
	// KindInvariant marks fatal invariant violations.
	KindInvariant
)

// Error is the structured error type produced by all engine operations.
type Error struct {
	// Code is the stable machine-readable failure class.
	Code Code
	// Message is the human-readable summary.
	Message string
	// Details carries optional structured context (issue lists, ids).
	Details map[string]any
	// cause links the underlying error for errors.Is/As traversal.
	cause error
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that wraps cause. The cause remains reachable
// through errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns e with the details map attached. The map is stored as
// given; callers must not mutate it afterwards.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithDetail attaches a single detail key, allocating the map on first use.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Kind reports the reaction class for the error's code.
func (e *Error) Kind() Kind {
	switch e.Code {
	case CodeForbidden, CodeNoMembership:
		return KindPermission
	case CodeWorkflowNotFound, CodeFlowNotFound, CodeFlowGroupNotFound,
		CodeTaskNotFound, CodeJobNotFound, CodeEventNotFound:
		return KindNotFound
	case CodeConflict, CodeJobAlreadyExists, CodeOutcomeImmutable,
		CodePublishedImmutable:
		return KindConflict
	case CodeInternal:
		return KindInvariant
	default:
		return KindValidation
	}
}

// CodeOf extracts the code from err, returning CodeInternal when err carries
// no *Error in its chain and the empty code when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a missing-entity failure.
func IsNotFound(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind() == KindNotFound
	}
	return false
}

// IsConflict reports whether err is a uniqueness or concurrency failure.
func IsConflict(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind() == KindConflict
	}
	return false
}
