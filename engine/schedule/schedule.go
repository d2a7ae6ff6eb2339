// Package schedule defines the scheduling overlay: supersedable time blocks
// attached to tasks, and the change requests that replace them.
//
// Blocks form a linked supersession chain per (task, flow): committing a new
// block stamps the previously open block with supersededAt/supersededBy, so
// at any time at most one block per pair is open. Change requests travel
// PENDING → IN_REVIEW → ACCEPTED and are committed to a block only by the
// execution engine when the linked detour's checkpoint outcome is recorded.
package schedule

import "time"

type (
	// Block is one scheduled time slot for a task. Blocks are never
	// edited in place; a replacement block supersedes the open one.
	Block struct {
		// ID uniquely identifies the block.
		ID string
		// CompanyID scopes the block to a tenant.
		CompanyID string
		// TaskID is the scheduled task (snapshot task ID).
		TaskID string
		// FlowID is the owning flow, empty for flow-independent blocks.
		FlowID string
		// TimeClass grades how firm the slot is.
		TimeClass TimeClass
		// StartAt is the slot start.
		StartAt time.Time
		// EndAt is the slot end; always after StartAt.
		EndAt time.Time
		// Metadata carries open scheduling metadata.
		Metadata map[string]any
		// CreatedBy is the actor who created the block.
		CreatedBy string
		// CreatedAt records creation time.
		CreatedAt time.Time
		// SupersededAt is set when a newer block replaced this one.
		SupersededAt *time.Time
		// SupersededBy is the replacing block's ID.
		SupersededBy string
		// ChangeRequestID links the block to the request that produced it.
		ChangeRequestID string
	}

	// ChangeRequest asks for a new time slot. Accepting a request creates
	// a detour; recording the checkpoint outcome with the detour ID commits
	// the request into a block.
	ChangeRequest struct {
		// ID uniquely identifies the request.
		ID string
		// CompanyID scopes the request to a tenant.
		CompanyID string
		// FlowID is the affected flow, if any.
		FlowID string
		// TaskID is the affected task, if any.
		TaskID string
		// DetourRecordID links the request to the detour created on accept.
		DetourRecordID string
		// TimeClass grades the requested slot.
		TimeClass TimeClass
		// Reason is the human-readable request reason.
		Reason string
		// Metadata carries the requested window plus open metadata.
		Metadata RequestMetadata
		// Status is the review lifecycle state.
		Status RequestStatus
		// RequestedBy is the requesting actor.
		RequestedBy string
		// ReviewedBy is the reviewing actor, set on first review action.
		ReviewedBy string
		// CreatedAt records creation time.
		CreatedAt time.Time
	}

	// RequestMetadata carries the requested window for commit plus any
	// additional keys supplied by the requester.
	RequestMetadata struct {
		// RequestedStartAt is the desired slot start used at commit.
		RequestedStartAt *time.Time
		// RequestedEndAt is the desired slot end used at commit.
		RequestedEndAt *time.Time
		// Extra preserves additional request metadata.
		Extra map[string]any
	}

	// TimeClass grades how firm a scheduled slot is.
	TimeClass string

	// RequestStatus is the change request lifecycle state.
	RequestStatus string
)

const (
	// Tentative marks a provisional slot.
	Tentative TimeClass = "TENTATIVE"
	// Planned marks a slot agreed internally but not confirmed.
	Planned TimeClass = "PLANNED"
	// Committed marks a confirmed slot.
	Committed TimeClass = "COMMITTED"
)

const (
	// RequestPending marks a newly created request.
	RequestPending RequestStatus = "PENDING"
	// RequestInReview marks a request a reviewer picked up.
	RequestInReview RequestStatus = "IN_REVIEW"
	// RequestAccepted marks an approved request awaiting commit.
	RequestAccepted RequestStatus = "ACCEPTED"
	// RequestCommitted marks a request whose block has been written.
	RequestCommitted RequestStatus = "COMMITTED"
	// RequestRejected marks a declined request.
	RequestRejected RequestStatus = "REJECTED"
	// RequestCancelled marks a withdrawn request.
	RequestCancelled RequestStatus = "CANCELLED"
)

// ValidTimeClass reports whether the value is a known time class.
func ValidTimeClass(tc TimeClass) bool {
	switch tc {
	case Tentative, Planned, Committed:
		return true
	}
	return false
}

// Open reports whether the block is the current (unsuperseded) block for
// its (task, flow) pair.
func (b *Block) Open() bool { return b.SupersededAt == nil }

// Terminal reports whether the request can no longer change state.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCommitted, RequestRejected, RequestCancelled:
		return true
	}
	return false
}
