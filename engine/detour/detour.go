// Package detour manages schedule change requests and the blocking detours
// they open.
//
// A request travels PENDING → IN_REVIEW → ACCEPTED (or REJECTED/CANCELLED).
// Accepting a request opens a blocking DetourRecord anchored at a checkpoint
// execution; schedule blocks stay untouched until the checkpoint outcome is
// recorded with the detour's ID, at which point the execution engine calls
// CommitTx inside its transaction to write the new COMMITTED block, supersede
// the open one, mark the request COMMITTED and resolve the detour.
package detour

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// Service drives the change request review lifecycle.
	Service struct {
		store store.Store
		log   telemetry.Logger
		idgen func() string
		now   func() time.Time
	}

	// Option configures a Service.
	Option func(*Service)

	// CreateRequest describes a new schedule change request.
	CreateRequest struct {
		// FlowID and TaskID locate the affected work, when known.
		FlowID string
		TaskID string
		// TimeClass grades the requested slot.
		TimeClass schedule.TimeClass
		// Reason is the human-readable request reason.
		Reason string
		// RequestedStartAt and RequestedEndAt carry the desired window used
		// at commit time.
		RequestedStartAt *time.Time
		RequestedEndAt   *time.Time
		// Extra preserves additional request metadata.
		Extra map[string]any
	}

	// ReviewAction is one step of the review lifecycle.
	ReviewAction string

	// ReviewParams carries the detour anchoring data required by the accept
	// action and ignored by the others.
	ReviewParams struct {
		// CheckpointNodeID is the node the detour departs from.
		CheckpointNodeID string
		// ResumeTargetNodeID is the node execution resumes at.
		ResumeTargetNodeID string
		// CheckpointTaskExecutionID is the execution whose outcome commits
		// the detour.
		CheckpointTaskExecutionID string
	}

	// ReviewResult reports the updated request and, on accept, the detour
	// opened for it.
	ReviewResult struct {
		Request *schedule.ChangeRequest
		Detour  *truth.DetourRecord
	}

	// CommitResult reports the block rotation a commit performed.
	CommitResult struct {
		// Block is the newly committed schedule block.
		Block *schedule.Block
		// SupersededBlockID is the block the commit replaced, empty when no
		// block was open.
		SupersededBlockID string
		// RequestID is the committed change request.
		RequestID string
		// TaskID is the scheduled task.
		TaskID string
	}
)

// Review actions accepted by Review.
const (
	// ActionStartReview moves PENDING → IN_REVIEW.
	ActionStartReview ReviewAction = "start_review"
	// ActionAccept moves PENDING/IN_REVIEW → ACCEPTED and opens a detour.
	ActionAccept ReviewAction = "accept"
	// ActionReject terminally declines the request.
	ActionReject ReviewAction = "reject"
	// ActionCancel terminally withdraws the request.
	ActionCancel ReviewAction = "cancel"
)

// WithLogger sets the service logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Service) { s.log = l } }

// WithIDGen overrides ID generation, for deterministic tests.
func WithIDGen(fn func() string) Option { return func(s *Service) { s.idgen = fn } }

// WithClock overrides the clock, for deterministic tests.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// NewService constructs a detour service over the store.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store: st,
		log:   telemetry.NewNoopLogger(),
		idgen: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChangeRequest records a PENDING request. Schedule blocks are never
// touched here.
func (s *Service) CreateChangeRequest(ctx context.Context, req CreateRequest) (*schedule.ChangeRequest, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if !schedule.ValidTimeClass(req.TimeClass) {
		return nil, flowerr.New(flowerr.CodeValidationFailed, "unknown time class").
			WithDetail("timeClass", string(req.TimeClass))
	}
	cr := &schedule.ChangeRequest{
		ID:        s.idgen(),
		FlowID:    req.FlowID,
		TaskID:    req.TaskID,
		TimeClass: req.TimeClass,
		Reason:    req.Reason,
		Metadata: schedule.RequestMetadata{
			RequestedStartAt: req.RequestedStartAt,
			RequestedEndAt:   req.RequestedEndAt,
			Extra:            req.Extra,
		},
		Status:      schedule.RequestPending,
		RequestedBy: sc.ActorID,
		CreatedAt:   s.now(),
	}
	err = s.store.Update(ctx, func(tx store.Tx) error {
		if cr.FlowID != "" {
			if _, err := tx.Flows().Get(ctx, cr.FlowID); err != nil {
				return err
			}
		}
		return tx.ChangeRequests().Insert(ctx, *cr)
	})
	if err != nil {
		return nil, err
	}
	return cr, nil
}

// Review applies one review action to the request. Accept opens the blocking
// detour described by params; reject and cancel are terminal; every action on
// a terminal or out-of-order request fails with REQUEST_NOT_REVIEWABLE.
func (s *Service) Review(ctx context.Context, requestID string, action ReviewAction, params ReviewParams) (ReviewResult, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return ReviewResult{}, err
	}
	var res ReviewResult
	err = s.store.Update(ctx, func(tx store.Tx) error {
		req, err := tx.ChangeRequests().Get(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return notReviewable(req, action)
		}

		switch action {
		case ActionStartReview:
			if req.Status != schedule.RequestPending {
				return notReviewable(req, action)
			}
			req.Status = schedule.RequestInReview
			req.ReviewedBy = sc.ActorID

		case ActionAccept:
			if req.Status != schedule.RequestPending && req.Status != schedule.RequestInReview {
				return notReviewable(req, action)
			}
			d, err := s.openDetour(ctx, tx, req, params)
			if err != nil {
				return err
			}
			req.Status = schedule.RequestAccepted
			req.ReviewedBy = sc.ActorID
			req.DetourRecordID = d.ID
			res.Detour = d

		case ActionReject:
			req.Status = schedule.RequestRejected
			req.ReviewedBy = sc.ActorID

		case ActionCancel:
			req.Status = schedule.RequestCancelled
			if d := req.DetourRecordID; d != "" {
				if err := tx.Detours().SetStatus(ctx, d, truth.DetourCancelled); err != nil {
					return err
				}
			}

		default:
			return flowerr.New(flowerr.CodeValidationFailed, "unknown review action").
				WithDetail("action", string(action))
		}

		if err := tx.ChangeRequests().Update(ctx, *req); err != nil {
			return err
		}
		res.Request = req
		return nil
	})
	if err != nil {
		return ReviewResult{}, err
	}
	return res, nil
}

func (s *Service) openDetour(ctx context.Context, tx store.Tx, req *schedule.ChangeRequest, params ReviewParams) (*truth.DetourRecord, error) {
	if req.FlowID == "" {
		return nil, flowerr.New(flowerr.CodeValidationFailed, "accepting a request requires a flow")
	}
	if params.CheckpointNodeID == "" || params.ResumeTargetNodeID == "" {
		return nil, flowerr.New(flowerr.CodeValidationFailed, "accepting a request requires checkpoint and resume nodes")
	}
	f, err := tx.Flows().Get(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	if params.CheckpointTaskExecutionID != "" {
		if _, err := tx.Executions().Get(ctx, params.CheckpointTaskExecutionID); err != nil {
			return nil, err
		}
	}
	d := &truth.DetourRecord{
		ID:                        s.idgen(),
		CompanyID:                 f.CompanyID,
		FlowID:                    f.ID,
		CheckpointNodeID:          params.CheckpointNodeID,
		ResumeTargetNodeID:        params.ResumeTargetNodeID,
		CheckpointTaskExecutionID: params.CheckpointTaskExecutionID,
		Type:                      truth.DetourBlocking,
		Status:                    truth.DetourActive,
		ChangeRequestID:           req.ID,
	}
	if err := tx.Detours().Insert(ctx, *d); err != nil {
		return nil, err
	}
	return d, nil
}

// CommitTx commits an accepted request inside the caller's transaction: it
// writes the new COMMITTED block from the requested window, supersedes the
// open block for the task, marks the request COMMITTED and resolves the
// detour. A company mismatch between flow, detour and request commits
// nothing and leaves the request ACCEPTED; the caller treats that as a no-op.
func (s *Service) CommitTx(ctx context.Context, tx store.Tx, flowCompanyID, flowID, taskID, detourID, actor string, now time.Time) (*CommitResult, error) {
	d, err := tx.Detours().Get(ctx, detourID)
	if err != nil {
		return nil, err
	}
	if d.Status != truth.DetourActive || d.ChangeRequestID == "" {
		return nil, nil
	}
	req, err := tx.ChangeRequests().Get(ctx, d.ChangeRequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != schedule.RequestAccepted {
		return nil, nil
	}
	if d.CompanyID != flowCompanyID || req.CompanyID != flowCompanyID || d.FlowID != flowID {
		s.log.Warn(ctx, "detour commit skipped: ownership mismatch",
			"detourId", d.ID, "requestId", req.ID, "flowId", flowID)
		return nil, nil
	}
	if req.Metadata.RequestedStartAt == nil || req.Metadata.RequestedEndAt == nil {
		return nil, flowerr.New(flowerr.CodeSchedulingDataMissing, "change request carries no requested window").
			WithDetail("requestId", req.ID)
	}
	if !req.Metadata.RequestedEndAt.After(*req.Metadata.RequestedStartAt) {
		return nil, flowerr.New(flowerr.CodeInvalidTimeRange, "requested window end does not follow start").
			WithDetail("requestId", req.ID)
	}

	blockTask := req.TaskID
	if blockTask == "" {
		blockTask = taskID
	}
	block := &schedule.Block{
		ID:              s.idgen(),
		CompanyID:       flowCompanyID,
		TaskID:          blockTask,
		FlowID:          flowID,
		TimeClass:       schedule.Committed,
		StartAt:         *req.Metadata.RequestedStartAt,
		EndAt:           *req.Metadata.RequestedEndAt,
		Metadata:        req.Metadata.Extra,
		CreatedBy:       actor,
		CreatedAt:       now,
		ChangeRequestID: req.ID,
	}

	open, err := tx.Blocks().FindOpen(ctx, blockTask, flowID)
	if err != nil {
		return nil, err
	}
	if err := tx.Blocks().Insert(ctx, *block); err != nil {
		return nil, err
	}
	superseded := ""
	if open != nil {
		if err := tx.Blocks().Supersede(ctx, open.ID, now, block.ID); err != nil {
			return nil, err
		}
		superseded = open.ID
	}

	req.Status = schedule.RequestCommitted
	if err := tx.ChangeRequests().Update(ctx, *req); err != nil {
		return nil, err
	}
	if err := tx.Detours().SetStatus(ctx, d.ID, truth.DetourResolved); err != nil {
		return nil, err
	}
	return &CommitResult{
		Block:             block,
		SupersededBlockID: superseded,
		RequestID:         req.ID,
		TaskID:            blockTask,
	}, nil
}

func notReviewable(req *schedule.ChangeRequest, action ReviewAction) error {
	return flowerr.New(flowerr.CodeRequestNotReviewable, "request does not permit this review action").
		WithDetail("requestId", req.ID).
		WithDetail("status", string(req.Status)).
		WithDetail("action", string(action))
}
