package exec

import (
	"context"
	"encoding/json"

	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/flowstate"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

type (
	// AttachEvidenceRequest carries one evidence payload for a task.
	AttachEvidenceRequest struct {
		// FlowID and TaskID locate the task the evidence supports.
		FlowID string
		TaskID string
		// Type discriminates the payload union.
		Type truth.EvidenceType
		// Data is the raw payload envelope, {"content": ...} or
		// {"pointer": {...}}, parsed strictly.
		Data json.RawMessage
		// IdempotencyKey deduplicates replays per (flow, task). A replay
		// returns the original attachment unchanged.
		IdempotencyKey string
	}
)

// AttachEvidence appends an evidence attachment. STRUCTURED content is
// validated against the task's evidence schema; FILE pointers are checked
// for ownership against the object store. Attachments are append-only and
// may be added regardless of whether the task has been started.
func (e *Engine) AttachEvidence(ctx context.Context, req AttachEvidenceRequest) (*truth.EvidenceAttachment, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *truth.EvidenceAttachment
	err = e.store.Update(ctx, func(tx store.Tx) error {
		f, _, _, task, err := e.loadTask(ctx, tx, req.FlowID, req.TaskID)
		if err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			prior, err := tx.Evidence().FindByKey(ctx, req.FlowID, req.TaskID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				out = prior
				return nil
			}
		}

		payload, err := truth.ParsePayload(req.Type, req.Data)
		if err != nil {
			return err
		}
		switch req.Type {
		case truth.EvidenceStructured:
			if err := e.validator.Validate(task.EvidenceSchema, payload.Content); err != nil {
				return err
			}
		case truth.EvidenceFile:
			if e.objects != nil {
				ok, err := e.objects.ValidateOwnership(ctx, payload.Pointer.StorageKey, f.CompanyID)
				if err != nil {
					return err
				}
				if !ok {
					return flowerr.New(flowerr.CodeInvalidEvidence, "file pointer is not readable by the company").
						WithDetail("storageKey", payload.Pointer.StorageKey)
				}
			}
		}

		att := truth.EvidenceAttachment{
			ID:             e.idgen(),
			CompanyID:      f.CompanyID,
			FlowID:         f.ID,
			TaskID:         req.TaskID,
			Type:           req.Type,
			Data:           payload,
			AttachedBy:     sc.ActorID,
			AttachedAt:     e.now(),
			IdempotencyKey: req.IdempotencyKey,
		}
		if err := tx.Evidence().Insert(ctx, att); err != nil {
			return err
		}
		out = &att
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordValidity appends a validity event for a recorded outcome. INVALID
// re-opens the task at its iteration and can pull a COMPLETED flow back to
// ACTIVE; a VALID event that closes the last open work completes the flow,
// and one that clears a join barrier activates the held target. The
// execution row itself is never touched.
func (e *Engine) RecordValidity(ctx context.Context, executionID string, state truth.ValidityState) (*truth.ValidityEvent, error) {
	if _, err := tenant.Require(ctx); err != nil {
		return nil, err
	}
	switch state {
	case truth.ValidityValid, truth.ValidityProvisional, truth.ValidityInvalid:
	default:
		return nil, flowerr.New(flowerr.CodeValidationFailed, "unknown validity state").
			WithDetail("state", string(state))
	}
	var (
		out    *truth.ValidityEvent
		events []hooks.Event
	)
	err := e.store.Update(ctx, func(tx store.Tx) error {
		events = events[:0]
		row, err := tx.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		if !row.HasOutcome() {
			return flowerr.New(flowerr.CodeInvalidState, "execution has no outcome to assert validity on").
				WithDetail("executionId", executionID)
		}
		f, err := tx.Flows().Get(ctx, row.FlowID)
		if err != nil {
			return err
		}
		now := e.now()
		ev := truth.ValidityEvent{
			ID:              e.idgen(),
			CompanyID:       row.CompanyID,
			TaskExecutionID: row.ID,
			State:           state,
			CreatedAt:       now,
		}
		if err := tx.Validity().Insert(ctx, ev); err != nil {
			return err
		}
		out = &ev

		// Re-route and re-derive completion under the new validity. The
		// sweep catches join barriers whose last open branch this event
		// closed.
		fs, err := flowstate.Load(ctx, tx, f)
		if err != nil {
			return err
		}
		swept, err := e.sweepForward(ctx, tx, f, fs.Snapshot, &fs, now)
		if err != nil {
			return err
		}
		for _, a := range swept {
			events = append(events, hooks.NewNodeActivatedEvent(f.CompanyID, f.ID, a.NodeID, a.Iteration, now))
		}
		complete := kernel.FlowComplete(fs)
		switch {
		case f.Status == flow.StatusCompleted && !complete:
			if err := tx.Flows().SetStatus(ctx, f.ID, flow.StatusActive); err != nil {
				return err
			}
		case f.Status == flow.StatusActive && complete:
			if err := tx.Flows().SetStatus(ctx, f.ID, flow.StatusCompleted); err != nil {
				return err
			}
			events = append(events, hooks.NewFlowCompletedEvent(f.CompanyID, f.ID, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.drain(ctx, events)
	return out, nil
}
