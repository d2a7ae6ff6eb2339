package exec

import (
	"context"
	"time"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/hooks"
	"flowspec.dev/flowspec/engine/instantiate"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/telemetry"
	"flowspec.dev/flowspec/engine/truth"
)

// runFanOut spawns the child flows of every rule matching the outcome into
// the parent's group, and provisions the group's job when the outcome belongs
// to the SALE_CLOSED family. A failure does not abort the transaction; it is
// returned as BlockedInfo and the caller flips the flow to BLOCKED.
func (e *Engine) runFanOut(ctx context.Context, tx store.Tx, f *flow.Flow, nodeID, outcome string, res *OutcomeResult, events *[]hooks.Event, now time.Time) (*BlockedInfo, error) {
	rules, err := tx.FanOutRules().ListBySource(ctx, f.WorkflowID, nodeID, outcome)
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		child, err := e.flows.CreateFlowTx(ctx, tx, instantiate.CreateFlowRequest{
			WorkflowID:  rule.TargetWorkflowID,
			FlowGroupID: f.GroupID,
		})
		if err != nil {
			e.log.Error(ctx, "fan-out failed",
				"flowId", f.ID, "ruleId", rule.ID, "targetWorkflowId", rule.TargetWorkflowID, "err", err)
			return &BlockedInfo{Code: flowerr.CodeOf(err), Reason: err.Error()}, nil
		}
		if child.Created {
			res.SpawnedFlowIDs = append(res.SpawnedFlowIDs, child.Flow.ID)
			*events = append(*events, child.Events...)
			e.metrics.IncCounter(telemetry.MetricFanOutsTriggered, 1)
		}
	}

	if fanout.IsSaleClosed(outcome) {
		jobID, err := e.provisionJob(ctx, tx, f, now)
		if err != nil {
			e.log.Error(ctx, "job provisioning failed", "flowId", f.ID, "err", err)
			return &BlockedInfo{Code: flowerr.CodeOf(err), Reason: err.Error()}, nil
		}
		res.JobID = jobID
	}
	return nil, nil
}

// provisionJob creates the group's job from the newest structured sale
// evidence. At most one job exists per group; re-entry returns the existing
// one. The evidence's customerId must match the group's anchor identity.
func (e *Engine) provisionJob(ctx context.Context, tx store.Tx, f *flow.Flow, now time.Time) (string, error) {
	existing, err := tx.Jobs().FindByGroup(ctx, f.GroupID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	customer, address, err := newestSaleIdentity(ctx, tx, f.ID)
	if err != nil {
		return "", err
	}
	if customer == "" {
		return "", flowerr.New(flowerr.CodeEvidenceRequired, "job provisioning requires structured evidence with customerId").
			WithDetail("flowId", f.ID)
	}

	anchor, err := e.anchorIdentity(ctx, tx, f)
	if err != nil {
		return "", err
	}
	if anchor != "" && anchor != customer {
		return "", flowerr.New(flowerr.CodeCustomerMismatch, "sale evidence names a different customer than the group anchor").
			WithDetail("anchorCustomerId", anchor).
			WithDetail("customerId", customer)
	}

	job := fanout.Job{
		ID:          e.idgen(),
		CompanyID:   f.CompanyID,
		FlowGroupID: f.GroupID,
		CustomerID:  customer,
		Address:     address,
		CreatedAt:   now,
	}
	if err := tx.Jobs().Insert(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// newestSaleIdentity scans the flow's structured evidence newest-first for a
// customerId, returning it with the accompanying serviceAddress.
func newestSaleIdentity(ctx context.Context, tx store.Tx, flowID string) (string, string, error) {
	rows, err := tx.Evidence().ListByFlow(ctx, flowID)
	if err != nil {
		return "", "", err
	}
	for i := len(rows) - 1; i >= 0; i-- {
		customer, address := saleIdentity(&rows[i])
		if customer != "" {
			return customer, address, nil
		}
	}
	return "", "", nil
}

// anchorIdentity returns the customerId asserted by the group's oldest
// structured evidence, scanning sibling flows in creation order. Empty when
// the group never recorded one.
func (e *Engine) anchorIdentity(ctx context.Context, tx store.Tx, f *flow.Flow) (string, error) {
	siblings, err := tx.Flows().ListByGroup(ctx, f.GroupID)
	if err != nil {
		return "", err
	}
	for _, sib := range siblings {
		rows, err := tx.Evidence().ListByFlow(ctx, sib.ID)
		if err != nil {
			return "", err
		}
		for i := range rows {
			if customer, _ := saleIdentity(&rows[i]); customer != "" {
				return customer, nil
			}
		}
	}
	return "", nil
}

func saleIdentity(att *truth.EvidenceAttachment) (string, string) {
	if att.Type != truth.EvidenceStructured {
		return "", ""
	}
	m := att.Data.StructuredContent()
	if m == nil {
		return "", ""
	}
	customer, _ := m["customerId"].(string)
	if customer == "" {
		return "", ""
	}
	address, _ := m["serviceAddress"].(string)
	return customer, address
}
