// Package fanout defines fan-out rules, which spawn child flows when a
// trigger outcome is recorded, and the job records provisioned from sale
// evidence.
package fanout

import (
	"strings"
	"time"
)

type (
	// Rule spawns a child flow of TargetWorkflowID in the same flow group
	// when TriggerOutcome is recorded on a task of SourceNodeID.
	Rule struct {
		// ID uniquely identifies the rule.
		ID string
		// CompanyID scopes the rule to a tenant.
		CompanyID string
		// WorkflowID is the workflow the rule listens on.
		WorkflowID string
		// SourceNodeID is the node whose task outcomes trigger the rule.
		SourceNodeID string
		// TriggerOutcome is the outcome name that fires the rule.
		TriggerOutcome string
		// TargetWorkflowID is the workflow instantiated into the group.
		TargetWorkflowID string
	}

	// Job is the provisioned work order for a flow group. At most one job
	// exists per group; the unique key makes provisioning idempotent.
	Job struct {
		// ID uniquely identifies the job.
		ID string
		// CompanyID scopes the job to a tenant.
		CompanyID string
		// FlowGroupID is the provisioned group, unique per job.
		FlowGroupID string
		// CustomerID is the customer from the sale evidence, verified
		// against the group's anchor identity.
		CustomerID string
		// Address is the service address from the sale evidence.
		Address string
		// CreatedAt records provisioning time.
		CreatedAt time.Time
	}
)

// saleClosedPrefix marks the outcome family that triggers job provisioning
// in addition to any fan-out rules.
const saleClosedPrefix = "SALE_CLOSED"

// IsSaleClosed reports whether the outcome belongs to the SALE_CLOSED family
// (the exact name or a suffixed variant such as SALE_CLOSED_UPGRADE).
func IsSaleClosed(outcome string) bool {
	return outcome == saleClosedPrefix || strings.HasPrefix(outcome, saleClosedPrefix+"_")
}
