// Package recommend derives next-step recommendations for actionable tasks.
//
// Recommendations are pure enrichment computed from the actionable entry and
// its signals; they never change which tasks are actionable or their order.
package recommend

import (
	"fmt"

	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/policy"
)

type (
	// Recommendation is one suggested next step for a task.
	Recommendation struct {
		// Action is the stable action identifier clients route on.
		Action Action
		// Severity grades how urgent the recommendation is.
		Severity Severity
		// Message is the human-readable suggestion.
		Message string
		// TargetID identifies the entity the action opens, when relevant.
		TargetID string
	}

	// Action identifies what a recommendation suggests opening.
	Action string

	// Severity grades a recommendation.
	Severity string

	// Context is the data recommendations are derived from, gathered by the
	// query layer.
	Context struct {
		// Task is the actionable entry.
		Task kernel.ActionableTask
		// Signals are the task's policy signals.
		Signals policy.TaskSignals
		// JobID is the group's provisioned job, empty when none exists.
		JobID string
		// CustomerID is the group's anchor customer, empty when unknown.
		CustomerID string
	}
)

const (
	// ActionOpenTask suggests opening the task to supply what it is missing.
	ActionOpenTask Action = "open_task"
	// ActionOpenJob suggests opening the group's job.
	ActionOpenJob Action = "open_job"
	// ActionOpenCustomer suggests opening the customer record.
	ActionOpenCustomer Action = "open_customer"
	// ActionOpenSettings suggests reviewing the group's policy settings.
	ActionOpenSettings Action = "open_settings"
)

const (
	// SeverityInfo marks a contextual pointer.
	SeverityInfo Severity = "info"
	// SeverityWarn marks a recommendation the user should act on soon.
	SeverityWarn Severity = "warn"
	// SeverityBlock marks a recommendation gating the task's outcome.
	SeverityBlock Severity = "block"
)

// maxRecommendations caps the list per task.
const maxRecommendations = 4

// ForTask derives the recommendation list for one actionable task, deduped by
// action and capped. Order is fixed: the evidence gate first because it blocks
// the outcome, then contextual pointers, then the overdue warning.
func ForTask(c Context) []Recommendation {
	var out []Recommendation
	seen := map[Action]bool{}
	add := func(r Recommendation) {
		if len(out) >= maxRecommendations || seen[r.Action] {
			return
		}
		seen[r.Action] = true
		out = append(out, r)
	}

	if c.Task.EvidenceRequired && !c.Task.HasEvidence {
		add(Recommendation{
			Action:   ActionOpenTask,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("%q requires evidence before its outcome can be recorded", c.Task.TaskName),
			TargetID: c.Task.TaskID,
		})
	}
	if c.JobID != "" {
		add(Recommendation{
			Action:   ActionOpenJob,
			Severity: SeverityInfo,
			Message:  "review the provisioned job for this group",
			TargetID: c.JobID,
		})
	}
	if c.CustomerID != "" {
		add(Recommendation{
			Action:   ActionOpenCustomer,
			Severity: SeverityInfo,
			Message:  "review the customer record tied to this group",
			TargetID: c.CustomerID,
		})
	}
	if c.Signals.IsOverdue {
		add(Recommendation{
			Action:   ActionOpenSettings,
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("%q is past its due date; review the group's SLA settings", c.Task.TaskName),
		})
	}
	return out
}
