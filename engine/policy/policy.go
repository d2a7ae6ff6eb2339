// Package policy defines the per-flow-group policy layer: priority, group
// due dates and per-task SLA overrides, plus the signal computation derived
// from them.
//
// Policies influence signals only. They never change workflow structure,
// which tasks are actionable, or the canonical ordering of the actionable
// set. The package is pure; callers load the policy row and pass it in.
package policy

import (
	"time"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/snapshot"
)

type (
	// GroupPolicy is the policy row for one flow group. At most one row
	// exists per group.
	GroupPolicy struct {
		// ID uniquely identifies the policy row.
		ID string
		// CompanyID scopes the policy to a tenant.
		CompanyID string
		// FlowGroupID is the scoped flow group, unique per policy.
		FlowGroupID string
		// JobPriority is the group-wide priority signal.
		JobPriority Priority
		// GroupDueAt optionally caps every task due date in the group.
		GroupDueAt *time.Time
		// TaskOverrides replace task default SLAs.
		TaskOverrides []TaskOverride
	}

	// TaskOverride replaces one task's default SLA.
	TaskOverride struct {
		// TaskID is the snapshot task the override applies to.
		TaskID string
		// SLAHours replaces the task's default SLA. A nil value is no
		// override; the task default stays in force.
		SLAHours *int
	}

	// TaskSignals is the derived signal set for one actionable task.
	// Signals are read-only enrichment.
	TaskSignals struct {
		// EffectiveSLAHours is the SLA in force: override, else task
		// default, else nil.
		EffectiveSLAHours *int
		// EffectiveDueAt is activation time plus the effective SLA,
		// capped by the group due date when that is earlier. Nil when no
		// SLA applies and no group due date is set.
		EffectiveDueAt *time.Time
		// IsOverdue reports the due date has passed.
		IsOverdue bool
		// IsDueSoon reports the due date is within the next 24 hours.
		IsDueSoon bool
		// JobPriority is the group priority, NORMAL when no policy exists.
		JobPriority Priority
	}

	// Priority grades flow-group urgency.
	Priority string
)

const (
	// PriorityLow marks background work.
	PriorityLow Priority = "LOW"
	// PriorityNormal is the default priority.
	PriorityNormal Priority = "NORMAL"
	// PriorityHigh marks expedited work.
	PriorityHigh Priority = "HIGH"
	// PriorityUrgent marks drop-everything work.
	PriorityUrgent Priority = "URGENT"
)

// dueSoonWindow is how far ahead of the due date a task reports due-soon.
const dueSoonWindow = 24 * time.Hour

// ValidPriority reports whether the value is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Validate checks a policy against the snapshot its group's flows are bound
// to: the priority must be a known value and every override must reference a
// task that exists in the snapshot.
func Validate(p *GroupPolicy, snap *snapshot.Snapshot) error {
	if p == nil {
		return nil
	}
	if p.JobPriority != "" && !ValidPriority(p.JobPriority) {
		return flowerr.New(flowerr.CodeInvalidJobPriority, "policy: unknown job priority").
			WithDetail("jobPriority", string(p.JobPriority))
	}
	for _, o := range p.TaskOverrides {
		if _, task := snap.Task(o.TaskID); task == nil {
			return flowerr.New(flowerr.CodeInvalidTaskOverrides, "policy: override references unknown task").
				WithDetail("taskId", o.TaskID)
		}
	}
	return nil
}

// Override returns the SLA override for the task, or nil when none applies.
func (p *GroupPolicy) Override(taskID string) *TaskOverride {
	if p == nil {
		return nil
	}
	for i := range p.TaskOverrides {
		if p.TaskOverrides[i].TaskID == taskID {
			return &p.TaskOverrides[i]
		}
	}
	return nil
}

// Signals computes the derived signals for one task. The policy may be nil,
// in which case task defaults and NORMAL priority apply. Precedence for the
// SLA is override, then task default, then none.
func Signals(p *GroupPolicy, task *snapshot.TaskSnapshot, activatedAt, asOf time.Time) TaskSignals {
	s := TaskSignals{JobPriority: PriorityNormal}
	if p != nil && p.JobPriority != "" {
		s.JobPriority = p.JobPriority
	}

	if o := p.Override(task.ID); o != nil && o.SLAHours != nil {
		h := *o.SLAHours
		s.EffectiveSLAHours = &h
	} else if task.DefaultSLAHours != nil {
		h := *task.DefaultSLAHours
		s.EffectiveSLAHours = &h
	}

	if s.EffectiveSLAHours != nil {
		due := activatedAt.Add(time.Duration(*s.EffectiveSLAHours) * time.Hour)
		s.EffectiveDueAt = &due
	}
	if p != nil && p.GroupDueAt != nil {
		if s.EffectiveDueAt == nil || p.GroupDueAt.Before(*s.EffectiveDueAt) {
			due := *p.GroupDueAt
			s.EffectiveDueAt = &due
		}
	}

	if s.EffectiveDueAt != nil {
		remaining := s.EffectiveDueAt.Sub(asOf)
		s.IsOverdue = remaining < 0
		s.IsDueSoon = remaining > 0 && remaining <= dueSoonWindow
	}
	return s
}
