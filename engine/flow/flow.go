// Package flow defines execution scopes and live workflow instances, and the
// service that instantiates published workflows into them.
//
// A Group is the execution scope (a job, an opportunity) that sibling flows
// share; a Flow is one instance of a workflow permanently bound to the
// frozen version that was current when the flow was created.
package flow

import (
	"bytes"
	"encoding/json"
	"time"

	"flowspec.dev/flowspec/engine/flowerr"
)

type (
	// Group is an execution scope containing sibling flows. Groups are
	// upserted by (CompanyID, ScopeType, ScopeID); repeated instantiation
	// under the same scope reuses the existing group.
	Group struct {
		// ID uniquely identifies the group.
		ID string
		// CompanyID scopes the group to a tenant.
		CompanyID string
		// ScopeType classifies the scope (job, opportunity, ...).
		ScopeType string
		// ScopeID identifies the scoped entity.
		ScopeID string
		// CreatedAt records creation time.
		CreatedAt time.Time
	}

	// Flow is one live instance of a workflow. VersionID is permanently
	// bound: no path rebinds a flow to a different version.
	Flow struct {
		// ID uniquely identifies the flow.
		ID string
		// CompanyID scopes the flow to a tenant.
		CompanyID string
		// GroupID is the owning execution scope.
		GroupID string
		// WorkflowID is the workflow this flow instantiates.
		WorkflowID string
		// VersionID is the bound WorkflowVersion.
		VersionID string
		// Status is the flow lifecycle state.
		Status Status
		// CreatedAt records creation time.
		CreatedAt time.Time
	}

	// Assignment attaches an assignee to a task within a flow. Assignments
	// are pure enrichment: they never affect which tasks are actionable
	// nor their order.
	Assignment struct {
		// ID uniquely identifies the assignment.
		ID string
		// CompanyID scopes the assignment to a tenant.
		CompanyID string
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the assigned task (snapshot task ID).
		TaskID string
		// Assignee is who the task is assigned to.
		Assignee Assignee
		// CreatedAt records creation time.
		CreatedAt time.Time
	}

	// Assignee is the person-or-external union. Exactly one branch is
	// populated, selected by Kind.
	Assignee struct {
		// Kind discriminates the union.
		Kind AssigneeKind `json:"kind"`
		// MemberID identifies a company member (person assignments).
		MemberID string `json:"memberId,omitempty"`
		// Name is the display name for external assignments.
		Name string `json:"name,omitempty"`
		// Email is the contact address for external assignments.
		Email string `json:"email,omitempty"`
	}

	// Status is the flow lifecycle state.
	Status string

	// AssigneeKind discriminates assignee variants.
	AssigneeKind string
)

const (
	// StatusActive marks a flow accepting work.
	StatusActive Status = "ACTIVE"
	// StatusCompleted marks a flow whose reachable work is done.
	StatusCompleted Status = "COMPLETED"
	// StatusBlocked marks a flow halted by a provisioning failure; an
	// operator-driven recovery path flips it back.
	StatusBlocked Status = "BLOCKED"
)

const (
	// AssigneePerson assigns a company member.
	AssigneePerson AssigneeKind = "person"
	// AssigneeExternal assigns a named external party.
	AssigneeExternal AssigneeKind = "external"
)

// ParseAssignee decodes an assignee union strictly: the kind must be known,
// unknown keys are rejected, and the branch fields the kind requires must be
// present.
func ParseAssignee(raw json.RawMessage) (Assignee, error) {
	var a Assignee
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return Assignee{}, flowerr.Wrap(flowerr.CodeValidationFailed, "assignment: malformed assignee", err)
	}
	switch a.Kind {
	case AssigneePerson:
		if a.MemberID == "" || a.Name != "" || a.Email != "" {
			return Assignee{}, flowerr.New(flowerr.CodeValidationFailed, "assignment: person assignee requires memberId only")
		}
	case AssigneeExternal:
		if a.Name == "" || a.MemberID != "" {
			return Assignee{}, flowerr.New(flowerr.CodeValidationFailed, "assignment: external assignee requires name")
		}
	default:
		return Assignee{}, flowerr.New(flowerr.CodeValidationFailed, "assignment: unknown assignee kind").
			WithDetail("kind", string(a.Kind))
	}
	return a, nil
}
