// Package spec defines the editable workflow graph: a named, versioned
// directed graph of nodes, tasks, outcomes and gates, owned by a company.
//
// A workflow moves through Draft → Validated → Published (see the lifecycle
// package). Only Draft workflows are structurally mutable; publishing freezes
// the graph into an immutable snapshot (see the snapshot package) and live
// flows bind to that frozen version, never to the editable graph.
package spec

import (
	"encoding/json"
	"sort"
	"time"
)

type (
	// Workflow is the editable specification graph. Nodes and Gates are
	// fully materialized on the aggregate; the persistence layer stores and
	// loads the whole value.
	Workflow struct {
		// ID uniquely identifies the workflow.
		ID string `json:"id"`
		// CompanyID scopes the workflow to a tenant.
		CompanyID string `json:"companyId"`
		// Name is the human-readable workflow name.
		Name string `json:"name"`
		// Status is the lifecycle state (Draft, Validated, Published).
		Status Status `json:"status"`
		// Version is the current integer version. Publishing bumps it.
		Version int `json:"version"`
		// IsNonTerminating marks workflows whose flows never auto-complete.
		IsNonTerminating bool `json:"isNonTerminating"`
		// Nodes are the graph vertices, each holding its tasks.
		Nodes []Node `json:"nodes"`
		// Gates route task outcomes to successor nodes.
		Gates []Gate `json:"gates"`
		// PublishedAt records the most recent publish time, if any.
		PublishedAt *time.Time `json:"publishedAt,omitempty"`
		// PublishedBy records the actor of the most recent publish.
		PublishedBy string `json:"publishedBy,omitempty"`
		// CreatedAt records creation time.
		CreatedAt time.Time `json:"createdAt"`
		// UpdatedAt records the last mutation time.
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Node is a graph vertex grouping related tasks. A node completes
	// according to its CompletionRule over the task outcomes of the current
	// iteration.
	Node struct {
		// ID uniquely identifies the node.
		ID string `json:"id"`
		// WorkflowID is the owning workflow.
		WorkflowID string `json:"workflowId"`
		// Name is the node display name.
		Name string `json:"name"`
		// IsEntry marks nodes activated at flow creation.
		IsEntry bool `json:"isEntry"`
		// Kind distinguishes mainline nodes from detour (compensation) nodes.
		Kind NodeKind `json:"nodeKind"`
		// CompletionRule decides when the node counts as complete.
		CompletionRule CompletionRule `json:"completionRule"`
		// SpecificTaskIDs lists the tasks the SPECIFIC_TASKS_DONE rule
		// requires. Ignored by the other rules.
		SpecificTaskIDs []string `json:"specificTasks,omitempty"`
		// Tasks are the units of work in this node.
		Tasks []Task `json:"tasks"`
	}

	// Task is a unit of work with named outcomes. Outcomes are routed by
	// gates declared on the owning workflow.
	Task struct {
		// ID uniquely identifies the task.
		ID string `json:"id"`
		// NodeID is the owning node.
		NodeID string `json:"nodeId"`
		// Name is the task display name.
		Name string `json:"name"`
		// Instructions optionally describes how to perform the task.
		Instructions string `json:"instructions,omitempty"`
		// DisplayOrder orders tasks within their node.
		DisplayOrder int `json:"displayOrder"`
		// EvidenceRequired gates outcome recording on at least one
		// evidence attachment.
		EvidenceRequired bool `json:"evidenceRequired"`
		// EvidenceSchema is an optional JSON schema that structured
		// evidence must satisfy. Required when EvidenceRequired is set.
		EvidenceSchema json.RawMessage `json:"evidenceSchema,omitempty"`
		// DefaultSLAHours is the default SLA used for due-date signals
		// when no policy override applies. Nil means no SLA.
		DefaultSLAHours *int `json:"defaultSlaHours,omitempty"`
		// Metadata carries open task metadata alongside typed views.
		Metadata TaskMetadata `json:"metadata,omitempty"`
		// Outcomes are the named results a worker may record.
		Outcomes []Outcome `json:"outcomes"`
		// CrossFlowDeps gate this task on outcomes recorded in sibling
		// flows of the same flow group.
		CrossFlowDeps []CrossFlowDependency `json:"crossFlowDependencies,omitempty"`
	}

	// TaskMetadata carries optional typed task metadata. Raw preserves the
	// full metadata object verbatim so unknown keys survive round-trips.
	TaskMetadata struct {
		// Scheduling enables the scheduling gate on outcome recording.
		Scheduling *SchedulingMeta `json:"scheduling,omitempty"`
		// Raw is the original metadata object, if any.
		Raw json.RawMessage `json:"-"`
	}

	// SchedulingMeta configures scheduling behavior for a task.
	SchedulingMeta struct {
		// Enabled requires outcome metadata to carry a valid schedule
		// payload and triggers schedule-block commits.
		Enabled bool `json:"enabled"`
	}

	// Outcome names one result a task can produce.
	Outcome struct {
		// Name is the outcome identifier, unique within its task.
		Name string `json:"name"`
	}

	// Gate routes one outcome of a source node to a successor node. A nil
	// TargetNodeID terminates that branch.
	Gate struct {
		// SourceNodeID is the node whose task outcome triggers the gate.
		SourceNodeID string `json:"sourceNodeId"`
		// OutcomeName is the outcome that triggers the gate.
		OutcomeName string `json:"outcomeName"`
		// TargetNodeID is the successor node, or nil for terminal.
		TargetNodeID *string `json:"targetNodeId"`
	}

	// CrossFlowDependency gates a task on an outcome recorded by a sibling
	// flow in the same flow group.
	CrossFlowDependency struct {
		// SourceWorkflowID identifies the sibling flow's workflow.
		SourceWorkflowID string `json:"sourceWorkflowId"`
		// SourceTaskPath identifies the task in the sibling workflow,
		// as "nodeName/taskName".
		SourceTaskPath string `json:"sourceTaskPath"`
		// RequiredOutcome is the outcome the sibling task must have.
		RequiredOutcome string `json:"requiredOutcome"`
	}

	// Status is the workflow lifecycle state.
	Status string

	// NodeKind distinguishes mainline nodes from detour nodes.
	NodeKind string

	// CompletionRule decides when a node counts as complete.
	CompletionRule string
)

const (
	// StatusDraft marks an editable workflow.
	StatusDraft Status = "DRAFT"
	// StatusValidated marks a draft that passed validation unchanged.
	StatusValidated Status = "VALIDATED"
	// StatusPublished marks a workflow with a frozen current version.
	StatusPublished Status = "PUBLISHED"
)

const (
	// NodeMainline is a regular node on the main execution path.
	NodeMainline NodeKind = "MAINLINE"
	// NodeDetour is a compensation node entered via a detour.
	NodeDetour NodeKind = "DETOUR"
)

const (
	// AllTasksDone completes the node when every task has a valid outcome.
	AllTasksDone CompletionRule = "ALL_TASKS_DONE"
	// AnyTaskDone completes the node when at least one task has a valid
	// outcome.
	AnyTaskDone CompletionRule = "ANY_TASK_DONE"
	// SpecificTasksDone completes the node when every task listed in
	// SpecificTaskIDs has a valid outcome.
	SpecificTasksDone CompletionRule = "SPECIFIC_TASKS_DONE"
)

// Editable reports whether the workflow graph may be structurally mutated.
// Only drafts are editable; validated workflows must transition back to
// Draft first.
func (s Status) Editable() bool { return s == StatusDraft }

// Node returns the node with the given ID, or nil.
func (w *Workflow) Node(nodeID string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == nodeID {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Task returns the task with the given ID along with its owning node, or
// (nil, nil) when absent.
func (w *Workflow) Task(taskID string) (*Node, *Task) {
	for i := range w.Nodes {
		for j := range w.Nodes[i].Tasks {
			if w.Nodes[i].Tasks[j].ID == taskID {
				return &w.Nodes[i], &w.Nodes[i].Tasks[j]
			}
		}
	}
	return nil, nil
}

// EntryNodes returns the entry nodes sorted by name. The order is the
// deterministic tie-break used to locate the anchor task when several entry
// nodes exist.
func (w *Workflow) EntryNodes() []Node {
	var entries []Node
	for _, n := range w.Nodes {
		if n.IsEntry {
			entries = append(entries, n)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// AnchorTask returns the anchor task: the first task (by display order, then
// name) of the first entry node (by name). Returns (nil, nil) when the
// workflow has no entry node with tasks.
func (w *Workflow) AnchorTask() (*Node, *Task) {
	for _, entry := range w.EntryNodes() {
		node := w.Node(entry.ID)
		if node == nil || len(node.Tasks) == 0 {
			continue
		}
		tasks := node.SortedTasks()
		return node, w.taskByID(node, tasks[0].ID)
	}
	return nil, nil
}

func (w *Workflow) taskByID(n *Node, taskID string) *Task {
	for i := range n.Tasks {
		if n.Tasks[i].ID == taskID {
			return &n.Tasks[i]
		}
	}
	return nil
}

// GatesFrom returns the gates whose source is the given node, filtered to the
// given outcome name.
func (w *Workflow) GatesFrom(nodeID, outcomeName string) []Gate {
	var gates []Gate
	for _, g := range w.Gates {
		if g.SourceNodeID == nodeID && g.OutcomeName == outcomeName {
			gates = append(gates, g)
		}
	}
	return gates
}

// SortedTasks returns the node's tasks ordered by display order, then name.
// The receiver is not modified.
func (n *Node) SortedTasks() []Task {
	tasks := make([]Task, len(n.Tasks))
	copy(tasks, n.Tasks)
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DisplayOrder != tasks[j].DisplayOrder {
			return tasks[i].DisplayOrder < tasks[j].DisplayOrder
		}
		return tasks[i].Name < tasks[j].Name
	})
	return tasks
}

// HasOutcome reports whether the task declares the named outcome.
func (t *Task) HasOutcome(name string) bool {
	for _, o := range t.Outcomes {
		if o.Name == name {
			return true
		}
	}
	return false
}

// SchedulingEnabled reports whether the task participates in the scheduling
// overlay.
func (t *Task) SchedulingEnabled() bool {
	return t.Metadata.Scheduling != nil && t.Metadata.Scheduling.Enabled
}

// Clone returns a deep copy of the workflow. Stores use it to hand out
// values callers may mutate freely.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	if w.PublishedAt != nil {
		t := *w.PublishedAt
		cp.PublishedAt = &t
	}
	cp.Nodes = make([]Node, len(w.Nodes))
	for i := range w.Nodes {
		cp.Nodes[i] = w.Nodes[i].clone()
	}
	cp.Gates = make([]Gate, len(w.Gates))
	for i, g := range w.Gates {
		cp.Gates[i] = g
		if g.TargetNodeID != nil {
			id := *g.TargetNodeID
			cp.Gates[i].TargetNodeID = &id
		}
	}
	return &cp
}

func (n Node) clone() Node {
	cp := n
	cp.SpecificTaskIDs = append([]string(nil), n.SpecificTaskIDs...)
	cp.Tasks = make([]Task, len(n.Tasks))
	for i := range n.Tasks {
		cp.Tasks[i] = n.Tasks[i].clone()
	}
	return cp
}

func (t Task) clone() Task {
	cp := t
	cp.EvidenceSchema = append(json.RawMessage(nil), t.EvidenceSchema...)
	if t.DefaultSLAHours != nil {
		h := *t.DefaultSLAHours
		cp.DefaultSLAHours = &h
	}
	if t.Metadata.Scheduling != nil {
		s := *t.Metadata.Scheduling
		cp.Metadata.Scheduling = &s
	}
	cp.Metadata.Raw = append(json.RawMessage(nil), t.Metadata.Raw...)
	cp.Outcomes = append([]Outcome(nil), t.Outcomes...)
	cp.CrossFlowDeps = append([]CrossFlowDependency(nil), t.CrossFlowDeps...)
	return cp
}
