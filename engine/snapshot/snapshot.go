// Package snapshot freezes workflow graphs into immutable version values.
//
// A Snapshot is the value object persisted as a WorkflowVersion: the full
// graph shape plus precomputed reachability (transitive successors per node).
// Flows bind to a version, never to the editable graph, so snapshot bytes are
// written once and never rewritten.
//
// The package is pure: Build, Hydrate and Normalize take values and return
// values. Persistence of the result belongs to the caller.
package snapshot

import (
	"encoding/json"
	"time"
)

type (
	// Snapshot is the frozen value of a workflow graph at publish time.
	// Node, task and gate ordering is canonical (display order, then name)
	// so that serialized bytes are reproducible.
	Snapshot struct {
		// WorkflowID is the workflow this snapshot was taken from.
		WorkflowID string `json:"workflowId"`
		// Version is the workflow version this snapshot represents.
		Version int `json:"version"`
		// Name is the workflow name at publish time.
		Name string `json:"name"`
		// IsNonTerminating marks workflows whose flows never auto-complete.
		IsNonTerminating bool `json:"isNonTerminating"`
		// Nodes are the frozen graph vertices in canonical order.
		Nodes []NodeSnapshot `json:"nodes"`
		// Gates are the frozen outcome routes in canonical order.
		Gates []GateSnapshot `json:"gates"`
	}

	// NodeSnapshot is the frozen form of a node, embedding its tasks and
	// the precomputed set of transitively reachable successor nodes.
	NodeSnapshot struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		IsEntry        bool     `json:"isEntry"`
		Kind           string   `json:"nodeKind"`
		CompletionRule string   `json:"completionRule"`
		SpecificTasks  []string `json:"specificTasks,omitempty"`
		// TransitiveSuccessors is the set of node IDs reachable from this
		// node via gates, excluding the node itself, sorted.
		TransitiveSuccessors []string       `json:"transitiveSuccessors"`
		Tasks                []TaskSnapshot `json:"tasks"`
	}

	// TaskSnapshot is the frozen form of a task.
	TaskSnapshot struct {
		ID               string            `json:"id"`
		Name             string            `json:"name"`
		Instructions     string            `json:"instructions,omitempty"`
		DisplayOrder     int               `json:"displayOrder"`
		EvidenceRequired bool              `json:"evidenceRequired"`
		EvidenceSchema   json.RawMessage   `json:"evidenceSchema,omitempty"`
		DefaultSLAHours  *int              `json:"defaultSlaHours,omitempty"`
		Metadata         *TaskMetadata     `json:"metadata,omitempty"`
		Outcomes         []OutcomeSnapshot `json:"outcomes"`
		CrossFlowDeps    []CrossFlowDep    `json:"crossFlowDependencies,omitempty"`
	}

	// TaskMetadata is the frozen task metadata view.
	TaskMetadata struct {
		Scheduling *SchedulingMeta `json:"scheduling,omitempty"`
	}

	// SchedulingMeta configures the scheduling gate for a frozen task.
	SchedulingMeta struct {
		Enabled bool `json:"enabled"`
	}

	// OutcomeSnapshot names one result a frozen task can produce.
	OutcomeSnapshot struct {
		Name string `json:"name"`
	}

	// GateSnapshot routes one outcome of a source node. A nil target
	// terminates the branch.
	GateSnapshot struct {
		SourceNodeID string  `json:"sourceNodeId"`
		OutcomeName  string  `json:"outcomeName"`
		TargetNodeID *string `json:"targetNodeId"`
	}

	// CrossFlowDep gates a frozen task on a sibling flow's outcome.
	CrossFlowDep struct {
		SourceWorkflowID string `json:"sourceWorkflowId"`
		SourceTaskPath   string `json:"sourceTaskPath"`
		RequiredOutcome  string `json:"requiredOutcome"`
	}

	// Version is the persisted WorkflowVersion record: an identified,
	// tenant-scoped, content-hashed Snapshot. Once written it is immutable;
	// the store exposes no update path for it.
	Version struct {
		// ID uniquely identifies the version record.
		ID string
		// CompanyID scopes the version to a tenant.
		CompanyID string
		// WorkflowID is the workflow the version belongs to.
		WorkflowID string
		// Version is the integer version number, unique per workflow.
		Version int
		// ContentHash is the hex SHA-256 of the canonical snapshot bytes.
		ContentHash string
		// Snapshot is the frozen graph value.
		Snapshot Snapshot
		// CreatedAt records when the version was published.
		CreatedAt time.Time
		// CreatedBy records the publishing actor.
		CreatedBy string
	}
)

// Clone returns a deep copy of the snapshot value.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Nodes = make([]NodeSnapshot, len(s.Nodes))
	for i, n := range s.Nodes {
		cp.Nodes[i] = n
		cp.Nodes[i].SpecificTasks = append([]string(nil), n.SpecificTasks...)
		cp.Nodes[i].TransitiveSuccessors = append([]string(nil), n.TransitiveSuccessors...)
		cp.Nodes[i].Tasks = make([]TaskSnapshot, len(n.Tasks))
		for j, t := range n.Tasks {
			cp.Nodes[i].Tasks[j] = t
			cp.Nodes[i].Tasks[j].EvidenceSchema = append(json.RawMessage(nil), t.EvidenceSchema...)
			if t.DefaultSLAHours != nil {
				h := *t.DefaultSLAHours
				cp.Nodes[i].Tasks[j].DefaultSLAHours = &h
			}
			if t.Metadata != nil {
				m := TaskMetadata{}
				if t.Metadata.Scheduling != nil {
					sm := *t.Metadata.Scheduling
					m.Scheduling = &sm
				}
				cp.Nodes[i].Tasks[j].Metadata = &m
			}
			cp.Nodes[i].Tasks[j].Outcomes = append([]OutcomeSnapshot(nil), t.Outcomes...)
			cp.Nodes[i].Tasks[j].CrossFlowDeps = append([]CrossFlowDep(nil), t.CrossFlowDeps...)
		}
	}
	cp.Gates = make([]GateSnapshot, len(s.Gates))
	for i, g := range s.Gates {
		cp.Gates[i] = g
		if g.TargetNodeID != nil {
			id := *g.TargetNodeID
			cp.Gates[i].TargetNodeID = &id
		}
	}
	return cp
}

// Clone returns a deep copy of the version record.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	cp := *v
	cp.Snapshot = v.Snapshot.Clone()
	return &cp
}

// Node returns the node snapshot with the given ID, or nil.
func (s *Snapshot) Node(nodeID string) *NodeSnapshot {
	for i := range s.Nodes {
		if s.Nodes[i].ID == nodeID {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Task returns the task snapshot with the given ID along with its owning
// node, or (nil, nil) when absent.
func (s *Snapshot) Task(taskID string) (*NodeSnapshot, *TaskSnapshot) {
	for i := range s.Nodes {
		for j := range s.Nodes[i].Tasks {
			if s.Nodes[i].Tasks[j].ID == taskID {
				return &s.Nodes[i], &s.Nodes[i].Tasks[j]
			}
		}
	}
	return nil, nil
}

// TaskByPath resolves a "nodeName/taskName" path, the addressing scheme used
// by cross-flow dependencies. Returns (nil, nil) when the path does not
// resolve.
func (s *Snapshot) TaskByPath(path string) (*NodeSnapshot, *TaskSnapshot) {
	for i := range s.Nodes {
		n := &s.Nodes[i]
		for j := range n.Tasks {
			if n.Name+"/"+n.Tasks[j].Name == path {
				return n, &n.Tasks[j]
			}
		}
	}
	return nil, nil
}

// EntryNodes returns the entry nodes in canonical (stored) order.
func (s *Snapshot) EntryNodes() []NodeSnapshot {
	var entries []NodeSnapshot
	for _, n := range s.Nodes {
		if n.IsEntry {
			entries = append(entries, n)
		}
	}
	return entries
}

// GatesFrom returns the gates whose source is the given node and whose
// outcome matches.
func (s *Snapshot) GatesFrom(nodeID, outcomeName string) []GateSnapshot {
	var gates []GateSnapshot
	for _, g := range s.Gates {
		if g.SourceNodeID == nodeID && g.OutcomeName == outcomeName {
			gates = append(gates, g)
		}
	}
	return gates
}

// InboundGates returns the gates targeting the given node. Used for join
// barrier detection: a node with more than one inbound gate is a join.
func (s *Snapshot) InboundGates(nodeID string) []GateSnapshot {
	var gates []GateSnapshot
	for _, g := range s.Gates {
		if g.TargetNodeID != nil && *g.TargetNodeID == nodeID {
			gates = append(gates, g)
		}
	}
	return gates
}

// SchedulingEnabled reports whether the frozen task participates in the
// scheduling overlay.
func (t *TaskSnapshot) SchedulingEnabled() bool {
	return t.Metadata != nil && t.Metadata.Scheduling != nil && t.Metadata.Scheduling.Enabled
}

// HasOutcome reports whether the frozen task declares the named outcome.
func (t *TaskSnapshot) HasOutcome(name string) bool {
	for _, o := range t.Outcomes {
		if o.Name == name {
			return true
		}
	}
	return false
}
