// Package validate checks workflow graphs before publish and analyzes the
// impact of a draft on live flows.
//
// Graph validation is pure: it takes the editable graph and returns a list of
// issues with stable codes and paths. Impact analysis reads flows through a
// read-only store view and never mutates anything.
package validate

import (
	"fmt"

	"flowspec.dev/flowspec/engine/evidence"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/spec"
)

type (
	// Issue is one validation finding. Code is stable across releases;
	// Path locates the offending element as node/task/outcome names.
	Issue struct {
		// Code is the stable issue class.
		Code string `json:"code"`
		// Path locates the offending element.
		Path string `json:"path"`
		// Message is the human-readable explanation.
		Message string `json:"message"`
	}
)

// Issue codes produced by Graph.
const (
	NoEntryNode           = "NO_ENTRY_NODE"
	UnreachableNode       = "UNREACHABLE_NODE"
	OrphanedOutcome       = "ORPHANED_OUTCOME"
	DuplicateOutcomeName  = "DUPLICATE_OUTCOME_NAME"
	MissingEvidenceSchema = "MISSING_EVIDENCE_SCHEMA"
	InvalidEvidenceSchema = "INVALID_EVIDENCE_SCHEMA"
	InvalidGateTarget     = "INVALID_GATE_TARGET"
	SelfLoopWithoutExit   = "SELF_LOOP_WITHOUT_EXIT"
	TaskNameClash         = "TASK_NAME_CLASH"
	NodeNameClash         = "NODE_NAME_CLASH"
	InvalidSpecificTask   = "INVALID_SPECIFIC_TASK"
)

// Graph validates the workflow graph and returns every issue found. An empty
// result means the graph may be published.
func Graph(w *spec.Workflow) []Issue {
	var issues []Issue
	add := func(code, path, format string, args ...any) {
		issues = append(issues, Issue{Code: code, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	nodes := map[string]*spec.Node{}
	nodeNames := map[string]bool{}
	entries := 0
	for i := range w.Nodes {
		n := &w.Nodes[i]
		nodes[n.ID] = n
		if nodeNames[n.Name] {
			add(NodeNameClash, n.Name, "node name %q is used more than once", n.Name)
		}
		nodeNames[n.Name] = true
		if n.IsEntry {
			entries++
		}
	}
	if entries == 0 {
		add(NoEntryNode, w.Name, "workflow has no entry node")
	}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		taskNames := map[string]bool{}
		taskIDs := map[string]bool{}
		for j := range n.Tasks {
			t := &n.Tasks[j]
			taskIDs[t.ID] = true
			path := n.Name + "/" + t.Name
			if taskNames[t.Name] {
				add(TaskNameClash, path, "task name %q is used more than once in node %q", t.Name, n.Name)
			}
			taskNames[t.Name] = true

			seen := map[string]bool{}
			for _, o := range t.Outcomes {
				if seen[o.Name] {
					add(DuplicateOutcomeName, path+"/"+o.Name, "outcome %q declared more than once", o.Name)
					continue
				}
				seen[o.Name] = true
				if len(w.GatesFrom(n.ID, o.Name)) == 0 {
					add(OrphanedOutcome, path+"/"+o.Name, "outcome %q has no gate", o.Name)
				}
			}

			if t.EvidenceRequired && len(t.EvidenceSchema) == 0 {
				add(MissingEvidenceSchema, path, "task requires evidence but declares no schema")
			}
			if len(t.EvidenceSchema) > 0 {
				if _, err := evidence.Compile(t.EvidenceSchema); err != nil {
					add(InvalidEvidenceSchema, path, "evidence schema does not compile: %v", err)
				}
			}
		}
		if n.CompletionRule == spec.SpecificTasksDone {
			for _, id := range n.SpecificTaskIDs {
				if !taskIDs[id] {
					add(InvalidSpecificTask, n.Name, "specific task %q does not belong to node %q", id, n.Name)
				}
			}
		}
	}

	for _, g := range w.Gates {
		src, ok := nodes[g.SourceNodeID]
		if !ok {
			add(InvalidGateTarget, g.SourceNodeID, "gate source node does not exist")
			continue
		}
		if g.TargetNodeID != nil {
			if _, ok := nodes[*g.TargetNodeID]; !ok {
				add(InvalidGateTarget, src.Name+"/"+g.OutcomeName, "gate target node %q does not exist", *g.TargetNodeID)
			}
		}
		if !outcomeDeclared(src, g.OutcomeName) {
			add(InvalidGateTarget, src.Name+"/"+g.OutcomeName, "gate outcome %q is not declared by any task of node %q", g.OutcomeName, src.Name)
		}
	}

	issues = append(issues, reachability(w)...)
	issues = append(issues, selfLoops(w)...)
	return issues
}

// CheckGraph runs Graph and converts a non-empty issue list into a
// VALIDATION_FAILED error carrying the issues as details.
func CheckGraph(w *spec.Workflow) error {
	issues := Graph(w)
	if len(issues) == 0 {
		return nil
	}
	return flowerr.New(flowerr.CodeValidationFailed, "workflow graph failed validation").
		WithDetail("issues", issues)
}

func outcomeDeclared(n *spec.Node, name string) bool {
	for i := range n.Tasks {
		if n.Tasks[i].HasOutcome(name) {
			return true
		}
	}
	return false
}

func reachability(w *spec.Workflow) []Issue {
	edges := map[string][]string{}
	for _, g := range w.Gates {
		if g.TargetNodeID != nil {
			edges[g.SourceNodeID] = append(edges[g.SourceNodeID], *g.TargetNodeID)
		}
	}
	reached := map[string]bool{}
	var queue []string
	for _, n := range w.Nodes {
		if n.IsEntry {
			reached[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	var issues []Issue
	for _, n := range w.Nodes {
		if !reached[n.ID] {
			issues = append(issues, Issue{
				Code:    UnreachableNode,
				Path:    n.Name,
				Message: fmt.Sprintf("node %q is not reachable from any entry node", n.Name),
			})
		}
	}
	return issues
}

// selfLoops flags nodes whose every gate loops back onto the node itself: a
// flow entering such a node can never leave it.
func selfLoops(w *spec.Workflow) []Issue {
	var issues []Issue
	for _, n := range w.Nodes {
		self, exit := false, false
		for _, g := range w.Gates {
			if g.SourceNodeID != n.ID {
				continue
			}
			if g.TargetNodeID != nil && *g.TargetNodeID == n.ID {
				self = true
			} else {
				exit = true
			}
		}
		if self && !exit {
			issues = append(issues, Issue{
				Code:    SelfLoopWithoutExit,
				Path:    n.Name,
				Message: fmt.Sprintf("node %q loops onto itself with no exit gate", n.Name),
			})
		}
	}
	return issues
}
