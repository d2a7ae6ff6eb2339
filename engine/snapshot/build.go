package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/spec"
)

// Build freezes the workflow graph into a snapshot value. Nodes are ordered
// by name, tasks by (display order, name) and gates by (source, outcome,
// target) so the serialized form is reproducible. Transitive successors are
// computed per node by breadth-first search over the gates.
func Build(w *spec.Workflow) (Snapshot, error) {
	if w == nil {
		return Snapshot{}, flowerr.New(flowerr.CodeInternal, "snapshot: nil workflow")
	}

	snap := Snapshot{
		WorkflowID:       w.ID,
		Version:          w.Version,
		Name:             w.Name,
		IsNonTerminating: w.IsNonTerminating,
	}

	successors := successorSets(w.Nodes, w.Gates)

	nodes := make([]NodeSnapshot, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		ns := NodeSnapshot{
			ID:                   n.ID,
			Name:                 n.Name,
			IsEntry:              n.IsEntry,
			Kind:                 string(n.Kind),
			CompletionRule:       string(n.CompletionRule),
			SpecificTasks:        append([]string(nil), n.SpecificTaskIDs...),
			TransitiveSuccessors: successors[n.ID],
		}
		for _, t := range n.SortedTasks() {
			ns.Tasks = append(ns.Tasks, freezeTask(t))
		}
		nodes = append(nodes, ns)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	snap.Nodes = nodes

	gates := make([]GateSnapshot, 0, len(w.Gates))
	for _, g := range w.Gates {
		gs := GateSnapshot{SourceNodeID: g.SourceNodeID, OutcomeName: g.OutcomeName}
		if g.TargetNodeID != nil {
			id := *g.TargetNodeID
			gs.TargetNodeID = &id
		}
		gates = append(gates, gs)
	}
	sortGates(gates)
	snap.Gates = gates

	return snap, nil
}

func freezeTask(t spec.Task) TaskSnapshot {
	ts := TaskSnapshot{
		ID:               t.ID,
		Name:             t.Name,
		Instructions:     t.Instructions,
		DisplayOrder:     t.DisplayOrder,
		EvidenceRequired: t.EvidenceRequired,
		EvidenceSchema:   append(json.RawMessage(nil), t.EvidenceSchema...),
	}
	if t.DefaultSLAHours != nil {
		h := *t.DefaultSLAHours
		ts.DefaultSLAHours = &h
	}
	if t.Metadata.Scheduling != nil {
		ts.Metadata = &TaskMetadata{Scheduling: &SchedulingMeta{Enabled: t.Metadata.Scheduling.Enabled}}
	}
	for _, o := range t.Outcomes {
		ts.Outcomes = append(ts.Outcomes, OutcomeSnapshot{Name: o.Name})
	}
	for _, d := range t.CrossFlowDeps {
		ts.CrossFlowDeps = append(ts.CrossFlowDeps, CrossFlowDep{
			SourceWorkflowID: d.SourceWorkflowID,
			SourceTaskPath:   d.SourceTaskPath,
			RequiredOutcome:  d.RequiredOutcome,
		})
	}
	return ts
}

// successorSets computes, for every node, the sorted set of node IDs
// reachable from it via gates, excluding the node itself. Cycles are
// handled by the visited set.
func successorSets(nodes []spec.Node, gates []spec.Gate) map[string][]string {
	edges := make(map[string][]string, len(nodes))
	for _, g := range gates {
		if g.TargetNodeID != nil {
			edges[g.SourceNodeID] = append(edges[g.SourceNodeID], *g.TargetNodeID)
		}
	}

	out := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		visited := map[string]bool{}
		queue := append([]string(nil), edges[n.ID]...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if visited[cur] {
				continue
			}
			visited[cur] = true
			queue = append(queue, edges[cur]...)
		}
		delete(visited, n.ID)
		ids := make([]string, 0, len(visited))
		for id := range visited {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[n.ID] = ids
	}
	return out
}

func sortGates(gates []GateSnapshot) {
	sort.Slice(gates, func(i, j int) bool {
		a, b := gates[i], gates[j]
		if a.SourceNodeID != b.SourceNodeID {
			return a.SourceNodeID < b.SourceNodeID
		}
		if a.OutcomeName != b.OutcomeName {
			return a.OutcomeName < b.OutcomeName
		}
		return derefGate(a.TargetNodeID) < derefGate(b.TargetNodeID)
	})
}

func derefGate(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// Depths returns the shortest gate distance from any entry node to each
// reachable node. Entry nodes have depth zero. Gate routing treats a target
// whose depth does not exceed the source's as a loopback.
func Depths(s *Snapshot) map[string]int {
	edges := make(map[string][]string)
	for _, g := range s.Gates {
		if g.TargetNodeID != nil {
			edges[g.SourceNodeID] = append(edges[g.SourceNodeID], *g.TargetNodeID)
		}
	}

	depths := make(map[string]int, len(s.Nodes))
	var queue []string
	for _, n := range s.Nodes {
		if n.IsEntry {
			depths[n.ID] = 0
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if _, seen := depths[next]; seen {
				continue
			}
			depths[next] = depths[cur] + 1
			queue = append(queue, next)
		}
	}
	return depths
}

// CanonicalBytes serializes the snapshot to its canonical JSON form. Raw
// JSON fragments (evidence schemas) are re-encoded through a map so object
// keys come out sorted; combined with the canonical slice ordering
// established by Build, equal snapshots always produce equal bytes.
func CanonicalBytes(s *Snapshot) ([]byte, error) {
	cp := *s
	cp.Nodes = make([]NodeSnapshot, len(s.Nodes))
	for i, n := range s.Nodes {
		cp.Nodes[i] = n
		cp.Nodes[i].Tasks = make([]TaskSnapshot, len(n.Tasks))
		for j, t := range n.Tasks {
			cp.Nodes[i].Tasks[j] = t
			raw, err := canonicalRaw(t.EvidenceSchema)
			if err != nil {
				return nil, flowerr.Wrap(flowerr.CodeInternal, "snapshot: invalid evidence schema bytes", err)
			}
			cp.Nodes[i].Tasks[j].EvidenceSchema = raw
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&cp); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "snapshot: encode failed", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the hex SHA-256 of the canonical snapshot bytes. Stored as
// WorkflowVersion.ContentHash.
func Hash(s *Snapshot) (string, error) {
	b, err := CanonicalBytes(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalRaw re-encodes a raw JSON fragment so map keys are sorted. Nil
// and empty fragments pass through unchanged.
func canonicalRaw(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
