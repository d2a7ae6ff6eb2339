package snapshot

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/spec"
)

type (
	// HydrateOpts parameterizes Hydrate. IDGen and Now are injectable for
	// deterministic tests; both have sensible defaults.
	HydrateOpts struct {
		// CompanyID is the tenant the rebuilt draft belongs to.
		CompanyID string
		// Version is the version number assigned to the rebuilt draft.
		Version int
		// Name optionally overrides the snapshot name.
		Name string
		// IDGen mints entity IDs. Defaults to uuid.NewString.
		IDGen func() string
		// Now stamps creation times. Defaults to time.Now().UTC.
		Now func() time.Time
	}

	// HydrateResult is the outcome of rebuilding a snapshot into an
	// editable draft. The ID maps translate snapshot IDs to the fresh IDs
	// minted for the draft.
	HydrateResult struct {
		// Workflow is the rebuilt editable graph in Draft status. The
		// caller persists it.
		Workflow *spec.Workflow
		// NodeIDs maps snapshot node IDs to draft node IDs.
		NodeIDs map[string]string
		// TaskIDs maps snapshot task IDs to draft task IDs.
		TaskIDs map[string]string
	}
)

// Hydrate rebuilds the relational draft form of a snapshot with freshly
// minted IDs. Gates and specific-task lists are remapped through the new
// IDs. The function is pure; persisting the returned workflow is the
// caller's job.
func Hydrate(s Snapshot, opts HydrateOpts) (HydrateResult, error) {
	idgen := opts.IDGen
	if idgen == nil {
		idgen = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	name := opts.Name
	if name == "" {
		name = s.Name
	}

	w := &spec.Workflow{
		ID:               idgen(),
		CompanyID:        opts.CompanyID,
		Name:             name,
		Status:           spec.StatusDraft,
		Version:          opts.Version,
		IsNonTerminating: s.IsNonTerminating,
		CreatedAt:        now(),
		UpdatedAt:        now(),
	}

	nodeIDs := make(map[string]string, len(s.Nodes))
	taskIDs := make(map[string]string)
	for _, n := range s.Nodes {
		nodeIDs[n.ID] = idgen()
		for _, t := range n.Tasks {
			taskIDs[t.ID] = idgen()
		}
	}

	for _, n := range s.Nodes {
		node := spec.Node{
			ID:             nodeIDs[n.ID],
			WorkflowID:     w.ID,
			Name:           n.Name,
			IsEntry:        n.IsEntry,
			Kind:           spec.NodeKind(n.Kind),
			CompletionRule: spec.CompletionRule(n.CompletionRule),
		}
		for _, id := range n.SpecificTasks {
			mapped, ok := taskIDs[id]
			if !ok {
				return HydrateResult{}, flowerr.New(flowerr.CodeInternal, "snapshot: specific task not in snapshot").
					WithDetail("taskId", id)
			}
			node.SpecificTaskIDs = append(node.SpecificTaskIDs, mapped)
		}
		for _, t := range n.Tasks {
			node.Tasks = append(node.Tasks, thawTask(t, taskIDs[t.ID], node.ID))
		}
		w.Nodes = append(w.Nodes, node)
	}

	for _, g := range s.Gates {
		src, ok := nodeIDs[g.SourceNodeID]
		if !ok {
			return HydrateResult{}, flowerr.New(flowerr.CodeInternal, "snapshot: gate source not in snapshot").
				WithDetail("nodeId", g.SourceNodeID)
		}
		gate := spec.Gate{SourceNodeID: src, OutcomeName: g.OutcomeName}
		if g.TargetNodeID != nil {
			tgt, ok := nodeIDs[*g.TargetNodeID]
			if !ok {
				return HydrateResult{}, flowerr.New(flowerr.CodeInternal, "snapshot: gate target not in snapshot").
					WithDetail("nodeId", *g.TargetNodeID)
			}
			gate.TargetNodeID = &tgt
		}
		w.Gates = append(w.Gates, gate)
	}

	return HydrateResult{Workflow: w, NodeIDs: nodeIDs, TaskIDs: taskIDs}, nil
}

func thawTask(t TaskSnapshot, id, nodeID string) spec.Task {
	task := spec.Task{
		ID:               id,
		NodeID:           nodeID,
		Name:             t.Name,
		Instructions:     t.Instructions,
		DisplayOrder:     t.DisplayOrder,
		EvidenceRequired: t.EvidenceRequired,
		EvidenceSchema:   append(json.RawMessage(nil), t.EvidenceSchema...),
	}
	if t.DefaultSLAHours != nil {
		h := *t.DefaultSLAHours
		task.DefaultSLAHours = &h
	}
	if t.Metadata != nil && t.Metadata.Scheduling != nil {
		task.Metadata.Scheduling = &spec.SchedulingMeta{Enabled: t.Metadata.Scheduling.Enabled}
	}
	for _, o := range t.Outcomes {
		task.Outcomes = append(task.Outcomes, spec.Outcome{Name: o.Name})
	}
	for _, d := range t.CrossFlowDeps {
		task.CrossFlowDeps = append(task.CrossFlowDeps, spec.CrossFlowDependency{
			SourceWorkflowID: d.SourceWorkflowID,
			SourceTaskPath:   d.SourceTaskPath,
			RequiredOutcome:  d.RequiredOutcome,
		})
	}
	return task
}

// normalized mirrors the graph shape with all IDs replaced by names, so two
// structurally identical graphs serialize to identical bytes regardless of
// the IDs minted during hydration.
type (
	normalizedGraph struct {
		Name             string           `json:"name"`
		IsNonTerminating bool             `json:"isNonTerminating"`
		Nodes            []normalizedNode `json:"nodes"`
		Gates            []normalizedGate `json:"gates"`
	}

	normalizedNode struct {
		Name           string           `json:"name"`
		IsEntry        bool             `json:"isEntry"`
		Kind           string           `json:"nodeKind"`
		CompletionRule string           `json:"completionRule"`
		SpecificTasks  []string         `json:"specificTasks,omitempty"`
		Tasks          []normalizedTask `json:"tasks"`
	}

	normalizedTask struct {
		Name             string          `json:"name"`
		Instructions     string          `json:"instructions,omitempty"`
		DisplayOrder     int             `json:"displayOrder"`
		EvidenceRequired bool            `json:"evidenceRequired"`
		EvidenceSchema   json.RawMessage `json:"evidenceSchema,omitempty"`
		DefaultSLAHours  *int            `json:"defaultSlaHours,omitempty"`
		Scheduling       *bool           `json:"scheduling,omitempty"`
		Outcomes         []string        `json:"outcomes"`
		CrossFlowDeps    []CrossFlowDep  `json:"crossFlowDependencies,omitempty"`
	}

	normalizedGate struct {
		Source  string  `json:"source"`
		Outcome string  `json:"outcome"`
		Target  *string `json:"target"`
	}
)

// Normalize serializes the workflow graph to an ID-independent canonical
// byte form: every level sorted by name, IDs replaced by names. Two
// hydrations of equivalent snapshots normalize to identical bytes.
func Normalize(w *spec.Workflow) ([]byte, error) {
	taskNames := make(map[string]string)
	nodeNames := make(map[string]string)
	for _, n := range w.Nodes {
		nodeNames[n.ID] = n.Name
		for _, t := range n.Tasks {
			taskNames[t.ID] = t.Name
		}
	}

	g := normalizedGraph{Name: w.Name, IsNonTerminating: w.IsNonTerminating}
	for _, n := range w.Nodes {
		nn := normalizedNode{
			Name:           n.Name,
			IsEntry:        n.IsEntry,
			Kind:           string(n.Kind),
			CompletionRule: string(n.CompletionRule),
		}
		for _, id := range n.SpecificTaskIDs {
			nn.SpecificTasks = append(nn.SpecificTasks, taskNames[id])
		}
		sort.Strings(nn.SpecificTasks)
		for _, t := range n.Tasks {
			raw, err := canonicalRaw(t.EvidenceSchema)
			if err != nil {
				return nil, flowerr.Wrap(flowerr.CodeInternal, "snapshot: invalid evidence schema bytes", err)
			}
			nt := normalizedTask{
				Name:             t.Name,
				Instructions:     t.Instructions,
				DisplayOrder:     t.DisplayOrder,
				EvidenceRequired: t.EvidenceRequired,
				EvidenceSchema:   raw,
			}
			if t.DefaultSLAHours != nil {
				h := *t.DefaultSLAHours
				nt.DefaultSLAHours = &h
			}
			if t.Metadata.Scheduling != nil {
				enabled := t.Metadata.Scheduling.Enabled
				nt.Scheduling = &enabled
			}
			for _, o := range t.Outcomes {
				nt.Outcomes = append(nt.Outcomes, o.Name)
			}
			sort.Strings(nt.Outcomes)
			for _, d := range t.CrossFlowDeps {
				nt.CrossFlowDeps = append(nt.CrossFlowDeps, CrossFlowDep{
					SourceWorkflowID: d.SourceWorkflowID,
					SourceTaskPath:   d.SourceTaskPath,
					RequiredOutcome:  d.RequiredOutcome,
				})
			}
			sort.Slice(nt.CrossFlowDeps, func(i, j int) bool {
				a, b := nt.CrossFlowDeps[i], nt.CrossFlowDeps[j]
				if a.SourceWorkflowID != b.SourceWorkflowID {
					return a.SourceWorkflowID < b.SourceWorkflowID
				}
				if a.SourceTaskPath != b.SourceTaskPath {
					return a.SourceTaskPath < b.SourceTaskPath
				}
				return a.RequiredOutcome < b.RequiredOutcome
			})
			nn.Tasks = append(nn.Tasks, nt)
		}
		sort.Slice(nn.Tasks, func(i, j int) bool { return nn.Tasks[i].Name < nn.Tasks[j].Name })
		g.Nodes = append(g.Nodes, nn)
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].Name < g.Nodes[j].Name })

	for _, gate := range w.Gates {
		ng := normalizedGate{Source: nodeNames[gate.SourceNodeID], Outcome: gate.OutcomeName}
		if gate.TargetNodeID != nil {
			name := nodeNames[*gate.TargetNodeID]
			ng.Target = &name
		}
		g.Gates = append(g.Gates, ng)
	}
	sort.Slice(g.Gates, func(i, j int) bool {
		a, b := g.Gates[i], g.Gates[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Outcome != b.Outcome {
			return a.Outcome < b.Outcome
		}
		return derefGate(a.Target) < derefGate(b.Target)
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&g); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "snapshot: normalize encode failed", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
