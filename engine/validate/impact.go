package validate

import (
	"context"
	"time"

	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
)

type (
	// ImpactReport summarizes how publishing a draft would affect the live
	// flows bound to the currently published version. When the analysis
	// deadline expires the report is returned partial with
	// IsAnalysisComplete false; publish may still proceed.
	ImpactReport struct {
		// WorkflowID is the analyzed workflow.
		WorkflowID string `json:"workflowId"`
		// FromVersion is the published version the live flows run on.
		FromVersion int `json:"fromVersion"`
		// FlowsAnalyzed counts the live flows the analysis covered.
		FlowsAnalyzed int `json:"flowsAnalyzed"`
		// FlowsTotal counts the live flows bound to the published version.
		FlowsTotal int `json:"flowsTotal"`
		// Breaking lists the breaking changes found, one per affected flow
		// and change.
		Breaking []BreakingChange `json:"breaking"`
		// IsAnalysisComplete is false when the deadline cut the run short.
		IsAnalysisComplete bool `json:"isAnalysisComplete"`
	}

	// BreakingChange classifies one incompatibility between the draft and a
	// live flow on the published version.
	BreakingChange struct {
		// FlowID is the affected flow.
		FlowID string `json:"flowId"`
		// Kind is the change class: removedNode, removedOutcome or
		// changedEvidenceSchema.
		Kind ChangeKind `json:"kind"`
		// Path names the removed or changed element.
		Path string `json:"path"`
	}

	// ChangeKind classifies a breaking change.
	ChangeKind string

	// graphDiff is the name-level difference between the published snapshot
	// and the draft, computed once and applied to every live flow.
	graphDiff struct {
		removedNodes    []string
		removedOutcomes []string
		changedSchemas  []string
	}
)

const (
	// RemovedNode marks a node present in the published version but absent
	// from the draft.
	RemovedNode ChangeKind = "removedNode"
	// RemovedOutcome marks an outcome a live flow may still need to record
	// that the draft no longer declares.
	RemovedOutcome ChangeKind = "removedOutcome"
	// ChangedEvidenceSchema marks a task whose evidence schema differs
	// between published version and draft.
	ChangedEvidenceSchema ChangeKind = "changedEvidenceSchema"
)

// DefaultAnalysisBudget bounds one impact analysis run.
const DefaultAnalysisBudget = 5 * time.Second

// AnalyzeImpact diffs the draft against the workflow's currently published
// snapshot and classifies the breaking changes per live flow. The analysis is
// read-only and bounded by budget: flows not reached before expiry are
// reported as unanalyzed via IsAnalysisComplete=false.
func AnalyzeImpact(ctx context.Context, st store.Store, draft *spec.Workflow, budget time.Duration) (ImpactReport, error) {
	if budget <= 0 {
		budget = DefaultAnalysisBudget
	}
	deadline := time.Now().Add(budget)

	report := ImpactReport{WorkflowID: draft.ID, IsAnalysisComplete: true}
	err := st.View(ctx, func(tx store.Tx) error {
		published, err := tx.Versions().Latest(ctx, draft.ID)
		if err != nil {
			return err
		}
		if published == nil {
			// Nothing is live; any draft is compatible.
			return nil
		}
		report.FromVersion = published.Version

		draftSnap, err := snapshot.Build(draft)
		if err != nil {
			return err
		}
		diff := diffSnapshots(&published.Snapshot, &draftSnap)

		flows, err := tx.Flows().ListActiveByVersion(ctx, published.ID)
		if err != nil {
			return err
		}
		report.FlowsTotal = len(flows)
		for _, f := range flows {
			if time.Now().After(deadline) || ctx.Err() != nil {
				report.IsAnalysisComplete = false
				return nil
			}
			for _, path := range diff.removedNodes {
				report.Breaking = append(report.Breaking, BreakingChange{FlowID: f.ID, Kind: RemovedNode, Path: path})
			}
			for _, path := range diff.removedOutcomes {
				report.Breaking = append(report.Breaking, BreakingChange{FlowID: f.ID, Kind: RemovedOutcome, Path: path})
			}
			for _, path := range diff.changedSchemas {
				report.Breaking = append(report.Breaking, BreakingChange{FlowID: f.ID, Kind: ChangedEvidenceSchema, Path: path})
			}
			report.FlowsAnalyzed++
		}
		return nil
	})
	if err != nil {
		return ImpactReport{}, err
	}
	return report, nil
}

// diffSnapshots compares the graphs by name: IDs are reminted on every
// hydrate, so names are the stable identity across versions.
func diffSnapshots(published, draft *snapshot.Snapshot) graphDiff {
	var diff graphDiff

	draftNodes := map[string]*snapshot.NodeSnapshot{}
	for i := range draft.Nodes {
		draftNodes[draft.Nodes[i].Name] = &draft.Nodes[i]
	}

	for i := range published.Nodes {
		oldNode := &published.Nodes[i]
		newNode, ok := draftNodes[oldNode.Name]
		if !ok {
			diff.removedNodes = append(diff.removedNodes, oldNode.Name)
			continue
		}
		newTasks := map[string]*snapshot.TaskSnapshot{}
		for j := range newNode.Tasks {
			newTasks[newNode.Tasks[j].Name] = &newNode.Tasks[j]
		}
		for j := range oldNode.Tasks {
			oldTask := &oldNode.Tasks[j]
			path := oldNode.Name + "/" + oldTask.Name
			newTask, ok := newTasks[oldTask.Name]
			if !ok {
				// The whole task disappearing removes every outcome a
				// live flow could still record on it.
				for _, o := range oldTask.Outcomes {
					diff.removedOutcomes = append(diff.removedOutcomes, path+"/"+o.Name)
				}
				continue
			}
			for _, o := range oldTask.Outcomes {
				if !newTask.HasOutcome(o.Name) {
					diff.removedOutcomes = append(diff.removedOutcomes, path+"/"+o.Name)
				}
			}
			if !schemaEqual(oldTask.EvidenceSchema, newTask.EvidenceSchema) {
				diff.changedSchemas = append(diff.changedSchemas, path)
			}
		}
	}
	return diff
}

func schemaEqual(a, b []byte) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return string(a) == string(b)
}
