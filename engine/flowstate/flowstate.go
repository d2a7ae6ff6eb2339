// Package flowstate gathers the kernel's inputs from a store transaction.
//
// The kernel itself is pure; this package is the single place that knows how
// to assemble a FlowState (ledger rows, bound snapshot, sibling flows for
// cross-flow dependencies) from repositories. Both the execution engine and
// the read-only query and diagnosis surfaces load state through it, which
// keeps their views of a flow identical.
package flowstate

import (
	"context"

	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/kernel"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/store"
)

// Load assembles the full kernel input for a flow: its Truth rows, its bound
// snapshot, and for every task carrying a cross-flow dependency the sibling
// flow state needed to resolve it.
func Load(ctx context.Context, tx store.Tx, f *flow.Flow) (kernel.FlowState, error) {
	ver, err := tx.Versions().Get(ctx, f.VersionID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	fs, err := loadOwn(ctx, tx, f.ID, &ver.Snapshot)
	if err != nil {
		return kernel.FlowState{}, err
	}

	wanted := dependencyWorkflows(&ver.Snapshot)
	if len(wanted) == 0 {
		return fs, nil
	}
	siblings, err := tx.Flows().ListByGroup(ctx, f.GroupID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	for _, sib := range siblings {
		if sib.ID == f.ID || !wanted[sib.WorkflowID] {
			continue
		}
		sibVer, err := tx.Versions().Get(ctx, sib.VersionID)
		if err != nil {
			return kernel.FlowState{}, err
		}
		execs, err := tx.Executions().ListByFlow(ctx, sib.ID)
		if err != nil {
			return kernel.FlowState{}, err
		}
		validity, err := tx.Validity().ListByFlow(ctx, sib.ID)
		if err != nil {
			return kernel.FlowState{}, err
		}
		fs.Siblings = append(fs.Siblings, kernel.SiblingFlow{
			WorkflowID: sib.WorkflowID,
			Snapshot:   &sibVer.Snapshot,
			Executions: execs,
			Validity:   validity,
		})
	}
	return fs, nil
}

func loadOwn(ctx context.Context, tx store.Tx, flowID string, snap *snapshot.Snapshot) (kernel.FlowState, error) {
	activations, err := tx.Activations().ListByFlow(ctx, flowID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	executions, err := tx.Executions().ListByFlow(ctx, flowID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	attachments, err := tx.Evidence().ListByFlow(ctx, flowID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	validity, err := tx.Validity().ListByFlow(ctx, flowID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	detours, err := tx.Detours().ListByFlow(ctx, flowID)
	if err != nil {
		return kernel.FlowState{}, err
	}
	return kernel.FlowState{
		FlowID:      flowID,
		Snapshot:    snap,
		Activations: activations,
		Executions:  executions,
		Evidence:    attachments,
		Validity:    validity,
		Detours:     detours,
	}, nil
}

func dependencyWorkflows(snap *snapshot.Snapshot) map[string]bool {
	wanted := map[string]bool{}
	for i := range snap.Nodes {
		for j := range snap.Nodes[i].Tasks {
			for _, dep := range snap.Nodes[i].Tasks[j].CrossFlowDeps {
				wanted[dep.SourceWorkflowID] = true
			}
		}
	}
	return wanted
}
