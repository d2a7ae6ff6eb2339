package memory

import (
	"context"
	"sort"
	"time"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/policy"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/store"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

func (t *tx) Workflows() store.WorkflowRepo           { return workflowRepo{t} }
func (t *tx) Versions() store.VersionRepo             { return versionRepo{t} }
func (t *tx) Groups() store.GroupRepo                 { return groupRepo{t} }
func (t *tx) Flows() store.FlowRepo                   { return flowRepo{t} }
func (t *tx) Activations() store.ActivationRepo       { return activationRepo{t} }
func (t *tx) Executions() store.ExecutionRepo         { return executionRepo{t} }
func (t *tx) Evidence() store.EvidenceRepo            { return evidenceRepo{t} }
func (t *tx) Validity() store.ValidityRepo            { return validityRepo{t} }
func (t *tx) Detours() store.DetourRepo               { return detourRepo{t} }
func (t *tx) Blocks() store.BlockRepo                 { return blockRepo{t} }
func (t *tx) ChangeRequests() store.ChangeRequestRepo { return requestRepo{t} }
func (t *tx) FanOutRules() store.FanOutRuleRepo       { return ruleRepo{t} }
func (t *tx) Policies() store.PolicyRepo              { return policyRepo{t} }
func (t *tx) Jobs() store.JobRepo                     { return jobRepo{t} }
func (t *tx) Assignments() store.AssignmentRepo       { return assignmentRepo{t} }

// claim stamps the tenant's company onto a new row or verifies a prestamped
// one; rows stamped for another tenant are rejected.
func claim(sc tenant.Scope, companyID *string) error {
	if *companyID == "" {
		*companyID = sc.CompanyID
		return nil
	}
	return tenant.Check(sc, *companyID)
}

type workflowRepo struct{ t *tx }

func (r workflowRepo) Create(ctx context.Context, w *spec.Workflow) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &w.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.workflows[w.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "workflow already exists").WithDetail("workflowId", w.ID)
	}
	if w.Version == 1 {
		for _, other := range r.t.st.workflows {
			if other.CompanyID == w.CompanyID && other.Name == w.Name && other.Version == 1 {
				return flowerr.New(flowerr.CodeConflict, "workflow name already in use").WithDetail("name", w.Name)
			}
		}
	}
	r.t.st.workflows[w.ID] = w.Clone()
	return nil
}

func (r workflowRepo) Get(ctx context.Context, id string) (*spec.Workflow, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	w, ok := r.t.st.workflows[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeWorkflowNotFound, "workflow not found").WithDetail("workflowId", id)
	}
	if err := tenant.Check(sc, w.CompanyID); err != nil {
		return nil, err
	}
	return w.Clone(), nil
}

func (r workflowRepo) Update(ctx context.Context, w *spec.Workflow) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	cur, ok := r.t.st.workflows[w.ID]
	if !ok {
		return flowerr.New(flowerr.CodeWorkflowNotFound, "workflow not found").WithDetail("workflowId", w.ID)
	}
	if err := tenant.Check(sc, cur.CompanyID); err != nil {
		return err
	}
	w.CompanyID = cur.CompanyID
	r.t.st.workflows[w.ID] = w.Clone()
	return nil
}

func (r workflowRepo) Delete(ctx context.Context, id string) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	w, ok := r.t.st.workflows[id]
	if !ok {
		return flowerr.New(flowerr.CodeWorkflowNotFound, "workflow not found").WithDetail("workflowId", id)
	}
	if err := tenant.Check(sc, w.CompanyID); err != nil {
		return err
	}
	delete(r.t.st.workflows, id)
	return nil
}

func (r workflowRepo) List(ctx context.Context) ([]*spec.Workflow, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*spec.Workflow
	for _, w := range r.t.st.workflows {
		if w.CompanyID == sc.CompanyID {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

type versionRepo struct{ t *tx }

func (r versionRepo) Create(ctx context.Context, v *snapshot.Version) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &v.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.versions[v.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "version already exists").WithDetail("versionId", v.ID)
	}
	for _, other := range r.t.st.versions {
		if other.WorkflowID == v.WorkflowID && other.Version == v.Version {
			return flowerr.New(flowerr.CodeConflict, "workflow version already published").
				WithDetail("workflowId", v.WorkflowID).WithDetail("version", v.Version)
		}
	}
	r.t.st.versions[v.ID] = v.Clone()
	return nil
}

func (r versionRepo) Get(ctx context.Context, id string) (*snapshot.Version, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := r.t.st.versions[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeEventNotFound, "workflow version not found").WithDetail("versionId", id)
	}
	if err := tenant.Check(sc, v.CompanyID); err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

func (r versionRepo) Latest(ctx context.Context, workflowID string) (*snapshot.Version, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var latest *snapshot.Version
	for _, v := range r.t.st.versions {
		if v.WorkflowID != workflowID || v.CompanyID != sc.CompanyID {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = v
		}
	}
	return latest.Clone(), nil
}

func (r versionRepo) GetByNumber(ctx context.Context, workflowID string, version int) (*snapshot.Version, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range r.t.st.versions {
		if v.WorkflowID == workflowID && v.Version == version {
			if err := tenant.Check(sc, v.CompanyID); err != nil {
				return nil, err
			}
			return v.Clone(), nil
		}
	}
	return nil, flowerr.New(flowerr.CodeEventNotFound, "workflow version not found").
		WithDetail("workflowId", workflowID).WithDetail("version", version)
}

func (r versionRepo) CountByWorkflow(ctx context.Context, workflowID string) (int, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range r.t.st.versions {
		if v.WorkflowID == workflowID && v.CompanyID == sc.CompanyID {
			n++
		}
	}
	return n, nil
}

type groupRepo struct{ t *tx }

func (r groupRepo) Create(ctx context.Context, g *flow.Group) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &g.CompanyID); err != nil {
		return err
	}
	for _, other := range r.t.st.groups {
		if other.CompanyID == g.CompanyID && other.ScopeType == g.ScopeType && other.ScopeID == g.ScopeID {
			return flowerr.New(flowerr.CodeConflict, "flow group already exists for scope").
				WithDetail("scopeType", g.ScopeType).WithDetail("scopeId", g.ScopeID)
		}
	}
	cp := *g
	r.t.st.groups[g.ID] = &cp
	return nil
}

func (r groupRepo) Get(ctx context.Context, id string) (*flow.Group, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	g, ok := r.t.st.groups[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeFlowGroupNotFound, "flow group not found").WithDetail("flowGroupId", id)
	}
	if err := tenant.Check(sc, g.CompanyID); err != nil {
		return nil, err
	}
	cp := *g
	return &cp, nil
}

func (r groupRepo) FindByScope(ctx context.Context, scopeType, scopeID string) (*flow.Group, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range r.t.st.groups {
		if g.CompanyID == sc.CompanyID && g.ScopeType == scopeType && g.ScopeID == scopeID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (r groupRepo) Delete(ctx context.Context, id string) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	g, ok := r.t.st.groups[id]
	if !ok {
		return flowerr.New(flowerr.CodeFlowGroupNotFound, "flow group not found").WithDetail("flowGroupId", id)
	}
	if err := tenant.Check(sc, g.CompanyID); err != nil {
		return err
	}
	for _, j := range r.t.st.jobs {
		if j.FlowGroupID == id {
			return flowerr.New(flowerr.CodeConflict, "flow group is referenced by a job").
				WithDetail("flowGroupId", id).WithDetail("jobId", j.ID)
		}
	}
	delete(r.t.st.groups, id)
	return nil
}

type flowRepo struct{ t *tx }

func (r flowRepo) Create(ctx context.Context, f *flow.Flow) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &f.CompanyID); err != nil {
		return err
	}
	for _, other := range r.t.st.flows {
		if other.GroupID == f.GroupID && other.WorkflowID == f.WorkflowID {
			return flowerr.New(flowerr.CodeConflict, "flow already exists for workflow in group").
				WithDetail("flowGroupId", f.GroupID).WithDetail("workflowId", f.WorkflowID)
		}
	}
	cp := *f
	r.t.st.flows[f.ID] = &cp
	return nil
}

func (r flowRepo) Get(ctx context.Context, id string) (*flow.Flow, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := r.t.st.flows[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeFlowNotFound, "flow not found").WithDetail("flowId", id)
	}
	if err := tenant.Check(sc, f.CompanyID); err != nil {
		return nil, err
	}
	cp := *f
	return &cp, nil
}

func (r flowRepo) FindByGroupAndWorkflow(ctx context.Context, groupID, workflowID string) (*flow.Flow, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range r.t.st.flows {
		if f.CompanyID == sc.CompanyID && f.GroupID == groupID && f.WorkflowID == workflowID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (r flowRepo) ListByGroup(ctx context.Context, groupID string) ([]*flow.Flow, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*flow.Flow
	for _, f := range r.t.st.flows {
		if f.CompanyID == sc.CompanyID && f.GroupID == groupID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return flowLess(out[i], out[j]) })
	return out, nil
}

func (r flowRepo) ListActiveByVersion(ctx context.Context, versionID string) ([]*flow.Flow, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*flow.Flow
	for _, f := range r.t.st.flows {
		if f.CompanyID == sc.CompanyID && f.VersionID == versionID && f.Status == flow.StatusActive {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return flowLess(out[i], out[j]) })
	return out, nil
}

func (r flowRepo) SetStatus(ctx context.Context, id string, status flow.Status) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	f, ok := r.t.st.flows[id]
	if !ok {
		return flowerr.New(flowerr.CodeFlowNotFound, "flow not found").WithDetail("flowId", id)
	}
	if err := tenant.Check(sc, f.CompanyID); err != nil {
		return err
	}
	f.Status = status
	return nil
}

func flowLess(a, b *flow.Flow) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

type activationRepo struct{ t *tx }

func (r activationRepo) Insert(ctx context.Context, a truth.NodeActivation) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &a.CompanyID); err != nil {
		return err
	}
	for _, other := range r.t.st.activations {
		if other.FlowID == a.FlowID && other.NodeID == a.NodeID && other.Iteration == a.Iteration {
			return flowerr.New(flowerr.CodeConflict, "node already activated at iteration").
				WithDetail("nodeId", a.NodeID).WithDetail("iteration", a.Iteration)
		}
	}
	r.t.st.activations = append(r.t.st.activations, a)
	return nil
}

func (r activationRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.NodeActivation, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []truth.NodeActivation
	for _, a := range r.t.st.activations {
		if a.CompanyID == sc.CompanyID && a.FlowID == flowID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActivatedAt.Equal(out[j].ActivatedAt) {
			return out[i].ActivatedAt.Before(out[j].ActivatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type executionRepo struct{ t *tx }

func (r executionRepo) Insert(ctx context.Context, e truth.TaskExecution) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &e.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.executions[e.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "task execution already exists").WithDetail("taskExecutionId", e.ID)
	}
	for _, other := range r.t.st.executions {
		if other.FlowID == e.FlowID && other.TaskID == e.TaskID && other.Iteration == e.Iteration {
			return flowerr.New(flowerr.CodeConflict, "task already started at iteration").
				WithDetail("taskId", e.TaskID).WithDetail("iteration", e.Iteration)
		}
	}
	r.t.st.executions[e.ID] = cloneExecution(&e)
	return nil
}

func (r executionRepo) Get(ctx context.Context, id string) (*truth.TaskExecution, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e, ok := r.t.st.executions[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeTaskNotStarted, "task execution not found").WithDetail("taskExecutionId", id)
	}
	if err := tenant.Check(sc, e.CompanyID); err != nil {
		return nil, err
	}
	return cloneExecution(e), nil
}

func (r executionRepo) Find(ctx context.Context, flowID, taskID string, iteration int) (*truth.TaskExecution, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range r.t.st.executions {
		if e.CompanyID == sc.CompanyID && e.FlowID == flowID && e.TaskID == taskID && e.Iteration == iteration {
			return cloneExecution(e), nil
		}
	}
	return nil, nil
}

func (r executionRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.TaskExecution, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []truth.TaskExecution
	for _, e := range r.t.st.executions {
		if e.CompanyID == sc.CompanyID && e.FlowID == flowID {
			out = append(out, *cloneExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r executionRepo) SetOutcome(ctx context.Context, id, outcome string, at time.Time, by, detourID string) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	e, ok := r.t.st.executions[id]
	if !ok {
		return flowerr.New(flowerr.CodeTaskNotStarted, "task execution not found").WithDetail("taskExecutionId", id)
	}
	if err := tenant.Check(sc, e.CompanyID); err != nil {
		return err
	}
	if e.Outcome != nil {
		return flowerr.New(flowerr.CodeOutcomeImmutable, "outcome already recorded").
			WithDetail("taskExecutionId", id).WithDetail("outcome", *e.Outcome)
	}
	e.Outcome = &outcome
	e.OutcomeAt = &at
	e.OutcomeBy = by
	e.DetourID = detourID
	return nil
}

type evidenceRepo struct{ t *tx }

func (r evidenceRepo) Insert(ctx context.Context, e truth.EvidenceAttachment) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &e.CompanyID); err != nil {
		return err
	}
	if e.IdempotencyKey != "" {
		for _, other := range r.t.st.evidence {
			if other.FlowID == e.FlowID && other.TaskID == e.TaskID && other.IdempotencyKey == e.IdempotencyKey {
				return flowerr.New(flowerr.CodeConflict, "evidence idempotency key already used").
					WithDetail("idempotencyKey", e.IdempotencyKey)
			}
		}
	}
	r.t.st.evidence = append(r.t.st.evidence, cloneEvidence(e))
	return nil
}

func (r evidenceRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.EvidenceAttachment, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []truth.EvidenceAttachment
	for _, e := range r.t.st.evidence {
		if e.CompanyID == sc.CompanyID && e.FlowID == flowID {
			out = append(out, cloneEvidence(e))
		}
	}
	sortEvidence(out)
	return out, nil
}

func (r evidenceRepo) ListByTask(ctx context.Context, flowID, taskID string) ([]truth.EvidenceAttachment, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []truth.EvidenceAttachment
	for _, e := range r.t.st.evidence {
		if e.CompanyID == sc.CompanyID && e.FlowID == flowID && e.TaskID == taskID {
			out = append(out, cloneEvidence(e))
		}
	}
	sortEvidence(out)
	return out, nil
}

func (r evidenceRepo) FindByKey(ctx context.Context, flowID, taskID, key string) (*truth.EvidenceAttachment, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, nil
	}
	for _, e := range r.t.st.evidence {
		if e.CompanyID == sc.CompanyID && e.FlowID == flowID && e.TaskID == taskID && e.IdempotencyKey == key {
			cp := cloneEvidence(e)
			return &cp, nil
		}
	}
	return nil, nil
}

func sortEvidence(out []truth.EvidenceAttachment) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].AttachedAt.Before(out[j].AttachedAt)
		}
		return out[i].ID < out[j].ID
	})
}

type validityRepo struct{ t *tx }

func (r validityRepo) Insert(ctx context.Context, v truth.ValidityEvent) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &v.CompanyID); err != nil {
		return err
	}
	r.t.st.validity = append(r.t.st.validity, v)
	return nil
}

func (r validityRepo) ListByExecution(ctx context.Context, executionID string) ([]truth.ValidityEvent, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []truth.ValidityEvent
	for _, v := range r.t.st.validity {
		if v.CompanyID == sc.CompanyID && v.TaskExecutionID == executionID {
			out = append(out, v)
		}
	}
	sortValidity(out)
	return out, nil
}

func (r validityRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.ValidityEvent, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	execs := map[string]bool{}
	for _, e := range r.t.st.executions {
		if e.FlowID == flowID {
			execs[e.ID] = true
		}
	}
	var out []truth.ValidityEvent
	for _, v := range r.t.st.validity {
		if v.CompanyID == sc.CompanyID && execs[v.TaskExecutionID] {
			out = append(out, v)
		}
	}
	sortValidity(out)
	return out, nil
}

func sortValidity(out []truth.ValidityEvent) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

type detourRepo struct{ t *tx }

func (r detourRepo) Insert(ctx context.Context, d truth.DetourRecord) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &d.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.detours[d.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "detour already exists").WithDetail("detourId", d.ID)
	}
	cp := d
	r.t.st.detours[d.ID] = &cp
	return nil
}

func (r detourRepo) Get(ctx context.Context, id string) (*truth.DetourRecord, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := r.t.st.detours[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeEventNotFound, "detour not found").WithDetail("detourId", id)
	}
	if err := tenant.Check(sc, d.CompanyID); err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

func (r detourRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.DetourRecord, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []truth.DetourRecord
	for _, d := range r.t.st.detours {
		if d.CompanyID == sc.CompanyID && d.FlowID == flowID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r detourRepo) SetStatus(ctx context.Context, id string, status truth.DetourStatus) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	d, ok := r.t.st.detours[id]
	if !ok {
		return flowerr.New(flowerr.CodeEventNotFound, "detour not found").WithDetail("detourId", id)
	}
	if err := tenant.Check(sc, d.CompanyID); err != nil {
		return err
	}
	d.Status = status
	return nil
}

type blockRepo struct{ t *tx }

func (r blockRepo) Insert(ctx context.Context, b schedule.Block) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &b.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.blocks[b.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "schedule block already exists").WithDetail("blockId", b.ID)
	}
	r.t.st.blocks[b.ID] = cloneBlock(&b)
	return nil
}

func (r blockRepo) Get(ctx context.Context, id string) (*schedule.Block, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	b, ok := r.t.st.blocks[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeEventNotFound, "schedule block not found").WithDetail("blockId", id)
	}
	if err := tenant.Check(sc, b.CompanyID); err != nil {
		return nil, err
	}
	return cloneBlock(b), nil
}

func (r blockRepo) FindOpen(ctx context.Context, taskID, flowID string) (*schedule.Block, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range r.t.st.blocks {
		if b.CompanyID == sc.CompanyID && b.TaskID == taskID && b.FlowID == flowID && b.SupersededAt == nil {
			return cloneBlock(b), nil
		}
	}
	return nil, nil
}

func (r blockRepo) ListByTask(ctx context.Context, taskID, flowID string) ([]schedule.Block, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []schedule.Block
	for _, b := range r.t.st.blocks {
		if b.CompanyID == sc.CompanyID && b.TaskID == taskID && b.FlowID == flowID {
			out = append(out, *cloneBlock(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r blockRepo) Supersede(ctx context.Context, id string, at time.Time, byBlockID string) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	b, ok := r.t.st.blocks[id]
	if !ok {
		return flowerr.New(flowerr.CodeEventNotFound, "schedule block not found").WithDetail("blockId", id)
	}
	if err := tenant.Check(sc, b.CompanyID); err != nil {
		return err
	}
	if b.SupersededAt != nil {
		return flowerr.New(flowerr.CodeConflict, "schedule block already superseded").
			WithDetail("blockId", id).WithDetail("supersededBy", b.SupersededBy)
	}
	b.SupersededAt = &at
	b.SupersededBy = byBlockID
	return nil
}

type requestRepo struct{ t *tx }

func (r requestRepo) Insert(ctx context.Context, req schedule.ChangeRequest) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &req.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.requests[req.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "change request already exists").WithDetail("requestId", req.ID)
	}
	r.t.st.requests[req.ID] = cloneRequest(&req)
	return nil
}

func (r requestRepo) Get(ctx context.Context, id string) (*schedule.ChangeRequest, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	req, ok := r.t.st.requests[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeEventNotFound, "change request not found").WithDetail("requestId", id)
	}
	if err := tenant.Check(sc, req.CompanyID); err != nil {
		return nil, err
	}
	return cloneRequest(req), nil
}

func (r requestRepo) Update(ctx context.Context, req schedule.ChangeRequest) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	cur, ok := r.t.st.requests[req.ID]
	if !ok {
		return flowerr.New(flowerr.CodeEventNotFound, "change request not found").WithDetail("requestId", req.ID)
	}
	if err := tenant.Check(sc, cur.CompanyID); err != nil {
		return err
	}
	req.CompanyID = cur.CompanyID
	r.t.st.requests[req.ID] = cloneRequest(&req)
	return nil
}

func (r requestRepo) ListByFlow(ctx context.Context, flowID string) ([]schedule.ChangeRequest, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []schedule.ChangeRequest
	for _, req := range r.t.st.requests {
		if req.CompanyID == sc.CompanyID && req.FlowID == flowID {
			out = append(out, *cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type ruleRepo struct{ t *tx }

func (r ruleRepo) Create(ctx context.Context, rule fanout.Rule) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &rule.CompanyID); err != nil {
		return err
	}
	r.t.st.rules = append(r.t.st.rules, rule)
	return nil
}

func (r ruleRepo) ListBySource(ctx context.Context, workflowID, sourceNodeID, outcome string) ([]fanout.Rule, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []fanout.Rule
	for _, rule := range r.t.st.rules {
		if rule.CompanyID == sc.CompanyID && rule.WorkflowID == workflowID &&
			rule.SourceNodeID == sourceNodeID && rule.TriggerOutcome == outcome {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r ruleRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]fanout.Rule, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []fanout.Rule
	for _, rule := range r.t.st.rules {
		if rule.CompanyID == sc.CompanyID && rule.WorkflowID == workflowID {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type policyRepo struct{ t *tx }

func (r policyRepo) Upsert(ctx context.Context, p policy.GroupPolicy) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &p.CompanyID); err != nil {
		return err
	}
	if cur, ok := r.t.st.policies[p.FlowGroupID]; ok {
		if err := tenant.Check(sc, cur.CompanyID); err != nil {
			return err
		}
		p.ID = cur.ID
	}
	r.t.st.policies[p.FlowGroupID] = clonePolicy(&p)
	return nil
}

func (r policyRepo) FindByGroup(ctx context.Context, groupID string) (*policy.GroupPolicy, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := r.t.st.policies[groupID]
	if !ok {
		return nil, nil
	}
	if err := tenant.Check(sc, p.CompanyID); err != nil {
		return nil, err
	}
	return clonePolicy(p), nil
}

type jobRepo struct{ t *tx }

func (r jobRepo) Insert(ctx context.Context, j fanout.Job) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &j.CompanyID); err != nil {
		return err
	}
	for _, other := range r.t.st.jobs {
		if other.FlowGroupID == j.FlowGroupID {
			return flowerr.New(flowerr.CodeJobAlreadyExists, "job already provisioned for flow group").
				WithDetail("flowGroupId", j.FlowGroupID)
		}
	}
	cp := j
	r.t.st.jobs[j.ID] = &cp
	return nil
}

func (r jobRepo) Get(ctx context.Context, id string) (*fanout.Job, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	j, ok := r.t.st.jobs[id]
	if !ok {
		return nil, flowerr.New(flowerr.CodeJobNotFound, "job not found").WithDetail("jobId", id)
	}
	if err := tenant.Check(sc, j.CompanyID); err != nil {
		return nil, err
	}
	cp := *j
	return &cp, nil
}

func (r jobRepo) FindByGroup(ctx context.Context, groupID string) (*fanout.Job, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range r.t.st.jobs {
		if j.CompanyID == sc.CompanyID && j.FlowGroupID == groupID {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

type assignmentRepo struct{ t *tx }

func (r assignmentRepo) Insert(ctx context.Context, a flow.Assignment) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	if err := claim(sc, &a.CompanyID); err != nil {
		return err
	}
	if _, ok := r.t.st.assignments[a.ID]; ok {
		return flowerr.New(flowerr.CodeConflict, "assignment already exists").WithDetail("assignmentId", a.ID)
	}
	cp := a
	r.t.st.assignments[a.ID] = &cp
	return nil
}

func (r assignmentRepo) Delete(ctx context.Context, id string) error {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if err := r.t.writable(); err != nil {
		return err
	}
	a, ok := r.t.st.assignments[id]
	if !ok {
		return flowerr.New(flowerr.CodeEventNotFound, "assignment not found").WithDetail("assignmentId", id)
	}
	if err := tenant.Check(sc, a.CompanyID); err != nil {
		return err
	}
	delete(r.t.st.assignments, id)
	return nil
}

func (r assignmentRepo) ListByFlow(ctx context.Context, flowID string) ([]flow.Assignment, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []flow.Assignment
	for _, a := range r.t.st.assignments {
		if a.CompanyID == sc.CompanyID && a.FlowID == flowID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
