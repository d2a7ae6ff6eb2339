package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"flowspec.dev/flowspec/engine/fanout"
	"flowspec.dev/flowspec/engine/flow"
	"flowspec.dev/flowspec/engine/flowerr"
	"flowspec.dev/flowspec/engine/policy"
	"flowspec.dev/flowspec/engine/schedule"
	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/spec"
	"flowspec.dev/flowspec/engine/tenant"
	"flowspec.dev/flowspec/engine/truth"
)

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

func (r *workflowRepo) Create(ctx context.Context, w *spec.Workflow) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &w.CompanyID); err != nil {
		return err
	}
	m, err := workflowToModel(w)
	if err != nil {
		return err
	}
	return translate(r.t.db.Create(m).Error, flowerr.CodeWorkflowNotFound, "workflow")
}

func (r *workflowRepo) Get(ctx context.Context, id string) (*spec.Workflow, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m workflowModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeWorkflowNotFound, "workflow")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return workflowFromModel(&m)
}

func (r *workflowRepo) Update(ctx context.Context, w *spec.Workflow) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var cur workflowModel
	if err := r.t.db.First(&cur, "id = ?", w.ID).Error; err != nil {
		return translate(err, flowerr.CodeWorkflowNotFound, "workflow")
	}
	if err := checkCompany(sc, cur.CompanyID); err != nil {
		return err
	}
	w.CompanyID = cur.CompanyID
	m, err := workflowToModel(w)
	if err != nil {
		return err
	}
	return translate(r.t.db.Save(m).Error, flowerr.CodeWorkflowNotFound, "workflow")
}

func (r *workflowRepo) Delete(ctx context.Context, id string) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var cur workflowModel
	if err := r.t.db.First(&cur, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeWorkflowNotFound, "workflow")
	}
	if err := checkCompany(sc, cur.CompanyID); err != nil {
		return err
	}
	return translate(r.t.db.Delete(&workflowModel{}, "id = ?", id).Error, flowerr.CodeWorkflowNotFound, "workflow")
}

func (r *workflowRepo) List(ctx context.Context) ([]*spec.Workflow, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []workflowModel
	err = r.t.db.Where("company_id = ?", sc.CompanyID).
		Order("name, version").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeWorkflowNotFound, "workflow")
	}
	out := make([]*spec.Workflow, 0, len(ms))
	for i := range ms {
		w, err := workflowFromModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func workflowToModel(w *spec.Workflow) (*workflowModel, error) {
	def, err := json.Marshal(w)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "encode workflow", err)
	}
	return &workflowModel{
		ID:          w.ID,
		CompanyID:   w.CompanyID,
		Name:        w.Name,
		Version:     w.Version,
		Status:      string(w.Status),
		Definition:  def,
		PublishedAt: w.PublishedAt,
		PublishedBy: w.PublishedBy,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}, nil
}

func workflowFromModel(m *workflowModel) (*spec.Workflow, error) {
	var w spec.Workflow
	if err := json.Unmarshal(m.Definition, &w); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "decode workflow", err)
	}
	return &w, nil
}

type versionRepo struct{ t *tx }

func (r *versionRepo) Create(ctx context.Context, v *snapshot.Version) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &v.CompanyID); err != nil {
		return err
	}
	snap, err := json.Marshal(v.Snapshot)
	if err != nil {
		return flowerr.Wrap(flowerr.CodeInternal, "encode snapshot", err)
	}
	m := versionModel{
		ID:          v.ID,
		CompanyID:   v.CompanyID,
		WorkflowID:  v.WorkflowID,
		Version:     v.Version,
		ContentHash: v.ContentHash,
		Snapshot:    snap,
		CreatedAt:   v.CreatedAt,
		CreatedBy:   v.CreatedBy,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "workflow version")
}

func (r *versionRepo) Get(ctx context.Context, id string) (*snapshot.Version, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m versionModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "workflow version")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return versionFromModel(&m)
}

func (r *versionRepo) Latest(ctx context.Context, workflowID string) (*snapshot.Version, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m versionModel
	err = r.t.db.Where("workflow_id = ? AND company_id = ?", workflowID, sc.CompanyID).
		Order("version DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "workflow version")
	}
	return versionFromModel(&m)
}

func (r *versionRepo) GetByNumber(ctx context.Context, workflowID string, version int) (*snapshot.Version, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m versionModel
	err = r.t.db.Where("workflow_id = ? AND company_id = ? AND version = ?", workflowID, sc.CompanyID, version).
		First(&m).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "workflow version")
	}
	return versionFromModel(&m)
}

func (r *versionRepo) CountByWorkflow(ctx context.Context, workflowID string) (int, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.t.db.Model(&versionModel{}).
		Where("workflow_id = ? AND company_id = ?", workflowID, sc.CompanyID).
		Count(&count).Error
	if err != nil {
		return 0, translate(err, flowerr.CodeEventNotFound, "workflow version")
	}
	return int(count), nil
}

func versionFromModel(m *versionModel) (*snapshot.Version, error) {
	var snap snapshot.Snapshot
	if err := json.Unmarshal(m.Snapshot, &snap); err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "decode snapshot", err)
	}
	return &snapshot.Version{
		ID:          m.ID,
		CompanyID:   m.CompanyID,
		WorkflowID:  m.WorkflowID,
		Version:     m.Version,
		ContentHash: m.ContentHash,
		Snapshot:    snap,
		CreatedAt:   m.CreatedAt,
		CreatedBy:   m.CreatedBy,
	}, nil
}

type groupRepo struct{ t *tx }

func (r *groupRepo) Create(ctx context.Context, g *flow.Group) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &g.CompanyID); err != nil {
		return err
	}
	m := groupModel{ID: g.ID, CompanyID: g.CompanyID, ScopeType: g.ScopeType, ScopeID: g.ScopeID, CreatedAt: g.CreatedAt}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeFlowGroupNotFound, "flow group")
}

func (r *groupRepo) Get(ctx context.Context, id string) (*flow.Group, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m groupModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeFlowGroupNotFound, "flow group")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return groupFromModel(&m), nil
}

func (r *groupRepo) FindByScope(ctx context.Context, scopeType, scopeID string) (*flow.Group, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m groupModel
	err = r.t.db.Where("company_id = ? AND scope_type = ? AND scope_id = ?", sc.CompanyID, scopeType, scopeID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeFlowGroupNotFound, "flow group")
	}
	return groupFromModel(&m), nil
}

func (r *groupRepo) Delete(ctx context.Context, id string) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var m groupModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeFlowGroupNotFound, "flow group")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return err
	}
	var jobs int64
	if err := r.t.db.Model(&jobModel{}).Where("flow_group_id = ?", id).Count(&jobs).Error; err != nil {
		return translate(err, flowerr.CodeFlowGroupNotFound, "flow group")
	}
	if jobs > 0 {
		return flowerr.New(flowerr.CodeConflict, "flow group has a provisioned job").WithDetail("groupId", id)
	}
	return translate(r.t.db.Delete(&groupModel{}, "id = ?", id).Error, flowerr.CodeFlowGroupNotFound, "flow group")
}

func groupFromModel(m *groupModel) *flow.Group {
	return &flow.Group{ID: m.ID, CompanyID: m.CompanyID, ScopeType: m.ScopeType, ScopeID: m.ScopeID, CreatedAt: m.CreatedAt}
}

type flowRepo struct{ t *tx }

func (r *flowRepo) Create(ctx context.Context, f *flow.Flow) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &f.CompanyID); err != nil {
		return err
	}
	m := flowModel{
		ID: f.ID, CompanyID: f.CompanyID, GroupID: f.GroupID,
		WorkflowID: f.WorkflowID, VersionID: f.VersionID,
		Status: string(f.Status), CreatedAt: f.CreatedAt,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeFlowNotFound, "flow")
}

func (r *flowRepo) Get(ctx context.Context, id string) (*flow.Flow, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m flowModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeFlowNotFound, "flow")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return flowFromModel(&m), nil
}

func (r *flowRepo) FindByGroupAndWorkflow(ctx context.Context, groupID, workflowID string) (*flow.Flow, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m flowModel
	err = r.t.db.Where("company_id = ? AND group_id = ? AND workflow_id = ?", sc.CompanyID, groupID, workflowID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeFlowNotFound, "flow")
	}
	return flowFromModel(&m), nil
}

func (r *flowRepo) ListByGroup(ctx context.Context, groupID string) ([]*flow.Flow, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []flowModel
	err = r.t.db.Where("company_id = ? AND group_id = ?", sc.CompanyID, groupID).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeFlowNotFound, "flow")
	}
	out := make([]*flow.Flow, len(ms))
	for i := range ms {
		out[i] = flowFromModel(&ms[i])
	}
	return out, nil
}

func (r *flowRepo) ListActiveByVersion(ctx context.Context, versionID string) ([]*flow.Flow, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []flowModel
	err = r.t.db.Where("company_id = ? AND version_id = ? AND status = ?", sc.CompanyID, versionID, string(flow.StatusActive)).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeFlowNotFound, "flow")
	}
	out := make([]*flow.Flow, len(ms))
	for i := range ms {
		out[i] = flowFromModel(&ms[i])
	}
	return out, nil
}

func (r *flowRepo) SetStatus(ctx context.Context, id string, status flow.Status) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var m flowModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeFlowNotFound, "flow")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return err
	}
	err = r.t.db.Model(&flowModel{}).Where("id = ?", id).
		Update("status", string(status)).Error
	return translate(err, flowerr.CodeFlowNotFound, "flow")
}

func flowFromModel(m *flowModel) *flow.Flow {
	return &flow.Flow{
		ID: m.ID, CompanyID: m.CompanyID, GroupID: m.GroupID,
		WorkflowID: m.WorkflowID, VersionID: m.VersionID,
		Status: flow.Status(m.Status), CreatedAt: m.CreatedAt,
	}
}

type activationRepo struct{ t *tx }

func (r *activationRepo) Insert(ctx context.Context, a truth.NodeActivation) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &a.CompanyID); err != nil {
		return err
	}
	m := activationModel{
		ID: a.ID, CompanyID: a.CompanyID, FlowID: a.FlowID,
		NodeID: a.NodeID, Iteration: a.Iteration, ActivatedAt: a.ActivatedAt,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "node activation")
}

func (r *activationRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.NodeActivation, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []activationModel
	err = r.t.db.Where("company_id = ? AND flow_id = ?", sc.CompanyID, flowID).
		Order("activated_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "node activation")
	}
	out := make([]truth.NodeActivation, len(ms))
	for i, m := range ms {
		out[i] = truth.NodeActivation{
			ID: m.ID, CompanyID: m.CompanyID, FlowID: m.FlowID,
			NodeID: m.NodeID, Iteration: m.Iteration, ActivatedAt: m.ActivatedAt,
		}
	}
	return out, nil
}

type executionRepo struct{ t *tx }

func (r *executionRepo) Insert(ctx context.Context, e truth.TaskExecution) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &e.CompanyID); err != nil {
		return err
	}
	m := executionToModel(&e)
	return translate(r.t.db.Create(m).Error, flowerr.CodeTaskNotStarted, "task execution")
}

func (r *executionRepo) Get(ctx context.Context, id string) (*truth.TaskExecution, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m executionModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeTaskNotStarted, "task execution")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return executionFromModel(&m), nil
}

func (r *executionRepo) Find(ctx context.Context, flowID, taskID string, iteration int) (*truth.TaskExecution, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m executionModel
	err = r.t.db.Where("company_id = ? AND flow_id = ? AND task_id = ? AND iteration = ?",
		sc.CompanyID, flowID, taskID, iteration).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeTaskNotStarted, "task execution")
	}
	return executionFromModel(&m), nil
}

func (r *executionRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.TaskExecution, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []executionModel
	err = r.t.db.Where("company_id = ? AND flow_id = ?", sc.CompanyID, flowID).
		Order("started_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeTaskNotStarted, "task execution")
	}
	out := make([]truth.TaskExecution, len(ms))
	for i := range ms {
		out[i] = *executionFromModel(&ms[i])
	}
	return out, nil
}

func (r *executionRepo) SetOutcome(ctx context.Context, id, outcome string, at time.Time, by, detourID string) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var m executionModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeTaskNotStarted, "task execution")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return err
	}
	// The outcome is written exactly once; the guard races on the row, not
	// on the earlier read.
	res := r.t.db.Model(&executionModel{}).
		Where("id = ? AND outcome IS NULL", id).
		Updates(map[string]any{
			"outcome":    outcome,
			"outcome_at": at,
			"outcome_by": by,
			"detour_id":  detourID,
		})
	if res.Error != nil {
		return translate(res.Error, flowerr.CodeTaskNotStarted, "task execution")
	}
	if res.RowsAffected == 0 {
		return flowerr.New(flowerr.CodeOutcomeImmutable, "execution already holds an outcome").
			WithDetail("executionId", id)
	}
	return nil
}

func executionToModel(e *truth.TaskExecution) *executionModel {
	return &executionModel{
		ID: e.ID, CompanyID: e.CompanyID, FlowID: e.FlowID,
		TaskID: e.TaskID, Iteration: e.Iteration, NodeID: e.NodeID,
		StartedAt: e.StartedAt, StartedBy: e.StartedBy,
		Outcome: e.Outcome, OutcomeAt: e.OutcomeAt, OutcomeBy: e.OutcomeBy,
		DetourID: e.DetourID,
	}
}

func executionFromModel(m *executionModel) *truth.TaskExecution {
	return &truth.TaskExecution{
		ID: m.ID, CompanyID: m.CompanyID, FlowID: m.FlowID,
		TaskID: m.TaskID, NodeID: m.NodeID, Iteration: m.Iteration,
		StartedAt: m.StartedAt, StartedBy: m.StartedBy,
		Outcome: m.Outcome, OutcomeAt: m.OutcomeAt, OutcomeBy: m.OutcomeBy,
		DetourID: m.DetourID,
	}
}

type evidenceRepo struct{ t *tx }

func (r *evidenceRepo) Insert(ctx context.Context, e truth.EvidenceAttachment) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &e.CompanyID); err != nil {
		return err
	}
	payload, err := truth.EncodePayload(e.Data)
	if err != nil {
		return err
	}
	var key *string
	if e.IdempotencyKey != "" {
		k := e.IdempotencyKey
		key = &k
	}
	m := evidenceModel{
		ID: e.ID, CompanyID: e.CompanyID, FlowID: e.FlowID, TaskID: e.TaskID,
		Type: string(e.Type), Payload: payload, IdempotencyKey: key,
		AttachedBy: e.AttachedBy, AttachedAt: e.AttachedAt,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "evidence attachment")
}

func (r *evidenceRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.EvidenceAttachment, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []evidenceModel
	err = r.t.db.Where("company_id = ? AND flow_id = ?", sc.CompanyID, flowID).
		Order("attached_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "evidence attachment")
	}
	return evidenceFromModels(ms)
}

func (r *evidenceRepo) ListByTask(ctx context.Context, flowID, taskID string) ([]truth.EvidenceAttachment, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []evidenceModel
	err = r.t.db.Where("company_id = ? AND flow_id = ? AND task_id = ?", sc.CompanyID, flowID, taskID).
		Order("attached_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "evidence attachment")
	}
	return evidenceFromModels(ms)
}

func (r *evidenceRepo) FindByKey(ctx context.Context, flowID, taskID, key string) (*truth.EvidenceAttachment, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m evidenceModel
	err = r.t.db.Where("company_id = ? AND flow_id = ? AND task_id = ? AND idempotency_key = ?",
		sc.CompanyID, flowID, taskID, key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "evidence attachment")
	}
	return evidenceFromModel(&m)
}

func evidenceFromModels(ms []evidenceModel) ([]truth.EvidenceAttachment, error) {
	out := make([]truth.EvidenceAttachment, len(ms))
	for i := range ms {
		e, err := evidenceFromModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out[i] = *e
	}
	return out, nil
}

func evidenceFromModel(m *evidenceModel) (*truth.EvidenceAttachment, error) {
	payload, err := truth.ParsePayload(truth.EvidenceType(m.Type), m.Payload)
	if err != nil {
		return nil, err
	}
	key := ""
	if m.IdempotencyKey != nil {
		key = *m.IdempotencyKey
	}
	return &truth.EvidenceAttachment{
		ID: m.ID, CompanyID: m.CompanyID, FlowID: m.FlowID, TaskID: m.TaskID,
		Type: truth.EvidenceType(m.Type), Data: payload,
		AttachedBy: m.AttachedBy, AttachedAt: m.AttachedAt, IdempotencyKey: key,
	}, nil
}

type validityRepo struct{ t *tx }

func (r *validityRepo) Insert(ctx context.Context, v truth.ValidityEvent) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &v.CompanyID); err != nil {
		return err
	}
	m := validityModel{
		ID: v.ID, CompanyID: v.CompanyID, TaskExecutionID: v.TaskExecutionID,
		State: string(v.State), CreatedAt: v.CreatedAt,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "validity event")
}

func (r *validityRepo) ListByExecution(ctx context.Context, executionID string) ([]truth.ValidityEvent, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []validityModel
	err = r.t.db.Where("company_id = ? AND task_execution_id = ?", sc.CompanyID, executionID).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "validity event")
	}
	return validityFromModels(ms), nil
}

func (r *validityRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.ValidityEvent, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []validityModel
	err = r.t.db.
		Joins("JOIN task_executions ON task_executions.id = validity_events.task_execution_id").
		Where("validity_events.company_id = ? AND task_executions.flow_id = ?", sc.CompanyID, flowID).
		Order("validity_events.created_at, validity_events.id").
		Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "validity event")
	}
	return validityFromModels(ms), nil
}

func validityFromModels(ms []validityModel) []truth.ValidityEvent {
	out := make([]truth.ValidityEvent, len(ms))
	for i, m := range ms {
		out[i] = truth.ValidityEvent{
			ID: m.ID, CompanyID: m.CompanyID, TaskExecutionID: m.TaskExecutionID,
			State: truth.ValidityState(m.State), CreatedAt: m.CreatedAt,
		}
	}
	return out
}

type detourRepo struct{ t *tx }

func (r *detourRepo) Insert(ctx context.Context, d truth.DetourRecord) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &d.CompanyID); err != nil {
		return err
	}
	m := detourToModel(&d)
	return translate(r.t.db.Create(m).Error, flowerr.CodeEventNotFound, "detour record")
}

func (r *detourRepo) Get(ctx context.Context, id string) (*truth.DetourRecord, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m detourModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "detour record")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return detourFromModel(&m), nil
}

func (r *detourRepo) ListByFlow(ctx context.Context, flowID string) ([]truth.DetourRecord, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []detourModel
	err = r.t.db.Where("company_id = ? AND flow_id = ?", sc.CompanyID, flowID).
		Order("id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "detour record")
	}
	out := make([]truth.DetourRecord, len(ms))
	for i := range ms {
		out[i] = *detourFromModel(&ms[i])
	}
	return out, nil
}

func (r *detourRepo) SetStatus(ctx context.Context, id string, status truth.DetourStatus) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var m detourModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeEventNotFound, "detour record")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return err
	}
	err = r.t.db.Model(&detourModel{}).Where("id = ?", id).
		Update("status", string(status)).Error
	return translate(err, flowerr.CodeEventNotFound, "detour record")
}

func detourToModel(d *truth.DetourRecord) *detourModel {
	return &detourModel{
		ID: d.ID, CompanyID: d.CompanyID, FlowID: d.FlowID,
		CheckpointNodeID:          d.CheckpointNodeID,
		ResumeTargetNodeID:        d.ResumeTargetNodeID,
		CheckpointTaskExecutionID: d.CheckpointTaskExecutionID,
		Type:                      string(d.Type), Status: string(d.Status),
		ChangeRequestID:           d.ChangeRequestID,
	}
}

func detourFromModel(m *detourModel) *truth.DetourRecord {
	return &truth.DetourRecord{
		ID: m.ID, CompanyID: m.CompanyID, FlowID: m.FlowID,
		CheckpointNodeID:          m.CheckpointNodeID,
		ResumeTargetNodeID:        m.ResumeTargetNodeID,
		CheckpointTaskExecutionID: m.CheckpointTaskExecutionID,
		Type:                      truth.DetourType(m.Type),
		Status:                    truth.DetourStatus(m.Status),
		ChangeRequestID:           m.ChangeRequestID,
	}
}

type blockRepo struct{ t *tx }

func (r *blockRepo) Insert(ctx context.Context, b schedule.Block) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &b.CompanyID); err != nil {
		return err
	}
	m, err := blockToModel(&b)
	if err != nil {
		return err
	}
	return translate(r.t.db.Create(m).Error, flowerr.CodeEventNotFound, "schedule block")
}

func (r *blockRepo) Get(ctx context.Context, id string) (*schedule.Block, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m blockModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "schedule block")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return blockFromModel(&m)
}

func (r *blockRepo) FindOpen(ctx context.Context, taskID, flowID string) (*schedule.Block, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m blockModel
	err = r.t.db.Where("company_id = ? AND task_id = ? AND flow_id = ? AND superseded_at IS NULL",
		sc.CompanyID, taskID, flowID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "schedule block")
	}
	return blockFromModel(&m)
}

func (r *blockRepo) ListByTask(ctx context.Context, taskID, flowID string) ([]schedule.Block, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []blockModel
	err = r.t.db.Where("company_id = ? AND task_id = ? AND flow_id = ?", sc.CompanyID, taskID, flowID).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "schedule block")
	}
	out := make([]schedule.Block, len(ms))
	for i := range ms {
		b, err := blockFromModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out[i] = *b
	}
	return out, nil
}

func (r *blockRepo) Supersede(ctx context.Context, id string, at time.Time, byBlockID string) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var m blockModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeEventNotFound, "schedule block")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return err
	}
	res := r.t.db.Model(&blockModel{}).
		Where("id = ? AND superseded_at IS NULL", id).
		Updates(map[string]any{"superseded_at": at, "superseded_by": byBlockID})
	if res.Error != nil {
		return translate(res.Error, flowerr.CodeEventNotFound, "schedule block")
	}
	if res.RowsAffected == 0 {
		return flowerr.New(flowerr.CodeConflict, "block already superseded").WithDetail("blockId", id)
	}
	return nil
}

func blockToModel(b *schedule.Block) (*blockModel, error) {
	var meta json.RawMessage
	if b.Metadata != nil {
		raw, err := json.Marshal(b.Metadata)
		if err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInternal, "encode block metadata", err)
		}
		meta = raw
	}
	return &blockModel{
		ID: b.ID, CompanyID: b.CompanyID, TaskID: b.TaskID, FlowID: b.FlowID,
		TimeClass: string(b.TimeClass), StartAt: b.StartAt, EndAt: b.EndAt,
		Metadata: meta, CreatedBy: b.CreatedBy, CreatedAt: b.CreatedAt,
		SupersededAt: b.SupersededAt, SupersededBy: b.SupersededBy,
		ChangeRequestID: b.ChangeRequestID,
	}, nil
}

func blockFromModel(m *blockModel) (*schedule.Block, error) {
	var meta map[string]any
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInternal, "decode block metadata", err)
		}
	}
	return &schedule.Block{
		ID: m.ID, CompanyID: m.CompanyID, TaskID: m.TaskID, FlowID: m.FlowID,
		TimeClass: schedule.TimeClass(m.TimeClass), StartAt: m.StartAt, EndAt: m.EndAt,
		Metadata: meta, CreatedBy: m.CreatedBy, CreatedAt: m.CreatedAt,
		SupersededAt: m.SupersededAt, SupersededBy: m.SupersededBy,
		ChangeRequestID: m.ChangeRequestID,
	}, nil
}

type changeRequestRepo struct{ t *tx }

func (r *changeRequestRepo) Insert(ctx context.Context, cr schedule.ChangeRequest) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &cr.CompanyID); err != nil {
		return err
	}
	m, err := requestToModel(&cr)
	if err != nil {
		return err
	}
	return translate(r.t.db.Create(m).Error, flowerr.CodeEventNotFound, "change request")
}

func (r *changeRequestRepo) Get(ctx context.Context, id string) (*schedule.ChangeRequest, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m changeRequestModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "change request")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return requestFromModel(&m)
}

func (r *changeRequestRepo) Update(ctx context.Context, cr schedule.ChangeRequest) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var cur changeRequestModel
	if err := r.t.db.First(&cur, "id = ?", cr.ID).Error; err != nil {
		return translate(err, flowerr.CodeEventNotFound, "change request")
	}
	if err := checkCompany(sc, cur.CompanyID); err != nil {
		return err
	}
	cr.CompanyID = cur.CompanyID
	m, err := requestToModel(&cr)
	if err != nil {
		return err
	}
	return translate(r.t.db.Save(m).Error, flowerr.CodeEventNotFound, "change request")
}

func (r *changeRequestRepo) ListByFlow(ctx context.Context, flowID string) ([]schedule.ChangeRequest, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []changeRequestModel
	err = r.t.db.Where("company_id = ? AND flow_id = ?", sc.CompanyID, flowID).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "change request")
	}
	out := make([]schedule.ChangeRequest, len(ms))
	for i := range ms {
		cr, err := requestFromModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out[i] = *cr
	}
	return out, nil
}

func requestToModel(cr *schedule.ChangeRequest) (*changeRequestModel, error) {
	meta, err := json.Marshal(cr.Metadata)
	if err != nil {
		return nil, flowerr.Wrap(flowerr.CodeInternal, "encode request metadata", err)
	}
	return &changeRequestModel{
		ID: cr.ID, CompanyID: cr.CompanyID, FlowID: cr.FlowID, TaskID: cr.TaskID,
		DetourRecordID: cr.DetourRecordID, TimeClass: string(cr.TimeClass),
		Reason: cr.Reason, Metadata: meta, Status: string(cr.Status),
		RequestedBy: cr.RequestedBy, ReviewedBy: cr.ReviewedBy, CreatedAt: cr.CreatedAt,
	}, nil
}

func requestFromModel(m *changeRequestModel) (*schedule.ChangeRequest, error) {
	var meta schedule.RequestMetadata
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInternal, "decode request metadata", err)
		}
	}
	return &schedule.ChangeRequest{
		ID: m.ID, CompanyID: m.CompanyID, FlowID: m.FlowID, TaskID: m.TaskID,
		DetourRecordID: m.DetourRecordID, TimeClass: schedule.TimeClass(m.TimeClass),
		Reason: m.Reason, Metadata: meta, Status: schedule.RequestStatus(m.Status),
		RequestedBy: m.RequestedBy, ReviewedBy: m.ReviewedBy, CreatedAt: m.CreatedAt,
	}, nil
}

type fanOutRuleRepo struct{ t *tx }

func (r *fanOutRuleRepo) Create(ctx context.Context, rule fanout.Rule) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &rule.CompanyID); err != nil {
		return err
	}
	m := fanOutRuleModel{
		ID: rule.ID, CompanyID: rule.CompanyID, WorkflowID: rule.WorkflowID,
		SourceNodeID: rule.SourceNodeID, TriggerOutcome: rule.TriggerOutcome,
		TargetWorkflowID: rule.TargetWorkflowID,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "fan-out rule")
}

func (r *fanOutRuleRepo) ListBySource(ctx context.Context, workflowID, sourceNodeID, outcome string) ([]fanout.Rule, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []fanOutRuleModel
	err = r.t.db.Where("company_id = ? AND workflow_id = ? AND source_node_id = ? AND trigger_outcome = ?",
		sc.CompanyID, workflowID, sourceNodeID, outcome).Order("id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "fan-out rule")
	}
	return rulesFromModels(ms), nil
}

func (r *fanOutRuleRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]fanout.Rule, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []fanOutRuleModel
	err = r.t.db.Where("company_id = ? AND workflow_id = ?", sc.CompanyID, workflowID).
		Order("id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "fan-out rule")
	}
	return rulesFromModels(ms), nil
}

func rulesFromModels(ms []fanOutRuleModel) []fanout.Rule {
	out := make([]fanout.Rule, len(ms))
	for i, m := range ms {
		out[i] = fanout.Rule{
			ID: m.ID, CompanyID: m.CompanyID, WorkflowID: m.WorkflowID,
			SourceNodeID: m.SourceNodeID, TriggerOutcome: m.TriggerOutcome,
			TargetWorkflowID: m.TargetWorkflowID,
		}
	}
	return out
}

type policyRepo struct{ t *tx }

func (r *policyRepo) Upsert(ctx context.Context, p policy.GroupPolicy) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &p.CompanyID); err != nil {
		return err
	}
	overrides, err := json.Marshal(p.TaskOverrides)
	if err != nil {
		return flowerr.Wrap(flowerr.CodeInternal, "encode task overrides", err)
	}
	var cur policyModel
	err = r.t.db.Where("company_id = ? AND flow_group_id = ?", sc.CompanyID, p.FlowGroupID).First(&cur).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		m := policyModel{
			ID: p.ID, CompanyID: p.CompanyID, FlowGroupID: p.FlowGroupID,
			JobPriority: string(p.JobPriority), GroupDueAt: p.GroupDueAt,
			TaskOverrides: overrides,
		}
		return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "group policy")
	case err != nil:
		return translate(err, flowerr.CodeEventNotFound, "group policy")
	default:
		cur.JobPriority = string(p.JobPriority)
		cur.GroupDueAt = p.GroupDueAt
		cur.TaskOverrides = overrides
		return translate(r.t.db.Save(&cur).Error, flowerr.CodeEventNotFound, "group policy")
	}
}

func (r *policyRepo) FindByGroup(ctx context.Context, groupID string) (*policy.GroupPolicy, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m policyModel
	err = r.t.db.Where("company_id = ? AND flow_group_id = ?", sc.CompanyID, groupID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "group policy")
	}
	var overrides []policy.TaskOverride
	if len(m.TaskOverrides) > 0 {
		if err := json.Unmarshal(m.TaskOverrides, &overrides); err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInternal, "decode task overrides", err)
		}
	}
	return &policy.GroupPolicy{
		ID: m.ID, CompanyID: m.CompanyID, FlowGroupID: m.FlowGroupID,
		JobPriority: policy.Priority(m.JobPriority), GroupDueAt: m.GroupDueAt,
		TaskOverrides: overrides,
	}, nil
}

type jobRepo struct{ t *tx }

func (r *jobRepo) Insert(ctx context.Context, j fanout.Job) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &j.CompanyID); err != nil {
		return err
	}
	m := jobModel{
		ID: j.ID, CompanyID: j.CompanyID, FlowGroupID: j.FlowGroupID,
		CustomerID: j.CustomerID, Address: j.Address, CreatedAt: j.CreatedAt,
	}
	err = r.t.db.Create(&m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return flowerr.New(flowerr.CodeJobAlreadyExists, "flow group already has a job").
			WithDetail("groupId", j.FlowGroupID)
	}
	return translate(err, flowerr.CodeJobNotFound, "job")
}

func (r *jobRepo) Get(ctx context.Context, id string) (*fanout.Job, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m jobModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, flowerr.CodeJobNotFound, "job")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return nil, err
	}
	return jobFromModel(&m), nil
}

func (r *jobRepo) FindByGroup(ctx context.Context, groupID string) (*fanout.Job, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var m jobModel
	err = r.t.db.Where("company_id = ? AND flow_group_id = ?", sc.CompanyID, groupID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, flowerr.CodeJobNotFound, "job")
	}
	return jobFromModel(&m), nil
}

func jobFromModel(m *jobModel) *fanout.Job {
	return &fanout.Job{
		ID: m.ID, CompanyID: m.CompanyID, FlowGroupID: m.FlowGroupID,
		CustomerID: m.CustomerID, Address: m.Address, CreatedAt: m.CreatedAt,
	}
}

type assignmentRepo struct{ t *tx }

func (r *assignmentRepo) Insert(ctx context.Context, a flow.Assignment) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	if err := claim(sc, &a.CompanyID); err != nil {
		return err
	}
	assignee, err := json.Marshal(a.Assignee)
	if err != nil {
		return flowerr.Wrap(flowerr.CodeInternal, "encode assignee", err)
	}
	m := assignmentModel{
		ID: a.ID, CompanyID: a.CompanyID, FlowID: a.FlowID, TaskID: a.TaskID,
		Assignee: assignee, CreatedAt: a.CreatedAt,
	}
	return translate(r.t.db.Create(&m).Error, flowerr.CodeEventNotFound, "assignment")
}

func (r *assignmentRepo) Delete(ctx context.Context, id string) error {
	sc, err := r.t.scope(ctx, true)
	if err != nil {
		return err
	}
	var m assignmentModel
	if err := r.t.db.First(&m, "id = ?", id).Error; err != nil {
		return translate(err, flowerr.CodeEventNotFound, "assignment")
	}
	if err := checkCompany(sc, m.CompanyID); err != nil {
		return err
	}
	return translate(r.t.db.Delete(&assignmentModel{}, "id = ?", id).Error, flowerr.CodeEventNotFound, "assignment")
}

func (r *assignmentRepo) ListByFlow(ctx context.Context, flowID string) ([]flow.Assignment, error) {
	sc, err := r.t.scope(ctx, false)
	if err != nil {
		return nil, err
	}
	var ms []assignmentModel
	err = r.t.db.Where("company_id = ? AND flow_id = ?", sc.CompanyID, flowID).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, translate(err, flowerr.CodeEventNotFound, "assignment")
	}
	out := make([]flow.Assignment, len(ms))
	for i, m := range ms {
		var assignee flow.Assignee
		if err := json.Unmarshal(m.Assignee, &assignee); err != nil {
			return nil, flowerr.Wrap(flowerr.CodeInternal, "decode assignee", err)
		}
		out[i] = flow.Assignment{
			ID: m.ID, CompanyID: m.CompanyID, FlowID: m.FlowID, TaskID: m.TaskID,
			Assignee: assignee, CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}
