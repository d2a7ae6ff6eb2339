package postgres

import (
	"encoding/json"
	"time"
)

type (
	workflowModel struct {
		ID          string `gorm:"primaryKey"`
		CompanyID   string `gorm:"index;uniqueIndex:ux_workflow_name,priority:1"`
		Name        string `gorm:"uniqueIndex:ux_workflow_name,priority:2"`
		Version     int    `gorm:"uniqueIndex:ux_workflow_name,priority:3"`
		Status      string
		Definition  json.RawMessage `gorm:"type:jsonb"`
		PublishedAt *time.Time
		PublishedBy string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	versionModel struct {
		ID          string `gorm:"primaryKey"`
		CompanyID   string `gorm:"index"`
		WorkflowID  string `gorm:"uniqueIndex:ux_version_number,priority:1"`
		Version     int    `gorm:"uniqueIndex:ux_version_number,priority:2"`
		ContentHash string
		Snapshot    json.RawMessage `gorm:"type:jsonb"`
		CreatedAt   time.Time
		CreatedBy   string
	}

	groupModel struct {
		ID        string `gorm:"primaryKey"`
		CompanyID string `gorm:"uniqueIndex:ux_group_scope,priority:1"`
		ScopeType string `gorm:"uniqueIndex:ux_group_scope,priority:2"`
		ScopeID   string `gorm:"uniqueIndex:ux_group_scope,priority:3"`
		CreatedAt time.Time
	}

	flowModel struct {
		ID         string `gorm:"primaryKey"`
		CompanyID  string `gorm:"index"`
		GroupID    string `gorm:"uniqueIndex:ux_flow_workflow,priority:1"`
		WorkflowID string `gorm:"uniqueIndex:ux_flow_workflow,priority:2"`
		VersionID  string `gorm:"index"`
		Status     string
		CreatedAt  time.Time
	}

	activationModel struct {
		ID          string `gorm:"primaryKey"`
		CompanyID   string `gorm:"index"`
		FlowID      string `gorm:"uniqueIndex:ux_activation,priority:1"`
		NodeID      string `gorm:"uniqueIndex:ux_activation,priority:2"`
		Iteration   int    `gorm:"uniqueIndex:ux_activation,priority:3"`
		ActivatedAt time.Time
	}

	executionModel struct {
		ID        string `gorm:"primaryKey"`
		CompanyID string `gorm:"index"`
		FlowID    string `gorm:"uniqueIndex:ux_execution,priority:1"`
		TaskID    string `gorm:"uniqueIndex:ux_execution,priority:2"`
		Iteration int    `gorm:"uniqueIndex:ux_execution,priority:3"`
		NodeID    string
		StartedAt time.Time
		StartedBy string
		Outcome   *string
		OutcomeAt *time.Time
		OutcomeBy string
		DetourID  string
	}

	evidenceModel struct {
		ID        string `gorm:"primaryKey"`
		CompanyID string `gorm:"index"`
		FlowID    string `gorm:"index;uniqueIndex:ux_evidence_key,priority:1"`
		TaskID    string `gorm:"uniqueIndex:ux_evidence_key,priority:2"`
		Type      string
		Payload   json.RawMessage `gorm:"type:jsonb"`
		// IdempotencyKey is NULL when the attachment carries no key; the
		// unique index treats NULLs as distinct, so only keyed rows dedupe.
		IdempotencyKey *string `gorm:"uniqueIndex:ux_evidence_key,priority:3"`
		AttachedBy     string
		AttachedAt     time.Time
	}

	validityModel struct {
		ID              string `gorm:"primaryKey"`
		CompanyID       string `gorm:"index"`
		TaskExecutionID string `gorm:"index"`
		State           string
		CreatedAt       time.Time
	}

	detourModel struct {
		ID                        string `gorm:"primaryKey"`
		CompanyID                 string `gorm:"index"`
		FlowID                    string `gorm:"index"`
		CheckpointNodeID          string
		ResumeTargetNodeID        string
		CheckpointTaskExecutionID string
		Type                      string
		Status                    string
		ChangeRequestID           string
	}

	blockModel struct {
		ID              string `gorm:"primaryKey"`
		CompanyID       string `gorm:"index"`
		TaskID          string `gorm:"index:ix_block_task,priority:1"`
		FlowID          string `gorm:"index:ix_block_task,priority:2"`
		TimeClass       string
		StartAt         time.Time
		EndAt           time.Time
		Metadata        json.RawMessage `gorm:"type:jsonb"`
		CreatedBy       string
		CreatedAt       time.Time
		SupersededAt    *time.Time
		SupersededBy    string
		ChangeRequestID string
	}

	changeRequestModel struct {
		ID             string `gorm:"primaryKey"`
		CompanyID      string `gorm:"index"`
		FlowID         string `gorm:"index"`
		TaskID         string
		DetourRecordID string
		TimeClass      string
		Reason         string
		Metadata       json.RawMessage `gorm:"type:jsonb"`
		Status         string
		RequestedBy    string
		ReviewedBy     string
		CreatedAt      time.Time
	}

	fanOutRuleModel struct {
		ID               string `gorm:"primaryKey"`
		CompanyID        string `gorm:"index"`
		WorkflowID       string `gorm:"index:ix_rule_source,priority:1"`
		SourceNodeID     string `gorm:"index:ix_rule_source,priority:2"`
		TriggerOutcome   string `gorm:"index:ix_rule_source,priority:3"`
		TargetWorkflowID string
	}

	policyModel struct {
		ID            string `gorm:"primaryKey"`
		CompanyID     string `gorm:"index"`
		FlowGroupID   string `gorm:"uniqueIndex"`
		JobPriority   string
		GroupDueAt    *time.Time
		TaskOverrides json.RawMessage `gorm:"type:jsonb"`
	}

	jobModel struct {
		ID          string `gorm:"primaryKey"`
		CompanyID   string `gorm:"index"`
		FlowGroupID string `gorm:"uniqueIndex"`
		CustomerID  string
		Address     string
		CreatedAt   time.Time
	}

	assignmentModel struct {
		ID        string `gorm:"primaryKey"`
		CompanyID string `gorm:"index"`
		FlowID    string `gorm:"index"`
		TaskID    string
		Assignee  json.RawMessage `gorm:"type:jsonb"`
		CreatedAt time.Time
	}
)

func (workflowModel) TableName() string      { return "workflows" }
func (versionModel) TableName() string       { return "workflow_versions" }
func (groupModel) TableName() string         { return "flow_groups" }
func (flowModel) TableName() string          { return "flows" }
func (activationModel) TableName() string    { return "node_activations" }
func (executionModel) TableName() string     { return "task_executions" }
func (evidenceModel) TableName() string      { return "evidence_attachments" }
func (validityModel) TableName() string      { return "validity_events" }
func (detourModel) TableName() string        { return "detour_records" }
func (blockModel) TableName() string         { return "schedule_blocks" }
func (changeRequestModel) TableName() string { return "change_requests" }
func (fanOutRuleModel) TableName() string    { return "fanout_rules" }
func (policyModel) TableName() string        { return "group_policies" }
func (jobModel) TableName() string           { return "jobs" }
func (assignmentModel) TableName() string    { return "assignments" }
