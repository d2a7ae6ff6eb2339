package hooks

import "time"

type (
	// Event is the interface all engine events implement. Subscribers use
	// type switches on the concrete types, or route on Type:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.TaskDoneEvent:
	//	        log.Printf("task %s finished with %s", e.TaskID, e.Outcome)
	//	    case *hooks.FlowCompletedEvent:
	//	        log.Printf("flow %s completed", e.FlowID())
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// CompanyID returns the tenant the event belongs to.
		CompanyID() string
		// FlowID returns the flow the event belongs to, empty for
		// workflow-level events.
		FlowID() string
		// OccurredAt returns when the event was written, which is the
		// transaction's clock, not dispatch time.
		OccurredAt() time.Time
	}

	// EventType names a concrete event type.
	EventType string

	// TaskStartedEvent fires after a task execution row is committed.
	TaskStartedEvent struct {
		baseEvent
		// TaskID is the started task.
		TaskID string
		// ExecutionID is the new execution row.
		ExecutionID string
		// Iteration is the node iteration the execution belongs to.
		Iteration int
		// Actor is who started the task.
		Actor string
	}

	// TaskDoneEvent fires after an outcome is committed.
	TaskDoneEvent struct {
		baseEvent
		// TaskID is the finished task.
		TaskID string
		// ExecutionID is the execution the outcome was recorded on.
		ExecutionID string
		// Iteration is the node iteration the execution belongs to.
		Iteration int
		// Outcome is the recorded outcome name.
		Outcome string
		// Actor is who recorded the outcome.
		Actor string
	}

	// NodeActivatedEvent fires for each node a committed outcome routed to.
	NodeActivatedEvent struct {
		baseEvent
		// NodeID is the activated node.
		NodeID string
		// Iteration is the activation iteration.
		Iteration int
	}

	// FlowCreatedEvent fires after a flow is instantiated.
	FlowCreatedEvent struct {
		baseEvent
		// WorkflowID is the instantiated workflow.
		WorkflowID string
		// VersionID is the bound workflow version.
		VersionID string
		// GroupID is the owning flow group.
		GroupID string
	}

	// FlowCompletedEvent fires when a committed outcome completed the flow.
	FlowCompletedEvent struct {
		baseEvent
	}

	// FlowBlockedEvent fires when provisioning failure blocked the flow.
	FlowBlockedEvent struct {
		baseEvent
		// Code is the stable error code that caused the block.
		Code string
		// Reason is the human-readable cause.
		Reason string
	}

	// ScheduleCommittedEvent fires after a schedule block commit.
	ScheduleCommittedEvent struct {
		baseEvent
		// TaskID is the scheduled task.
		TaskID string
		// BlockID is the newly committed block.
		BlockID string
		// SupersededBlockID is the replaced block, empty when none was open.
		SupersededBlockID string
		// ChangeRequestID is the committed request, empty for commits
		// driven by outcome metadata alone.
		ChangeRequestID string
	}

	// WorkflowPublishedEvent fires after a workflow version is published.
	WorkflowPublishedEvent struct {
		baseEvent
		// WorkflowID is the published workflow.
		WorkflowID string
		// VersionID is the new version record.
		VersionID string
		// Version is the published version number.
		Version int
	}

	// baseEvent holds the fields shared by all event types and implements
	// the accessor half of the Event interface.
	baseEvent struct {
		companyID string
		flowID    string
		at        time.Time
	}
)

const (
	// TaskStarted identifies TaskStartedEvent.
	TaskStarted EventType = "TASK_STARTED"
	// TaskDone identifies TaskDoneEvent.
	TaskDone EventType = "TASK_DONE"
	// NodeActivated identifies NodeActivatedEvent.
	NodeActivated EventType = "NODE_ACTIVATED"
	// FlowCreated identifies FlowCreatedEvent.
	FlowCreated EventType = "FLOW_CREATED"
	// FlowCompleted identifies FlowCompletedEvent.
	FlowCompleted EventType = "FLOW_COMPLETED"
	// FlowBlocked identifies FlowBlockedEvent.
	FlowBlocked EventType = "FLOW_BLOCKED"
	// ScheduleCommitted identifies ScheduleCommittedEvent.
	ScheduleCommitted EventType = "SCHEDULE_COMMITTED"
	// WorkflowPublished identifies WorkflowPublishedEvent.
	WorkflowPublished EventType = "WORKFLOW_PUBLISHED"
)

func newBaseEvent(companyID, flowID string, at time.Time) baseEvent {
	return baseEvent{companyID: companyID, flowID: flowID, at: at}
}

// CompanyID returns the tenant the event belongs to.
func (e baseEvent) CompanyID() string { return e.companyID }

// FlowID returns the flow the event belongs to.
func (e baseEvent) FlowID() string { return e.flowID }

// OccurredAt returns the event's transaction timestamp.
func (e baseEvent) OccurredAt() time.Time { return e.at }

// NewTaskStartedEvent constructs a TaskStartedEvent.
func NewTaskStartedEvent(companyID, flowID, taskID, executionID string, iteration int, actor string, at time.Time) *TaskStartedEvent {
	return &TaskStartedEvent{
		baseEvent:   newBaseEvent(companyID, flowID, at),
		TaskID:      taskID,
		ExecutionID: executionID,
		Iteration:   iteration,
		Actor:       actor,
	}
}

// NewTaskDoneEvent constructs a TaskDoneEvent.
func NewTaskDoneEvent(companyID, flowID, taskID, executionID string, iteration int, outcome, actor string, at time.Time) *TaskDoneEvent {
	return &TaskDoneEvent{
		baseEvent:   newBaseEvent(companyID, flowID, at),
		TaskID:      taskID,
		ExecutionID: executionID,
		Iteration:   iteration,
		Outcome:     outcome,
		Actor:       actor,
	}
}

// NewNodeActivatedEvent constructs a NodeActivatedEvent.
func NewNodeActivatedEvent(companyID, flowID, nodeID string, iteration int, at time.Time) *NodeActivatedEvent {
	return &NodeActivatedEvent{
		baseEvent: newBaseEvent(companyID, flowID, at),
		NodeID:    nodeID,
		Iteration: iteration,
	}
}

// NewFlowCreatedEvent constructs a FlowCreatedEvent.
func NewFlowCreatedEvent(companyID, flowID, workflowID, versionID, groupID string, at time.Time) *FlowCreatedEvent {
	return &FlowCreatedEvent{
		baseEvent:  newBaseEvent(companyID, flowID, at),
		WorkflowID: workflowID,
		VersionID:  versionID,
		GroupID:    groupID,
	}
}

// NewFlowCompletedEvent constructs a FlowCompletedEvent.
func NewFlowCompletedEvent(companyID, flowID string, at time.Time) *FlowCompletedEvent {
	return &FlowCompletedEvent{baseEvent: newBaseEvent(companyID, flowID, at)}
}

// NewFlowBlockedEvent constructs a FlowBlockedEvent.
func NewFlowBlockedEvent(companyID, flowID, code, reason string, at time.Time) *FlowBlockedEvent {
	return &FlowBlockedEvent{
		baseEvent: newBaseEvent(companyID, flowID, at),
		Code:      code,
		Reason:    reason,
	}
}

// NewScheduleCommittedEvent constructs a ScheduleCommittedEvent.
func NewScheduleCommittedEvent(companyID, flowID, taskID, blockID, supersededBlockID, changeRequestID string, at time.Time) *ScheduleCommittedEvent {
	return &ScheduleCommittedEvent{
		baseEvent:         newBaseEvent(companyID, flowID, at),
		TaskID:            taskID,
		BlockID:           blockID,
		SupersededBlockID: supersededBlockID,
		ChangeRequestID:   changeRequestID,
	}
}

// NewWorkflowPublishedEvent constructs a WorkflowPublishedEvent.
func NewWorkflowPublishedEvent(companyID, workflowID, versionID string, version int, at time.Time) *WorkflowPublishedEvent {
	return &WorkflowPublishedEvent{
		baseEvent:  newBaseEvent(companyID, "", at),
		WorkflowID: workflowID,
		VersionID:  versionID,
		Version:    version,
	}
}

// Type method implementations

func (e *TaskStartedEvent) Type() EventType       { return TaskStarted }
func (e *TaskDoneEvent) Type() EventType          { return TaskDone }
func (e *NodeActivatedEvent) Type() EventType     { return NodeActivated }
func (e *FlowCreatedEvent) Type() EventType       { return FlowCreated }
func (e *FlowCompletedEvent) Type() EventType     { return FlowCompleted }
func (e *FlowBlockedEvent) Type() EventType       { return FlowBlocked }
func (e *ScheduleCommittedEvent) Type() EventType { return ScheduleCommitted }
func (e *WorkflowPublishedEvent) Type() EventType { return WorkflowPublished }
