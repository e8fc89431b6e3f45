// Package event defines the lifecycle notifications the orchestration core
// publishes on the in-process bus.
package event

import "time"

// Type enumerates the lifecycle events the core emits.
type Type string

const (
	TaskCreated       Type = "task.created"
	TaskStatusChanged Type = "task.status_changed"
	TaskAssigned      Type = "task.assigned"

	RunStarted   Type = "run.started"
	RunCompleted Type = "run.completed"
	RunFailed    Type = "run.failed"

	WorkerRegistered Type = "worker.registered"
	WorkerHeartbeat  Type = "worker.heartbeat"
	WorkerOffline    Type = "worker.offline"

	PlanStarted      Type = "plan.started"
	PlanSubtaskReady Type = "plan.subtask_ready"
	PlanCompleted    Type = "plan.completed"
	PlanFailed       Type = "plan.failed"

	WorkflowPhaseEntered   Type = "workflow.phase_entered"
	WorkflowPhaseCompleted Type = "workflow.phase_completed"
	WorkflowCompleted      Type = "workflow.completed"
	WorkflowFailed         Type = "workflow.failed"

	// Agent-surfaced types. The core never publishes these itself; agents and
	// boundary adapters thread them through the same bus.
	ReviewRequested     Type = "review.requested"
	ReviewCompleted     Type = "review.completed"
	DeploymentRequested Type = "deployment.requested"
	DeploymentCompleted Type = "deployment.completed"
	DeploymentFailed    Type = "deployment.failed"
	PlanRequested       Type = "plan.requested"
	PlanGenerated       Type = "plan.generated"
	AgentError          Type = "agent.error"
)

// Known reports whether t is one of the enumerated event types.
func Known(t Type) bool {
	switch t {
	case TaskCreated, TaskStatusChanged, TaskAssigned,
		RunStarted, RunCompleted, RunFailed,
		WorkerRegistered, WorkerHeartbeat, WorkerOffline,
		PlanStarted, PlanSubtaskReady, PlanCompleted, PlanFailed,
		WorkflowPhaseEntered, WorkflowPhaseCompleted, WorkflowCompleted, WorkflowFailed,
		ReviewRequested, ReviewCompleted, DeploymentRequested, DeploymentCompleted,
		DeploymentFailed, PlanRequested, PlanGenerated, AgentError:
		return true
	default:
		return false
	}
}

// Event is a single lifecycle notification.
type Event struct {
	Type          Type           `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	SourceAgent   string         `json:"source_agent,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(t Type, correlationID string, payload map[string]any) Event {
	return Event{
		Type:          t,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
}
