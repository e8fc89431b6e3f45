// Package task defines the task and run domain model: the unit of work the
// orchestrator routes to workers, and the per-attempt execution record.
//
// Status transitions are validated here so every store-backed mutation path
// enforces the same machine.
package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusAssigned      Status = "assigned"
	StatusInProgress    Status = "in_progress"
	StatusReviewPending Status = "review_pending"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusReworkNeeded  Status = "rework_needed"
	StatusEscalated     Status = "escalated"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// IsTerminal reports whether the status is a final, sticky state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusAssigned, StatusInProgress, StatusReviewPending,
		StatusApproved, StatusRejected, StatusReworkNeeded, StatusEscalated,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions is the task state machine. A transition not listed here is a
// state error. Cancellation from any non-terminal state is handled in
// CanTransition rather than enumerated per row.
//
// assigned/in_progress → queued is the redelivery edge: a dead or
// unregistered worker returns its task to the queue (at-least-once).
//
// queued → in_progress is the workflow container edge: the executor starts
// an embedded workflow directly, without a worker claim, so those tasks
// never pass through assigned.
var transitions = map[Status][]Status{
	StatusQueued:        {StatusAssigned, StatusInProgress},
	StatusAssigned:      {StatusInProgress, StatusQueued},
	StatusInProgress:    {StatusReviewPending, StatusCompleted, StatusFailed, StatusQueued},
	StatusReviewPending: {StatusApproved, StatusRejected, StatusReworkNeeded, StatusEscalated},
	StatusApproved:      {StatusCompleted},
	StatusRejected:      {StatusFailed},
	StatusReworkNeeded:  {StatusAssigned},
	StatusEscalated:     {StatusApproved, StatusRejected},
}

// CanTransition reports whether from → to is a legal state machine edge.
func (s Status) CanTransition(to Status) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// RequiresWorker reports whether a task in this status must carry an
// assigned worker. The inverse holds too: outside these states
// AssignedWorker must be empty.
func (s Status) RequiresWorker() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Task is a durable unit of work.
type Task struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	TaskType     string `json:"task_type"`
	Priority     int    `json:"priority"`
	Status       Status `json:"status"`
	CurrentPhase string `json:"current_phase"`

	// Workflow holds the embedded phase state machine for workflow tasks,
	// serialized by the workflow package. Nil for plain tasks.
	Workflow map[string]any `json:"workflow,omitempty"`

	Payload        map[string]any `json:"payload,omitempty"`
	AssignedWorker string         `json:"assigned_worker,omitempty"`
	MaxRetries     int            `json:"max_retries"`
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	PlanID         string         `json:"plan_id,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Tags           []string       `json:"tags,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Preserved but not interpreted by the core.
	Summary            string         `json:"summary,omitempty"`
	GeneratedArtifacts map[string]any `json:"generated_artifacts,omitempty"`
	RelatedDocumentIDs []string       `json:"related_document_ids,omitempty"`
	KnowledgeFragments map[string]any `json:"knowledge_fragments,omitempty"`
}

// DefaultMaxRetries applies when a task is created without an explicit budget.
const DefaultMaxRetries = 3

// DefaultPhase is the phase a task starts in before any workflow runs.
const DefaultPhase = "start"

// IsWorkflow reports whether the task embeds a workflow state machine.
func (t *Task) IsWorkflow() bool {
	return t.Workflow != nil
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate committed state outside a transaction.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	dup.Workflow = cloneMap(t.Workflow)
	dup.Payload = cloneMap(t.Payload)
	dup.Metadata = cloneMap(t.Metadata)
	dup.GeneratedArtifacts = cloneMap(t.GeneratedArtifacts)
	dup.KnowledgeFragments = cloneMap(t.KnowledgeFragments)
	dup.Dependencies = append([]string(nil), t.Dependencies...)
	dup.Tags = append([]string(nil), t.Tags...)
	dup.RelatedDocumentIDs = append([]string(nil), t.RelatedDocumentIDs...)
	if t.DueDate != nil {
		due := *t.DueDate
		dup.DueDate = &due
	}
	return &dup
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup := make(map[string]any, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}

// Transition records a state change in the task lifecycle.
type Transition struct {
	TaskID     string         `json:"task_id"`
	FromStatus Status         `json:"from_status"`
	ToStatus   Status         `json:"to_status"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RunStatus represents the lifecycle state of a single execution attempt.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailure   RunStatus = "failure"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSuccess, RunFailure, RunTimeout, RunCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the enumerated run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunFailure, RunTimeout, RunCancelled:
		return true
	default:
		return false
	}
}

// Run is one execution attempt of a task. RunNumber is 1-based and
// contiguous per task; (TaskID, RunNumber) is unique.
type Run struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	WorkerID     string         `json:"worker_id"`
	RunNumber    int            `json:"run_number"`
	Status       RunStatus      `json:"status"`
	Phase        string         `json:"phase,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	OutputLog    string         `json:"output_log,omitempty"`
	Transcript   string         `json:"transcript,omitempty"`
}

// Duration returns the run's wall time, or zero while it is still open.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	dup := *r
	dup.ResultData = cloneMap(r.ResultData)
	if r.CompletedAt != nil {
		done := *r.CompletedAt
		dup.CompletedAt = &done
	}
	return &dup
}
