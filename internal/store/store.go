// Package store defines the persistence ports for the orchestration core:
// one transactional store owning tasks, runs, workers, plans, the planning
// queue and the optional legacy mirror tables.
//
// Every multi-row state change runs inside WithinTx; reads outside a
// transaction observe a committed snapshot. Implementations must guarantee
// that two concurrent transactions cannot both move the same task out of
// queued (row locks or a single-writer lock both qualify).
package store

import (
	"context"
	"time"

	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
)

// Store is the transactional persistence port.
type Store interface {
	// WithinTx runs fn inside a read-write transaction. A non-nil error
	// rolls every staged change back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a committed read snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx exposes the typed tables available inside a transaction. Get methods
// return not_found errors from the errors package; Put upserts.
type Tx interface {
	// tasks
	GetTask(id string) (*task.Task, error)
	PutTask(t *task.Task) error
	DeleteTask(id string) error
	TasksByStatus(status task.Status) ([]*task.Task, error)
	TasksByPlan(planID string) ([]*task.Task, error)
	// QueuedTasks returns queued tasks ordered by priority desc, created_at
	// asc, optionally filtered by task type. Readiness (dependency
	// satisfaction) is the repository's concern, so limit is applied there.
	QueuedTasks(taskType string) ([]*task.Task, error)
	AppendTransition(tr task.Transition) error
	TransitionsByTask(taskID string) ([]task.Transition, error)

	// runs
	GetRun(id string) (*task.Run, error)
	PutRun(r *task.Run) error
	RunsByTask(taskID string) ([]*task.Run, error)
	RunsByWorker(workerID string) ([]*task.Run, error)
	DeleteRunsByTask(taskID string) error
	// NextRunNumber returns max(run_number)+1 for the task, starting at 1.
	NextRunNumber(taskID string) (int, error)

	// workers
	GetWorker(id string) (*worker.Worker, error)
	PutWorker(w *worker.Worker) error
	DeleteWorker(id string) error
	Workers() ([]*worker.Worker, error)
	WorkersByStatus(status worker.Status) ([]*worker.Worker, error)
	WorkersByRole(role string) ([]*worker.Worker, error)

	// execution plans
	GetPlan(id string) (*plan.ExecutionPlan, error)
	PutPlan(p *plan.ExecutionPlan) error
	PlansByStatus(status plan.Status) ([]*plan.ExecutionPlan, error)

	// planning queue
	GetPlanningRequest(id string) (*plan.Request, error)
	PutPlanningRequest(r *plan.Request) error

	// plan execution progress
	GetPlanExecution(planID string) (*plan.Execution, error)
	PutPlanExecution(e *plan.Execution) error

	// legacy dual-write mirror
	Legacy() LegacyTx
}

// LegacyTx mirrors mutations into the unified_* side tables during the
// schema migration. All writes share the enclosing transaction: if either
// side fails the whole transaction rolls back.
type LegacyTx interface {
	PutTask(row *UnifiedTask) error
	GetTask(id string) (*UnifiedTask, error)
	DeleteTask(id string) error
	PutWorkflowTask(row *UnifiedWorkflowTask) error
	GetWorkflowTask(taskID string) (*UnifiedWorkflowTask, error)
	PutReviewTask(row *UnifiedReviewTask) error
	GetReviewTask(taskID string) (*UnifiedReviewTask, error)
	PutDeploymentTask(row *UnifiedDeploymentTask) error
	GetDeploymentTask(taskID string) (*UnifiedDeploymentTask, error)
}

// UnifiedTask is a unified_tasks row.
type UnifiedTask struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlation_id"`
	TaskType      string         `json:"task_type"`
	Status        string         `json:"status"`
	AgentType     string         `json:"agent_type,omitempty"`
	Priority      int            `json:"priority"`
	InputData     map[string]any `json:"input_data,omitempty"`
	OutputData    map[string]any `json:"output_data,omitempty"`
	TaskMetadata  map[string]any `json:"task_metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
}

// UnifiedWorkflowTask is a unified_workflow_tasks row.
type UnifiedWorkflowTask struct {
	TaskID          string         `json:"task_id"`
	CorrelationID   string         `json:"correlation_id"`
	WorkflowType    string         `json:"workflow_type"`
	CurrentPhase    string         `json:"current_phase"`
	TotalPhases     int            `json:"total_phases"`
	PhasesCompleted int            `json:"phases_completed"`
	PhaseHistory    []string       `json:"phase_history,omitempty"`
	WorkflowConfig  map[string]any `json:"workflow_config,omitempty"`
	WorkflowResult  map[string]any `json:"workflow_result,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// UnifiedReviewTask is a unified_review_tasks row.
type UnifiedReviewTask struct {
	TaskID          string         `json:"task_id"`
	CorrelationID   string         `json:"correlation_id"`
	CodePath        string         `json:"code_path,omitempty"`
	PRID            string         `json:"pr_id,omitempty"`
	ReviewScore     int            `json:"review_score"`
	ReviewResult    map[string]any `json:"review_result,omitempty"`
	Violations      []any          `json:"violations,omitempty"`
	Suggestions     []any          `json:"suggestions,omitempty"`
	AutoFixEnabled  bool           `json:"auto_fix_enabled"`
	AutoFixAttempts int            `json:"auto_fix_attempts"`
	AutoFixResult   map[string]any `json:"auto_fix_result,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// UnifiedDeploymentTask is a unified_deployment_tasks row.
type UnifiedDeploymentTask struct {
	TaskID           string         `json:"task_id"`
	CorrelationID    string         `json:"correlation_id"`
	ServiceName      string         `json:"service_name,omitempty"`
	Environment      string         `json:"environment,omitempty"`
	CommitSHA        string         `json:"commit_sha,omitempty"`
	Strategy         string         `json:"strategy,omitempty"`
	DeploymentConfig map[string]any `json:"deployment_config,omitempty"`
	DeploymentURL    string         `json:"deployment_url,omitempty"`
	DeploymentStatus string         `json:"deployment_status,omitempty"`
	DeploymentLogs   string         `json:"deployment_logs,omitempty"`
	HealthCheckURL   string         `json:"health_check_url,omitempty"`
	HealthStatus     string         `json:"health_status,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
