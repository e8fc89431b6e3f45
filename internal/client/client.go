// Package client is the typed facade over the orchestration core. It exposes
// the union of the task repository, worker service, plan engine and workflow
// executor operations under stable names, validates arguments, allocates a
// correlation id when the caller brought none, and normalizes every error
// into the core taxonomy. No business logic lives here.
package client

import (
	"context"

	"github.com/go-playground/validator/v10"

	"chimera/internal/domain/agent"
	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/ids"
	"chimera/internal/logging"
	"chimera/internal/orchestrator"
	"chimera/internal/planner"
	"chimera/internal/taskrepo"
	"chimera/internal/workers"
)

// Config wires the facade's collaborators. All of Repo, Workers, Planner and
// Executor are required; Bus is required for GetEventBus.
type Config struct {
	Repo     *taskrepo.Repository
	Workers  *workers.Service
	Planner  *planner.Engine
	Executor *orchestrator.Executor
	Bus      *events.Bus
	Logger   logging.Logger
}

// Client is the facade handle.
type Client struct {
	repo     *taskrepo.Repository
	workers  *workers.Service
	planner  *planner.Engine
	exec     *orchestrator.Executor
	bus      *events.Bus
	log      logging.Logger
	validate *validator.Validate
}

// New builds the facade, rejecting a partially wired configuration.
func New(cfg Config) (*Client, error) {
	const op = "client.New"
	if cfg.Repo == nil || cfg.Workers == nil || cfg.Planner == nil || cfg.Executor == nil || cfg.Bus == nil {
		return nil, errors.E(errors.KindValidation, op, "repo, workers, planner, executor and bus are all required")
	}
	return &Client{
		repo:     cfg.Repo,
		workers:  cfg.Workers,
		planner:  cfg.Planner,
		exec:     cfg.Executor,
		bus:      cfg.Bus,
		log:      logging.OrNop(cfg.Logger),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// GetEventBus exposes the in-process bus for subscribers.
func (c *Client) GetEventBus() *events.Bus { return c.bus }

// normalize maps any error onto the core taxonomy. Errors already carrying a
// kind pass through untouched; everything else becomes internal_error.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.E(errors.KindInternal, op, err)
}

func (c *Client) check(op string, req any) error {
	if err := c.validate.Struct(req); err != nil {
		return errors.E(errors.KindValidation, op, err)
	}
	return nil
}

// ---- tasks ----

// CreateTaskRequest carries the arguments of CreateTask.
type CreateTaskRequest struct {
	Title        string `validate:"required"`
	TaskType     string `validate:"required"`
	Description  string
	Priority     int `validate:"gte=0,lte=10"`
	Payload      map[string]any
	MaxRetries   int `validate:"gte=0"`
	ParentTaskID string
	PlanID       string
	Dependencies []string
	Tags         []string
	Metadata     map[string]any
}

// CreateTask creates a queued task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*task.Task, error) {
	const op = "client.CreateTask"
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	t, err := c.repo.CreateTask(ctx, taskrepo.CreateTaskInput{
		Title:        req.Title,
		Description:  req.Description,
		TaskType:     req.TaskType,
		Priority:     req.Priority,
		Payload:      req.Payload,
		MaxRetries:   req.MaxRetries,
		ParentTaskID: req.ParentTaskID,
		PlanID:       req.PlanID,
		Dependencies: req.Dependencies,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
	})
	return t, normalize(op, err)
}

// GetTask returns a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	const op = "client.GetTask"
	if taskID == "" {
		return nil, errors.E(errors.KindValidation, op, "task id is required")
	}
	t, err := c.repo.GetTask(ctx, taskID)
	return t, normalize(op, err)
}

// UpdateTaskStatus applies a status transition. Metadata may carry the
// reserved keys assigned_worker, current_phase, error_message and reason.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, status task.Status, metadata map[string]any) (*task.Task, error) {
	const op = "client.UpdateTaskStatus"
	if taskID == "" {
		return nil, errors.E(errors.KindValidation, op, "task id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	t, err := c.repo.UpdateTaskStatus(ctx, taskID, status, metadata)
	return t, normalize(op, err)
}

// GetTasksByStatus lists tasks in the given status.
func (c *Client) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	const op = "client.GetTasksByStatus"
	ts, err := c.repo.GetTasksByStatus(ctx, status)
	return ts, normalize(op, err)
}

// GetQueuedTasks lists ready queued tasks, highest priority first. limit <= 0
// means no limit; taskType "" means any type.
func (c *Client) GetQueuedTasks(ctx context.Context, limit int, taskType string) ([]*task.Task, error) {
	const op = "client.GetQueuedTasks"
	ts, err := c.repo.GetQueuedTasks(ctx, limit, taskType)
	return ts, normalize(op, err)
}

// DeleteTask removes a task and its runs. Non-terminal tasks need force.
func (c *Client) DeleteTask(ctx context.Context, taskID string, force bool) error {
	const op = "client.DeleteTask"
	if taskID == "" {
		return errors.E(errors.KindValidation, op, "task id is required")
	}
	return normalize(op, c.repo.DeleteTask(ctx, taskID, force))
}

// GetTaskRuns returns the task's runs ordered by run number.
func (c *Client) GetTaskRuns(ctx context.Context, taskID string) ([]*task.Run, error) {
	const op = "client.GetTaskRuns"
	rs, err := c.repo.GetRuns(ctx, taskID)
	return rs, normalize(op, err)
}

// GetTaskTransitions returns the task's status audit trail.
func (c *Client) GetTaskTransitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	const op = "client.GetTaskTransitions"
	trs, err := c.repo.ListTransitions(ctx, taskID)
	return trs, normalize(op, err)
}

// ---- workers ----

// RegisterWorkerRequest carries the arguments of RegisterWorker.
type RegisterWorkerRequest struct {
	WorkerID     string `validate:"required"`
	Role         string `validate:"required"`
	Capabilities []agent.Capability
	Metadata     map[string]any
}

// RegisterWorker registers (or re-registers) a worker.
func (c *Client) RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (*worker.Worker, error) {
	const op = "client.RegisterWorker"
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	w, err := c.workers.RegisterWorker(ctx, req.WorkerID, req.Role, req.Capabilities, req.Metadata)
	return w, normalize(op, err)
}

// UpdateWorkerHeartbeat refreshes a worker's liveness. The bool reports
// whether the worker is known.
func (c *Client) UpdateWorkerHeartbeat(ctx context.Context, workerID string, status worker.Status) (bool, error) {
	const op = "client.UpdateWorkerHeartbeat"
	if workerID == "" {
		return false, errors.E(errors.KindValidation, op, "worker id is required")
	}
	ok, err := c.workers.UpdateWorkerHeartbeat(ctx, workerID, status)
	return ok, normalize(op, err)
}

// GetWorker returns a worker by id.
func (c *Client) GetWorker(ctx context.Context, workerID string) (*worker.Worker, error) {
	const op = "client.GetWorker"
	w, err := c.workers.GetWorker(ctx, workerID)
	return w, normalize(op, err)
}

// GetActiveWorkers lists available workers, optionally filtered by role.
func (c *Client) GetActiveWorkers(ctx context.Context, role string) ([]*worker.Worker, error) {
	const op = "client.GetActiveWorkers"
	ws, err := c.workers.GetActiveWorkers(ctx, role)
	return ws, normalize(op, err)
}

// UnregisterWorker removes a worker, requeueing any held task.
func (c *Client) UnregisterWorker(ctx context.Context, workerID string) error {
	const op = "client.UnregisterWorker"
	if workerID == "" {
		return errors.E(errors.KindValidation, op, "worker id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	return normalize(op, c.workers.UnregisterWorker(ctx, workerID))
}

// ClaimNextTask atomically assigns the highest-priority ready task matching
// the worker's capabilities and opens a run for it.
func (c *Client) ClaimNextTask(ctx context.Context, workerID string, capabilityFilter []agent.Capability) (*workers.ClaimResult, error) {
	const op = "client.ClaimNextTask"
	if workerID == "" {
		return nil, errors.E(errors.KindValidation, op, "worker id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	res, err := c.workers.Claim(ctx, workerID, capabilityFilter)
	return res, normalize(op, err)
}

// StartRun moves a pending run to running.
func (c *Client) StartRun(ctx context.Context, runID string) (*task.Run, error) {
	const op = "client.StartRun"
	if runID == "" {
		return nil, errors.E(errors.KindValidation, op, "run id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	r, err := c.workers.StartRun(ctx, runID)
	return r, normalize(op, err)
}

// CompleteRun closes a run with a terminal status.
func (c *Client) CompleteRun(ctx context.Context, runID string, status task.RunStatus, resultData map[string]any, errorMessage string) (*task.Run, error) {
	const op = "client.CompleteRun"
	if runID == "" {
		return nil, errors.E(errors.KindValidation, op, "run id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	r, err := c.workers.CompleteRun(ctx, runID, status, resultData, errorMessage)
	return r, normalize(op, err)
}

// ---- plans ----

// RegisterPlan stores a validated execution plan as pending.
func (c *Client) RegisterPlan(ctx context.Context, p *plan.ExecutionPlan) (*plan.ExecutionPlan, error) {
	const op = "client.RegisterPlan"
	if p == nil {
		return nil, errors.E(errors.KindValidation, op, "plan is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	registered, err := c.planner.RegisterPlan(ctx, p)
	return registered, normalize(op, err)
}

// GetPlan returns an execution plan by id.
func (c *Client) GetPlan(ctx context.Context, planID string) (*plan.ExecutionPlan, error) {
	const op = "client.GetPlan"
	p, err := c.planner.GetPlan(ctx, planID)
	return p, normalize(op, err)
}

// CreatePlannedSubtasksFromPlan materializes the plan's subtasks as queued
// tasks, all-or-nothing. Returns the number created.
func (c *Client) CreatePlannedSubtasksFromPlan(ctx context.Context, planID string) (int, error) {
	const op = "client.CreatePlannedSubtasksFromPlan"
	if planID == "" {
		return 0, errors.E(errors.KindValidation, op, "plan id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	n, err := c.planner.CreatePlannedSubtasksFromPlan(ctx, planID)
	return n, normalize(op, err)
}

// GetExecutionPlanStatus returns the plan's current status from the store.
func (c *Client) GetExecutionPlanStatus(ctx context.Context, planID string) (plan.Status, error) {
	const op = "client.GetExecutionPlanStatus"
	st, err := c.planner.GetExecutionPlanStatus(ctx, planID)
	return st, normalize(op, err)
}

// GetExecutionPlanStatusCached returns the plan's status through a short TTL
// cache, trading freshness for hot-path reads.
func (c *Client) GetExecutionPlanStatusCached(ctx context.Context, planID string) (plan.Status, error) {
	const op = "client.GetExecutionPlanStatusCached"
	st, err := c.planner.GetExecutionPlanStatusCached(ctx, planID)
	return st, normalize(op, err)
}

// CheckSubtaskDependencies reports whether every dependency of the subtask
// task is completed.
func (c *Client) CheckSubtaskDependencies(ctx context.Context, taskID string) (bool, error) {
	const op = "client.CheckSubtaskDependencies"
	ok, err := c.planner.CheckSubtaskDependencies(ctx, taskID)
	return ok, normalize(op, err)
}

// CheckSubtaskDependenciesBatch answers CheckSubtaskDependencies for many
// tasks with one dependency fetch.
func (c *Client) CheckSubtaskDependenciesBatch(ctx context.Context, taskIDs []string) (map[string]bool, error) {
	const op = "client.CheckSubtaskDependenciesBatch"
	res, err := c.planner.CheckSubtaskDependenciesBatch(ctx, taskIDs)
	return res, normalize(op, err)
}

// GetNextPlannedSubtask returns the highest-priority ready queued subtask of
// the plan, or nil when none is ready.
func (c *Client) GetNextPlannedSubtask(ctx context.Context, planID string) (*task.Task, error) {
	const op = "client.GetNextPlannedSubtask"
	t, err := c.planner.GetNextPlannedSubtask(ctx, planID)
	return t, normalize(op, err)
}

// MarkPlanExecutionStarted moves a pending plan to in_progress. Idempotent.
func (c *Client) MarkPlanExecutionStarted(ctx context.Context, planID string) error {
	const op = "client.MarkPlanExecutionStarted"
	if planID == "" {
		return errors.E(errors.KindValidation, op, "plan id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	return normalize(op, c.planner.MarkPlanExecutionStarted(ctx, planID))
}

// SubmitPlanningRequest enqueues a planning request for a planner agent.
func (c *Client) SubmitPlanningRequest(ctx context.Context, description string, priority int, requestor string, contextData map[string]any) (*plan.Request, error) {
	const op = "client.SubmitPlanningRequest"
	if description == "" {
		return nil, errors.E(errors.KindValidation, op, "description is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	r, err := c.planner.SubmitPlanningRequest(ctx, description, priority, requestor, contextData)
	return r, normalize(op, err)
}

// ---- workflows ----

// ChimeraTaskRequest carries the arguments of CreateChimeraTask.
type ChimeraTaskRequest struct {
	FeatureDescription string `validate:"required"`
	TargetURL          string `validate:"required,url"`
	StagingURL         string `validate:"omitempty,url"`
	Priority           int    `validate:"gte=0,lte=10"`
}

// CreateChimeraTask creates a queued Chimera workflow task.
func (c *Client) CreateChimeraTask(ctx context.Context, req ChimeraTaskRequest) (*task.Task, error) {
	const op = "client.CreateChimeraTask"
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	t, err := c.exec.CreateChimeraTask(ctx, orchestrator.ChimeraInput{
		FeatureDescription: req.FeatureDescription,
		TargetURL:          req.TargetURL,
		StagingURL:         req.StagingURL,
		Priority:           req.Priority,
	})
	return t, normalize(op, err)
}

// ExecuteWorkflow drives a workflow task to a terminal phase synchronously.
// maxIterations <= 0 selects the executor default.
func (c *Client) ExecuteWorkflow(ctx context.Context, taskID string, maxIterations int) (*task.Task, error) {
	const op = "client.ExecuteWorkflow"
	if taskID == "" {
		return nil, errors.E(errors.KindValidation, op, "task id is required")
	}
	ctx, _ = ids.EnsureCorrelationID(ctx)
	t, err := c.exec.ExecuteWorkflow(ctx, taskID, maxIterations)
	return t, normalize(op, err)
}
