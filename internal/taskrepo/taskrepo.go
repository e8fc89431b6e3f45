// Package taskrepo implements the task repository: CRUD and queries over
// tasks and runs with the task state machine enforced on every mutation.
//
// Every mutation runs inside a store transaction; lifecycle events are
// buffered during the transaction and published only after commit, so a
// rolled-back transaction never leaks an event.
package taskrepo

import (
	"context"
	"sync/atomic"
	"time"

	"chimera/internal/domain/event"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/ids"
	"chimera/internal/logging"
	"chimera/internal/store"
)

// PlanHook lets the plan engine update plan counters inside the same
// transaction that moves a plan subtask to a terminal status. The returned
// events are published with the rest of the transaction's events after
// commit.
type PlanHook interface {
	ApplyTaskTerminal(tx store.Tx, t *task.Task, correlationID string) ([]event.Event, error)
}

// Config wires the repository's collaborators.
type Config struct {
	Store  store.Store
	Bus    *events.Bus
	Logger logging.Logger
	// DualWrite mirrors every task mutation into the unified_* legacy
	// tables inside the same transaction.
	DualWrite bool
}

// Repository is the C4 task repository.
type Repository struct {
	store     store.Store
	bus       *events.Bus
	log       logging.Logger
	dualWrite atomic.Bool
	planHook  atomic.Pointer[PlanHook]
	now       func() time.Time
}

// New creates a repository.
func New(cfg Config) *Repository {
	r := &Repository{
		store: cfg.Store,
		bus:   cfg.Bus,
		log:   logging.OrNop(cfg.Logger),
		now:   time.Now,
	}
	r.dualWrite.Store(cfg.DualWrite)
	return r
}

// SetPlanHook installs the plan engine callback. Wired after construction
// because the plan engine is built on top of the repository.
func (r *Repository) SetPlanHook(h PlanHook) {
	r.planHook.Store(&h)
}

// DisableDualWrite switches off the legacy mirror writes at runtime.
func (r *Repository) DisableDualWrite() {
	r.dualWrite.Store(false)
}

// DualWriteEnabled reports whether the legacy mirror is being written.
func (r *Repository) DualWriteEnabled() bool {
	return r.dualWrite.Load()
}

func (r *Repository) publish(evs []event.Event) {
	if r.bus == nil {
		return
	}
	for _, ev := range evs {
		r.bus.Publish(ev)
	}
}

// CreateTaskInput carries the caller-supplied task attributes.
type CreateTaskInput struct {
	Title        string
	Description  string
	TaskType     string
	Priority     int
	Payload      map[string]any
	Workflow     map[string]any
	MaxRetries   int
	ParentTaskID string
	PlanID       string
	Dependencies []string
	Tags         []string
	DueDate      *time.Time
	Metadata     map[string]any
}

// DefaultPriority applies when a task is created without an explicit one.
const DefaultPriority = 3

// CreateTask allocates an id, persists the task as queued and emits
// task.created.
func (r *Repository) CreateTask(ctx context.Context, in CreateTaskInput) (*task.Task, error) {
	const op = "taskrepo.CreateTask"
	if in.Title == "" {
		return nil, errors.E(errors.KindValidation, op, "title is required")
	}
	if in.TaskType == "" {
		return nil, errors.E(errors.KindValidation, op, "task_type is required")
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	now := r.now()
	t := &task.Task{
		ID:           ids.NewTaskID(),
		Title:        in.Title,
		Description:  in.Description,
		TaskType:     in.TaskType,
		Priority:     in.Priority,
		Status:       task.StatusQueued,
		CurrentPhase: task.DefaultPhase,
		Workflow:     in.Workflow,
		Payload:      in.Payload,
		MaxRetries:   in.MaxRetries,
		ParentTaskID: in.ParentTaskID,
		PlanID:       in.PlanID,
		Dependencies: in.Dependencies,
		Tags:         in.Tags,
		DueDate:      in.DueDate,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}

	var evs []event.Event
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		evs, err = r.insertTx(tx, t, corrID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("task created: id=%s type=%s priority=%d", t.ID, t.TaskType, t.Priority)
	r.publish(evs)
	return t.Clone(), nil
}

// CreateTaskTx persists a new task inside an existing transaction, for
// callers materializing several tasks atomically (plan subtask creation).
// The pre-allocated id in in.ID is honored when set. Returned events are the
// caller's to publish after commit.
func (r *Repository) CreateTaskTx(tx store.Tx, in CreateTaskInput, id, corrID string) (*task.Task, []event.Event, error) {
	const op = "taskrepo.CreateTaskTx"
	if in.Title == "" {
		return nil, nil, errors.E(errors.KindValidation, op, "title is required")
	}
	if in.TaskType == "" {
		return nil, nil, errors.E(errors.KindValidation, op, "task_type is required")
	}
	if id == "" {
		id = ids.NewTaskID()
	}
	now := r.now()
	t := &task.Task{
		ID:           id,
		Title:        in.Title,
		Description:  in.Description,
		TaskType:     in.TaskType,
		Priority:     in.Priority,
		Status:       task.StatusQueued,
		CurrentPhase: task.DefaultPhase,
		Workflow:     in.Workflow,
		Payload:      in.Payload,
		MaxRetries:   in.MaxRetries,
		ParentTaskID: in.ParentTaskID,
		PlanID:       in.PlanID,
		Dependencies: in.Dependencies,
		Tags:         in.Tags,
		DueDate:      in.DueDate,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}
	evs, err := r.insertTx(tx, t, corrID)
	if err != nil {
		return nil, nil, err
	}
	return t, evs, nil
}

// insertTx validates referential integrity and writes the new task row plus
// its legacy mirror.
func (r *Repository) insertTx(tx store.Tx, t *task.Task, corrID string) ([]event.Event, error) {
	const op = "taskrepo.CreateTask"
	if t.ParentTaskID != "" {
		parent, err := tx.GetTask(t.ParentTaskID)
		if err != nil {
			return nil, errors.E(errors.KindValidation, op, "parent task %q: %v", t.ParentTaskID, err)
		}
		if parent.PlanID != t.PlanID {
			return nil, errors.E(errors.KindValidation, op,
				"plan_id %q does not match parent's plan_id %q", t.PlanID, parent.PlanID)
		}
	}
	for _, dep := range t.Dependencies {
		if _, err := tx.GetTask(dep); err != nil {
			return nil, errors.E(errors.KindValidation, op, "dependency %q: %v", dep, err)
		}
	}
	if err := tx.PutTask(t); err != nil {
		return nil, err
	}
	if r.dualWrite.Load() {
		if err := r.mirror(tx, t, corrID); err != nil {
			return nil, err
		}
	}
	return []event.Event{event.New(event.TaskCreated, corrID, map[string]any{
		"task_id":   t.ID,
		"task_type": t.TaskType,
		"priority":  t.Priority,
	})}, nil
}

// GetTask returns a snapshot of the task.
func (r *Repository) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t *task.Task
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		t, err = tx.GetTask(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTaskStatus applies a state machine transition. Metadata may carry
// the reserved keys assigned_worker, current_phase, error_message and reason;
// everything else is merged into the task's metadata map.
//
// Repeating the current status (including cancelling a terminal task) is an
// idempotent no-op: no mutation, no event.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, newStatus task.Status, metadata map[string]any) (*task.Task, error) {
	const op = "taskrepo.UpdateTaskStatus"
	if !newStatus.Valid() {
		return nil, errors.E(errors.KindValidation, op, "unknown status %q", newStatus)
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	var (
		updated *task.Task
		evs     []event.Event
	)
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		updated, evs, err = r.ApplyStatusTx(tx, id, newStatus, metadata, corrID)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.publish(evs)
	return updated.Clone(), nil
}

// ApplyStatusTx applies a status transition inside an existing transaction.
// Callers composing larger atomic operations (claim, liveness requeue, plan
// cancellation) use this and publish the returned events after their own
// commit. An idempotent no-op returns the task unchanged with no events.
func (r *Repository) ApplyStatusTx(tx store.Tx, id string, newStatus task.Status, metadata map[string]any, corrID string) (*task.Task, []event.Event, error) {
	const op = "taskrepo.ApplyStatusTx"
	t, err := tx.GetTask(id)
	if err != nil {
		return nil, nil, err
	}
	if t.Status == newStatus || (newStatus == task.StatusCancelled && t.Status.IsTerminal()) {
		return t, nil, nil
	}
	if !t.Status.CanTransition(newStatus) {
		return nil, nil, errors.E(errors.KindState, op, "illegal transition %s -> %s for task %s", t.Status, newStatus, id)
	}

	from := t.Status
	t.Status = newStatus
	t.UpdatedAt = r.now()
	r.applyMetadata(t, metadata)

	if err := r.enforceWorkerCoherence(tx, t, from); err != nil {
		return nil, nil, err
	}

	reason, _ := metadata["reason"].(string)
	if err := tx.AppendTransition(task.Transition{
		TaskID:     id,
		FromStatus: from,
		ToStatus:   newStatus,
		Reason:     reason,
		CreatedAt:  t.UpdatedAt,
	}); err != nil {
		return nil, nil, err
	}
	if err := tx.PutTask(t); err != nil {
		return nil, nil, err
	}
	if r.dualWrite.Load() {
		if err := r.mirror(tx, t, corrID); err != nil {
			return nil, nil, err
		}
	}

	evs := []event.Event{event.New(event.TaskStatusChanged, corrID, map[string]any{
		"task_id":     id,
		"from_status": string(from),
		"to_status":   string(newStatus),
		"phase":       t.CurrentPhase,
	})}

	if newStatus.IsTerminal() && t.PlanID != "" {
		if hook := r.planHook.Load(); hook != nil {
			planEvs, err := (*hook).ApplyTaskTerminal(tx, t, corrID)
			if err != nil {
				return nil, nil, err
			}
			evs = append(evs, planEvs...)
		}
	}
	return t, evs, nil
}

// applyMetadata folds the reserved keys into task fields and merges the rest.
func (r *Repository) applyMetadata(t *task.Task, metadata map[string]any) {
	for k, v := range metadata {
		switch k {
		case "assigned_worker":
			if s, ok := v.(string); ok {
				t.AssignedWorker = s
			}
		case "current_phase":
			if s, ok := v.(string); ok {
				t.CurrentPhase = s
			}
		case "error_message":
			if s, ok := v.(string); ok {
				t.ErrorMessage = s
			}
		case "reason":
			// recorded on the transition, not the task
		default:
			if t.Metadata == nil {
				t.Metadata = make(map[string]any)
			}
			t.Metadata[k] = v
		}
	}
}

// enforceWorkerCoherence keeps assigned_worker and the worker's
// current_task_id consistent with the status. Workflow container tasks run
// under the executor, not a claimed worker, so they may be in_progress
// without one.
func (r *Repository) enforceWorkerCoherence(tx store.Tx, t *task.Task, from task.Status) error {
	const op = "taskrepo.UpdateTaskStatus"
	if t.Status.RequiresWorker() {
		if t.AssignedWorker == "" && !t.IsWorkflow() {
			return errors.E(errors.KindValidation, op,
				"status %s requires an assigned worker for task %s", t.Status, t.ID)
		}
		if t.AssignedWorker != "" {
			w, err := tx.GetWorker(t.AssignedWorker)
			if err != nil {
				if errors.IsNotFound(err) {
					return errors.E(errors.KindValidation, op, "assigned worker %q is not registered", t.AssignedWorker)
				}
				return err
			}
			// Attaching a task makes the holder active: current_task_id is
			// only ever set on an active worker.
			if w.CurrentTaskID != t.ID || w.Status != worker.StatusActive {
				w.CurrentTaskID = t.ID
				w.Status = worker.StatusActive
				if err := tx.PutWorker(w); err != nil {
					return err
				}
			}
		}
		return nil
	}

	// leaving assigned/in_progress: release the worker
	if from.RequiresWorker() && t.AssignedWorker != "" {
		w, err := tx.GetWorker(t.AssignedWorker)
		if err == nil && w.CurrentTaskID == t.ID {
			w.CurrentTaskID = ""
			if w.Status == worker.StatusActive {
				w.Status = worker.StatusIdle
			}
			if err := tx.PutWorker(w); err != nil {
				return err
			}
		} else if err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	t.AssignedWorker = ""
	return nil
}

// GetTasksByStatus returns all tasks in the given status, unordered.
func (r *Repository) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	const op = "taskrepo.GetTasksByStatus"
	if !status.Valid() {
		return nil, errors.E(errors.KindValidation, op, "unknown status %q", status)
	}
	var out []*task.Task
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.TasksByStatus(status)
		return err
	})
	return out, err
}

// GetQueuedTasks returns up to limit ready queued tasks ordered by priority
// desc, created_at asc, optionally filtered by task type. A queued task is
// ready when every dependency is completed.
func (r *Repository) GetQueuedTasks(ctx context.Context, limit int, taskType string) ([]*task.Task, error) {
	var out []*task.Task
	err := r.store.View(ctx, func(tx store.Tx) error {
		queued, err := tx.QueuedTasks(taskType)
		if err != nil {
			return err
		}
		ready, err := FilterReady(tx, queued)
		if err != nil {
			return err
		}
		if limit > 0 && len(ready) > limit {
			ready = ready[:limit]
		}
		out = ready
		return nil
	})
	return out, err
}

// FilterReady keeps the tasks whose dependencies are all completed. The
// dependency statuses are looked up once over the union of dependency ids,
// not per task.
func FilterReady(tx store.Tx, tasks []*task.Task) ([]*task.Task, error) {
	depStatus := make(map[string]task.Status)
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, seen := depStatus[dep]; seen {
				continue
			}
			depTask, err := tx.GetTask(dep)
			if err != nil {
				if errors.IsNotFound(err) {
					// dangling dependency: never ready
					depStatus[dep] = task.StatusFailed
					continue
				}
				return nil, err
			}
			depStatus[dep] = depTask.Status
		}
	}
	var ready []*task.Task
	for _, t := range tasks {
		if DependenciesSatisfiedWith(t, depStatus) {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// DependenciesSatisfiedWith checks a task against a prefetched dependency
// status map.
func DependenciesSatisfiedWith(t *task.Task, depStatus map[string]task.Status) bool {
	for _, dep := range t.Dependencies {
		if depStatus[dep] != task.StatusCompleted {
			return false
		}
	}
	return true
}

// DependenciesSatisfied reports whether every dependency of the task is
// completed, reading through the given transaction.
func DependenciesSatisfied(tx store.Tx, t *task.Task) (bool, error) {
	for _, dep := range t.Dependencies {
		depTask, err := tx.GetTask(dep)
		if err != nil {
			if errors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		if depTask.Status != task.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// DeleteTask removes a task and all of its runs. Non-terminal tasks are
// protected unless force is set.
func (r *Repository) DeleteTask(ctx context.Context, id string, force bool) error {
	const op = "taskrepo.DeleteTask"
	return r.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(id)
		if err != nil {
			return err
		}
		if !t.Status.IsTerminal() && !force {
			return errors.E(errors.KindState, op, "task %s is %s; use force to delete a non-terminal task", id, t.Status)
		}
		if err := tx.DeleteRunsByTask(id); err != nil {
			return err
		}
		if err := tx.DeleteTask(id); err != nil {
			return err
		}
		if r.dualWrite.Load() {
			return tx.Legacy().DeleteTask(id)
		}
		return nil
	})
}

// ListTransitions returns the task's status-change audit trail in order.
func (r *Repository) ListTransitions(ctx context.Context, taskID string) ([]task.Transition, error) {
	var out []task.Transition
	err := r.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetTask(taskID); err != nil {
			return err
		}
		var err error
		out, err = tx.TransitionsByTask(taskID)
		return err
	})
	return out, err
}

// GetRuns returns the task's runs ordered by run number.
func (r *Repository) GetRuns(ctx context.Context, taskID string) ([]*task.Run, error) {
	var out []*task.Run
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.RunsByTask(taskID)
		return err
	})
	return out, err
}

// SaveWorkflowState persists the embedded workflow state and current phase
// without touching the task status. The workflow executor calls this between
// phases; status transitions stay with UpdateTaskStatus.
func (r *Repository) SaveWorkflowState(ctx context.Context, id string, phase string, wf map[string]any, errorMessage string) (*task.Task, error) {
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	var updated *task.Task
	err := r.store.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(id)
		if err != nil {
			return err
		}
		t.CurrentPhase = phase
		t.Workflow = wf
		t.ErrorMessage = errorMessage
		t.UpdatedAt = r.now()
		if err := tx.PutTask(t); err != nil {
			return err
		}
		if r.dualWrite.Load() {
			if err := r.mirror(tx, t, corrID); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// mirror writes the legacy unified_* rows for the task.
func (r *Repository) mirror(tx store.Tx, t *task.Task, corrID string) error {
	row := &store.UnifiedTask{
		ID:            t.ID,
		CorrelationID: corrID,
		TaskType:      t.TaskType,
		Status:        string(t.Status),
		Priority:      t.Priority,
		InputData:     t.Payload,
		OutputData:    t.GeneratedArtifacts,
		TaskMetadata:  t.Metadata,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		ErrorMessage:  t.ErrorMessage,
		MaxRetries:    t.MaxRetries,
	}
	if err := tx.Legacy().PutTask(row); err != nil {
		return err
	}
	if t.IsWorkflow() {
		wrow := &store.UnifiedWorkflowTask{
			TaskID:         t.ID,
			CorrelationID:  corrID,
			WorkflowType:   t.TaskType,
			CurrentPhase:   t.CurrentPhase,
			WorkflowConfig: t.Workflow,
			CreatedAt:      t.CreatedAt,
			UpdatedAt:      t.UpdatedAt,
		}
		if err := tx.Legacy().PutWorkflowTask(wrow); err != nil {
			return err
		}
	}
	return nil
}
