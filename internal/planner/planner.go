// Package planner implements the execution-plan engine: plan registration,
// subtask materialization, dependency gating, plan progress counters and the
// planning queue.
//
// Plan counters are updated inside the same transaction that moves a plan
// subtask to a terminal status: the engine implements the task repository's
// PlanHook and is invoked from within that transaction.
package planner

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"chimera/internal/domain/event"
	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/ids"
	"chimera/internal/logging"
	"chimera/internal/store"
	"chimera/internal/taskrepo"
)

// Config wires the plan engine.
type Config struct {
	Store  store.Store
	Repo   *taskrepo.Repository
	Bus    *events.Bus
	Logger logging.Logger

	// StatusCacheSize bounds the plan-status LRU. Zero means 256.
	StatusCacheSize int
	// StatusCacheTTL is the cache entry lifetime. Zero means 5s.
	StatusCacheTTL time.Duration
}

// Engine is the C6 plan engine.
type Engine struct {
	store store.Store
	repo  *taskrepo.Repository
	bus   *events.Bus
	log   logging.Logger
	cache *expirable.LRU[string, plan.Status]
	now   func() time.Time
}

// New creates the engine and installs it as the repository's plan hook.
func New(cfg Config) *Engine {
	size := cfg.StatusCacheSize
	if size <= 0 {
		size = 256
	}
	ttl := cfg.StatusCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	e := &Engine{
		store: cfg.Store,
		repo:  cfg.Repo,
		bus:   cfg.Bus,
		log:   logging.OrNop(cfg.Logger),
		cache: expirable.NewLRU[string, plan.Status](size, nil, ttl),
		now:   time.Now,
	}
	if cfg.Repo != nil {
		cfg.Repo.SetPlanHook(e)
	}
	return e
}

func (e *Engine) publish(evs []event.Event) {
	if e.bus == nil {
		return
	}
	for _, ev := range evs {
		e.bus.Publish(ev)
	}
}

// RegisterPlan validates and persists a plan. An empty id is allocated; the
// status starts pending and the counters at zero.
func (e *Engine) RegisterPlan(ctx context.Context, p *plan.ExecutionPlan) (*plan.ExecutionPlan, error) {
	const op = "planner.RegisterPlan"
	if p == nil || p.Title == "" {
		return nil, errors.E(errors.KindValidation, op, "plan title is required")
	}
	if len(p.SubtaskIDs) == 0 {
		return nil, errors.E(errors.KindValidation, op, "plan has no subtasks")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.E(errors.KindValidation, op, err)
	}
	registered := p.Clone()
	if registered.ID == "" {
		registered.ID = ids.NewPlanID()
	}
	registered.Status = plan.StatusPending
	registered.TotalSubtasks = len(registered.SubtaskIDs)
	registered.CompletedSubtasks = 0
	registered.FailedSubtasks = 0
	now := e.now()
	registered.CreatedAt = now
	registered.UpdatedAt = now

	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlan(registered.ID); err == nil {
			return errors.E(errors.KindConflict, op, "plan %q already registered", registered.ID)
		} else if !errors.IsNotFound(err) {
			return err
		}
		return tx.PutPlan(registered)
	})
	if err != nil {
		return nil, err
	}
	e.cache.Remove(registered.ID)
	e.log.Info("plan registered: id=%s subtasks=%d", registered.ID, registered.TotalSubtasks)
	return registered.Clone(), nil
}

// GetPlan returns a snapshot of the plan.
func (e *Engine) GetPlan(ctx context.Context, planID string) (*plan.ExecutionPlan, error) {
	var p *plan.ExecutionPlan
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetPlan(planID)
		return err
	})
	return p, err
}

// CreatePlannedSubtasksFromPlan materializes one Task per subtask, all in a
// single transaction, translating subtask ids to task ids through a stable
// mapping stored on the plan. Calling it again on a materialized plan is a
// conflict. Returns the number of tasks created.
func (e *Engine) CreatePlannedSubtasksFromPlan(ctx context.Context, planID string) (int, error) {
	const op = "planner.CreatePlannedSubtasksFromPlan"
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	created := 0
	var evs []event.Event
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		evs = evs[:0]
		created = 0
		p, err := tx.GetPlan(planID)
		if err != nil {
			return err
		}
		if len(p.SubtaskTaskIDs) > 0 {
			return errors.E(errors.KindConflict, op, "plan %q already materialized", planID)
		}
		if p.Status.IsTerminal() {
			return errors.E(errors.KindState, op, "plan %q is %s", planID, p.Status)
		}

		// stable subtask id -> task id mapping, allocated up front so
		// dependencies can be translated before their tasks exist
		mapping := make(map[string]string, len(p.SubtaskIDs))
		for _, subID := range p.SubtaskIDs {
			mapping[subID] = ids.NewTaskID()
		}

		for _, subID := range topoOrder(p) {
			sub := p.Subtasks[subID]
			if sub == nil {
				return errors.E(errors.KindValidation, op, "subtask %q has no definition", subID)
			}
			deps := make([]string, 0, len(p.DependencyGraph[subID]))
			for _, depSub := range p.DependencyGraph[subID] {
				deps = append(deps, mapping[depSub])
			}
			_, taskEvs, err := e.repo.CreateTaskTx(tx, taskrepo.CreateTaskInput{
				Title:        sub.Title,
				Description:  sub.Description,
				TaskType:     sub.TaskType,
				Priority:     sub.Priority,
				Payload:      sub.Payload,
				PlanID:       planID,
				Dependencies: deps,
			}, mapping[subID], corrID)
			if err != nil {
				return err
			}
			evs = append(evs, taskEvs...)
			created++
		}

		p.SubtaskTaskIDs = mapping
		p.TotalSubtasks = len(p.SubtaskIDs)
		p.UpdatedAt = e.now()
		return tx.PutPlan(p)
	})
	if err != nil {
		return 0, err
	}
	e.cache.Remove(planID)
	e.log.Info("plan %s materialized into %d task(s)", planID, created)
	e.publish(evs)
	return created, nil
}

// topoOrder returns the subtask ids in dependency order (prerequisites
// first). The plan was validated acyclic at registration.
func topoOrder(p *plan.ExecutionPlan) []string {
	order := make([]string, 0, len(p.SubtaskIDs))
	done := make(map[string]bool, len(p.SubtaskIDs))
	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		done[id] = true
		for _, dep := range p.DependencyGraph[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range p.SubtaskIDs {
		visit(id)
	}
	return order
}

// GetExecutionPlanStatus reads the plan's current status.
func (e *Engine) GetExecutionPlanStatus(ctx context.Context, planID string) (plan.Status, error) {
	p, err := e.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	e.cache.Add(planID, p.Status)
	return p.Status, nil
}

// GetExecutionPlanStatusCached returns a recently cached status when one is
// available; the cache is invalidated on every plan mutation.
func (e *Engine) GetExecutionPlanStatusCached(ctx context.Context, planID string) (plan.Status, error) {
	if status, ok := e.cache.Get(planID); ok {
		return status, nil
	}
	return e.GetExecutionPlanStatus(ctx, planID)
}

// CheckSubtaskDependencies reports whether every dependency of the task is
// completed.
func (e *Engine) CheckSubtaskDependencies(ctx context.Context, taskID string) (bool, error) {
	ok := false
	err := e.store.View(ctx, func(tx store.Tx) error {
		t, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		ok, err = taskrepo.DependenciesSatisfied(tx, t)
		return err
	})
	return ok, err
}

// CheckSubtaskDependenciesBatch answers for many tasks at once; dependency
// statuses are fetched once over the union of dependency ids.
func (e *Engine) CheckSubtaskDependenciesBatch(ctx context.Context, taskIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(taskIDs))
	err := e.store.View(ctx, func(tx store.Tx) error {
		tasks := make([]*task.Task, 0, len(taskIDs))
		for _, id := range taskIDs {
			t, err := tx.GetTask(id)
			if err != nil {
				if errors.IsNotFound(err) {
					out[id] = false
					continue
				}
				return err
			}
			tasks = append(tasks, t)
		}
		depStatus := make(map[string]task.Status)
		for _, t := range tasks {
			for _, dep := range t.Dependencies {
				if _, seen := depStatus[dep]; seen {
					continue
				}
				depTask, err := tx.GetTask(dep)
				if err != nil {
					if errors.IsNotFound(err) {
						depStatus[dep] = task.StatusFailed
						continue
					}
					return err
				}
				depStatus[dep] = depTask.Status
			}
		}
		for _, t := range tasks {
			out[t.ID] = taskrepo.DependenciesSatisfiedWith(t, depStatus)
		}
		return nil
	})
	return out, err
}

// GetNextPlannedSubtask returns the highest-priority ready queued task of
// the plan, or nil when none is ready.
func (e *Engine) GetNextPlannedSubtask(ctx context.Context, planID string) (*task.Task, error) {
	var next *task.Task
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlan(planID); err != nil {
			return err
		}
		queued, err := tx.QueuedTasks("")
		if err != nil {
			return err
		}
		var planTasks []*task.Task
		for _, t := range queued {
			if t.PlanID == planID {
				planTasks = append(planTasks, t)
			}
		}
		ready, err := taskrepo.FilterReady(tx, planTasks)
		if err != nil {
			return err
		}
		if len(ready) > 0 {
			next = ready[0]
		}
		return nil
	})
	return next, err
}

// MarkPlanExecutionStarted transitions the plan pending -> in_progress and
// opens its plan_execution progress row. Idempotent: repeating it on an
// in_progress plan does nothing and emits nothing. Emits plan.started.
func (e *Engine) MarkPlanExecutionStarted(ctx context.Context, planID string) error {
	const op = "planner.MarkPlanExecutionStarted"
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	started := false
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		started = false
		p, err := tx.GetPlan(planID)
		if err != nil {
			return err
		}
		switch p.Status {
		case plan.StatusInProgress:
			return nil
		case plan.StatusPending:
		default:
			return errors.E(errors.KindState, op, "plan %q is %s", planID, p.Status)
		}
		now := e.now()
		p.Status = plan.StatusInProgress
		p.UpdatedAt = now
		if err := tx.PutPlan(p); err != nil {
			return err
		}
		if err := tx.PutPlanExecution(&plan.Execution{
			PlanID:       planID,
			CurrentPhase: "executing",
			StartedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		started = true
		return nil
	})
	if err != nil {
		return err
	}
	e.cache.Remove(planID)
	if started {
		e.publish([]event.Event{event.New(event.PlanStarted, corrID, map[string]any{
			"plan_id": planID,
		})})
	}
	return nil
}
