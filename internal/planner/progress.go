package planner

import (
	"chimera/internal/domain/event"
	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/errors"
	"chimera/internal/store"
	"chimera/internal/taskrepo"
)

var _ taskrepo.PlanHook = (*Engine)(nil)

// ApplyTaskTerminal updates plan counters for a plan subtask that just
// reached a terminal status. It runs inside the repository's transaction so
// the counter change commits or rolls back with the task update.
//
// Terminal evaluation:
//   - completed_subtasks == total  => plan completed
//   - a failed subtask with dependents (critical path) => plan failed now,
//     queued subtasks cancelled
//   - everything terminal with failures on leaf branches => plan failed
func (e *Engine) ApplyTaskTerminal(tx store.Tx, t *task.Task, corrID string) ([]event.Event, error) {
	p, err := tx.GetPlan(t.PlanID)
	if err != nil {
		if errors.IsNotFound(err) {
			// task references a plan this store never saw; nothing to track
			return nil, nil
		}
		return nil, err
	}
	defer e.cache.Remove(p.ID)

	subID := subtaskIDFor(p, t.ID)

	switch t.Status {
	case task.StatusCompleted:
		p.CompletedSubtasks++
	case task.StatusFailed, task.StatusCancelled:
		p.FailedSubtasks++
	default:
		return nil, nil
	}
	p.UpdatedAt = e.now()

	var evs []event.Event

	if t.Status == task.StatusCompleted {
		readyEvs, err := e.subtaskReadyEvents(tx, p, corrID)
		if err != nil {
			return nil, err
		}
		evs = append(evs, readyEvs...)
	}

	planWasTerminal := p.Status.IsTerminal()
	criticalFailure := t.Status == task.StatusFailed && len(p.Dependents(subID)) > 0
	allDone := p.CompletedSubtasks+p.FailedSubtasks >= p.TotalSubtasks

	if !planWasTerminal {
		switch {
		case criticalFailure:
			p.Status = plan.StatusFailed
		case allDone && p.FailedSubtasks == 0:
			p.Status = plan.StatusCompleted
		case allDone:
			p.Status = plan.StatusFailed
		}
	}

	if err := tx.PutPlan(p); err != nil {
		return nil, err
	}
	if err := e.updateExecutionRow(tx, p, t, subID); err != nil {
		return nil, err
	}

	if !planWasTerminal && p.Status.IsTerminal() {
		if p.Status == plan.StatusCompleted {
			evs = append(evs, event.New(event.PlanCompleted, corrID, map[string]any{
				"plan_id":            p.ID,
				"completed_subtasks": p.CompletedSubtasks,
			}))
		} else {
			evs = append(evs, event.New(event.PlanFailed, corrID, map[string]any{
				"plan_id":         p.ID,
				"failed_subtasks": p.FailedSubtasks,
			}))
		}
		if criticalFailure {
			cancelEvs, err := e.cancelQueuedSubtasks(tx, p.ID, corrID)
			if err != nil {
				return nil, err
			}
			evs = append(evs, cancelEvs...)
		}
	}
	return evs, nil
}

func subtaskIDFor(p *plan.ExecutionPlan, taskID string) string {
	for subID, tid := range p.SubtaskTaskIDs {
		if tid == taskID {
			return subID
		}
	}
	return ""
}

// subtaskReadyEvents emits plan.subtask_ready for queued plan tasks whose
// dependencies just became fully satisfied.
func (e *Engine) subtaskReadyEvents(tx store.Tx, p *plan.ExecutionPlan, corrID string) ([]event.Event, error) {
	planTasks, err := tx.TasksByPlan(p.ID)
	if err != nil {
		return nil, err
	}
	var queued []*task.Task
	for _, t := range planTasks {
		if t.Status == task.StatusQueued {
			queued = append(queued, t)
		}
	}
	ready, err := taskrepo.FilterReady(tx, queued)
	if err != nil {
		return nil, err
	}
	evs := make([]event.Event, 0, len(ready))
	for _, t := range ready {
		evs = append(evs, event.New(event.PlanSubtaskReady, corrID, map[string]any{
			"plan_id": p.ID,
			"task_id": t.ID,
		}))
	}
	return evs, nil
}

// cancelQueuedSubtasks cancels the plan's not-yet-started tasks after a
// critical-path failure. The plan row was already marked failed, so the
// re-entrant counter updates see a terminal plan and only bump counters.
func (e *Engine) cancelQueuedSubtasks(tx store.Tx, planID, corrID string) ([]event.Event, error) {
	planTasks, err := tx.TasksByPlan(planID)
	if err != nil {
		return nil, err
	}
	var evs []event.Event
	for _, t := range planTasks {
		if t.Status != task.StatusQueued {
			continue
		}
		_, cancelEvs, err := e.repo.ApplyStatusTx(tx, t.ID, task.StatusCancelled, map[string]any{
			"reason": "plan failed on critical path",
		}, corrID)
		if err != nil {
			return nil, err
		}
		evs = append(evs, cancelEvs...)
	}
	return evs, nil
}

// updateExecutionRow keeps the plan_execution progress row in step with the
// counters. Plans that were never explicitly started have no row; that is
// fine.
func (e *Engine) updateExecutionRow(tx store.Tx, p *plan.ExecutionPlan, t *task.Task, subID string) error {
	exec, err := tx.GetPlanExecution(p.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if subID != "" {
		switch t.Status {
		case task.StatusCompleted:
			exec.CompletedSubtask = append(exec.CompletedSubtask, subID)
		case task.StatusFailed, task.StatusCancelled:
			exec.FailedSubtasks = append(exec.FailedSubtasks, subID)
		}
		exec.ActiveSubtasks = removeString(exec.ActiveSubtasks, subID)
	}
	if p.TotalSubtasks > 0 {
		exec.ProgressPercent = (p.CompletedSubtasks + p.FailedSubtasks) * 100 / p.TotalSubtasks
	}
	now := e.now()
	exec.UpdatedAt = now
	if p.Status.IsTerminal() {
		exec.CurrentPhase = string(p.Status)
		if exec.CompletedAt == nil {
			exec.CompletedAt = &now
		}
	}
	return tx.PutPlanExecution(exec)
}

func removeString(xs []string, s string) []string {
	out := xs[:0]
	for _, x := range xs {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}
