// Package memory provides the in-memory reference implementation of the
// store ports. A transaction stages its changes on shallow copies of the
// table maps and swaps them in on commit, so a failed transaction leaves no
// trace. A single writer lock serializes transactions, which also gives the
// at-most-one-claim guarantee for free.
//
// Entities are cloned on the way in and out; committed state is never
// aliased by callers.
package memory

import (
	"context"
	"sort"

	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/store"
	"sync"
)

type tables struct {
	tasks       map[string]*task.Task
	transitions map[string][]task.Transition
	runs        map[string]*task.Run
	runsByTask  map[string][]string
	workers     map[string]*worker.Worker
	plans       map[string]*plan.ExecutionPlan
	requests    map[string]*plan.Request
	executions  map[string]*plan.Execution

	legacyTasks       map[string]*store.UnifiedTask
	legacyWorkflows   map[string]*store.UnifiedWorkflowTask
	legacyReviews     map[string]*store.UnifiedReviewTask
	legacyDeployments map[string]*store.UnifiedDeploymentTask
}

func newTables() *tables {
	return &tables{
		tasks:             make(map[string]*task.Task),
		transitions:       make(map[string][]task.Transition),
		runs:              make(map[string]*task.Run),
		runsByTask:        make(map[string][]string),
		workers:           make(map[string]*worker.Worker),
		plans:             make(map[string]*plan.ExecutionPlan),
		requests:          make(map[string]*plan.Request),
		executions:        make(map[string]*plan.Execution),
		legacyTasks:       make(map[string]*store.UnifiedTask),
		legacyWorkflows:   make(map[string]*store.UnifiedWorkflowTask),
		legacyReviews:     make(map[string]*store.UnifiedReviewTask),
		legacyDeployments: make(map[string]*store.UnifiedDeploymentTask),
	}
}

// copyShallow duplicates every table map without copying the entities; a
// transaction replaces entries wholesale, never mutates them.
func (t *tables) copyShallow() *tables {
	dup := newTables()
	for k, v := range t.tasks {
		dup.tasks[k] = v
	}
	for k, v := range t.transitions {
		dup.transitions[k] = v
	}
	for k, v := range t.runs {
		dup.runs[k] = v
	}
	for k, v := range t.runsByTask {
		dup.runsByTask[k] = v
	}
	for k, v := range t.workers {
		dup.workers[k] = v
	}
	for k, v := range t.plans {
		dup.plans[k] = v
	}
	for k, v := range t.requests {
		dup.requests[k] = v
	}
	for k, v := range t.executions {
		dup.executions[k] = v
	}
	for k, v := range t.legacyTasks {
		dup.legacyTasks[k] = v
	}
	for k, v := range t.legacyWorkflows {
		dup.legacyWorkflows[k] = v
	}
	for k, v := range t.legacyReviews {
		dup.legacyReviews[k] = v
	}
	for k, v := range t.legacyDeployments {
		dup.legacyDeployments[k] = v
	}
	return dup
}

// Store is the in-memory store.
type Store struct {
	mu      sync.RWMutex
	current *tables
	closed  bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{current: newTables()}
}

// WithinTx runs fn against a staged copy of the tables, swapping it in only
// when fn returns nil. The writer lock is held for the whole transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.KindStorage, "memory.WithinTx", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.E(errors.KindStorage, "memory.WithinTx", "store closed")
	}
	staged := s.current.copyShallow()
	tx := &memTx{tables: staged}
	if err := fn(tx); err != nil {
		return err
	}
	s.current = staged
	return nil
}

// View runs fn against the committed tables. Writes made through a View
// transaction are discarded.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.E(errors.KindStorage, "memory.View", err)
	}
	s.mu.RLock()
	staged := s.current.copyShallow()
	s.mu.RUnlock()
	return fn(&memTx{tables: staged})
}

// Close marks the store closed; later transactions fail with storage_error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTx struct {
	tables *tables
}

var _ store.Tx = (*memTx)(nil)

// --- tasks ---

func (tx *memTx) GetTask(id string) (*task.Task, error) {
	t, ok := tx.tables.tasks[id]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.GetTask", "task %q", id)
	}
	return t.Clone(), nil
}

func (tx *memTx) PutTask(t *task.Task) error {
	tx.tables.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) DeleteTask(id string) error {
	if _, ok := tx.tables.tasks[id]; !ok {
		return errors.E(errors.KindNotFound, "memory.DeleteTask", "task %q", id)
	}
	delete(tx.tables.tasks, id)
	delete(tx.tables.transitions, id)
	return nil
}

func (tx *memTx) TasksByStatus(status task.Status) ([]*task.Task, error) {
	var out []*task.Task
	for _, t := range tx.tables.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) TasksByPlan(planID string) ([]*task.Task, error) {
	var out []*task.Task
	for _, t := range tx.tables.tasks {
		if t.PlanID == planID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) QueuedTasks(taskType string) ([]*task.Task, error) {
	var out []*task.Task
	for _, t := range tx.tables.tasks {
		if t.Status != task.StatusQueued {
			continue
		}
		if taskType != "" && t.TaskType != taskType {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) AppendTransition(tr task.Transition) error {
	existing := tx.tables.transitions[tr.TaskID]
	// copy-on-write so the committed slice is never shared
	next := make([]task.Transition, len(existing), len(existing)+1)
	copy(next, existing)
	tx.tables.transitions[tr.TaskID] = append(next, tr)
	return nil
}

func (tx *memTx) TransitionsByTask(taskID string) ([]task.Transition, error) {
	return append([]task.Transition(nil), tx.tables.transitions[taskID]...), nil
}

// --- runs ---

func (tx *memTx) GetRun(id string) (*task.Run, error) {
	r, ok := tx.tables.runs[id]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.GetRun", "run %q", id)
	}
	return r.Clone(), nil
}

func (tx *memTx) PutRun(r *task.Run) error {
	if _, exists := tx.tables.runs[r.ID]; !exists {
		existing := tx.tables.runsByTask[r.TaskID]
		next := make([]string, len(existing), len(existing)+1)
		copy(next, existing)
		tx.tables.runsByTask[r.TaskID] = append(next, r.ID)
	}
	tx.tables.runs[r.ID] = r.Clone()
	return nil
}

func (tx *memTx) RunsByTask(taskID string) ([]*task.Run, error) {
	runIDs := tx.tables.runsByTask[taskID]
	out := make([]*task.Run, 0, len(runIDs))
	for _, id := range runIDs {
		if r, ok := tx.tables.runs[id]; ok {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunNumber < out[j].RunNumber })
	return out, nil
}

func (tx *memTx) RunsByWorker(workerID string) ([]*task.Run, error) {
	var out []*task.Run
	for _, r := range tx.tables.runs {
		if r.WorkerID == workerID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (tx *memTx) DeleteRunsByTask(taskID string) error {
	for _, id := range tx.tables.runsByTask[taskID] {
		delete(tx.tables.runs, id)
	}
	delete(tx.tables.runsByTask, taskID)
	return nil
}

func (tx *memTx) NextRunNumber(taskID string) (int, error) {
	max := 0
	for _, id := range tx.tables.runsByTask[taskID] {
		if r, ok := tx.tables.runs[id]; ok && r.RunNumber > max {
			max = r.RunNumber
		}
	}
	return max + 1, nil
}

// --- workers ---

func (tx *memTx) GetWorker(id string) (*worker.Worker, error) {
	w, ok := tx.tables.workers[id]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.GetWorker", "worker %q", id)
	}
	return w.Clone(), nil
}

func (tx *memTx) PutWorker(w *worker.Worker) error {
	tx.tables.workers[w.ID] = w.Clone()
	return nil
}

func (tx *memTx) DeleteWorker(id string) error {
	if _, ok := tx.tables.workers[id]; !ok {
		return errors.E(errors.KindNotFound, "memory.DeleteWorker", "worker %q", id)
	}
	delete(tx.tables.workers, id)
	return nil
}

func (tx *memTx) Workers() ([]*worker.Worker, error) {
	out := make([]*worker.Worker, 0, len(tx.tables.workers))
	for _, w := range tx.tables.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) WorkersByStatus(status worker.Status) ([]*worker.Worker, error) {
	var out []*worker.Worker
	for _, w := range tx.tables.workers {
		if w.Status == status {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) WorkersByRole(role string) ([]*worker.Worker, error) {
	var out []*worker.Worker
	for _, w := range tx.tables.workers {
		if w.Role == role {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- plans ---

func (tx *memTx) GetPlan(id string) (*plan.ExecutionPlan, error) {
	p, ok := tx.tables.plans[id]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.GetPlan", "plan %q", id)
	}
	return p.Clone(), nil
}

func (tx *memTx) PutPlan(p *plan.ExecutionPlan) error {
	tx.tables.plans[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) PlansByStatus(status plan.Status) ([]*plan.ExecutionPlan, error) {
	var out []*plan.ExecutionPlan
	for _, p := range tx.tables.plans {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- planning queue ---

func (tx *memTx) GetPlanningRequest(id string) (*plan.Request, error) {
	r, ok := tx.tables.requests[id]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.GetPlanningRequest", "planning request %q", id)
	}
	return r.Clone(), nil
}

func (tx *memTx) PutPlanningRequest(r *plan.Request) error {
	tx.tables.requests[r.ID] = r.Clone()
	return nil
}

// --- plan execution ---

func (tx *memTx) GetPlanExecution(planID string) (*plan.Execution, error) {
	e, ok := tx.tables.executions[planID]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.GetPlanExecution", "plan execution %q", planID)
	}
	return e.Clone(), nil
}

func (tx *memTx) PutPlanExecution(e *plan.Execution) error {
	tx.tables.executions[e.PlanID] = e.Clone()
	return nil
}

// --- legacy mirror ---

func (tx *memTx) Legacy() store.LegacyTx {
	return &legacyTx{tables: tx.tables}
}

type legacyTx struct {
	tables *tables
}

func (tx *legacyTx) PutTask(row *store.UnifiedTask) error {
	dup := *row
	tx.tables.legacyTasks[row.ID] = &dup
	return nil
}

func (tx *legacyTx) GetTask(id string) (*store.UnifiedTask, error) {
	row, ok := tx.tables.legacyTasks[id]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.legacy.GetTask", "unified task %q", id)
	}
	dup := *row
	return &dup, nil
}

func (tx *legacyTx) DeleteTask(id string) error {
	delete(tx.tables.legacyTasks, id)
	delete(tx.tables.legacyWorkflows, id)
	delete(tx.tables.legacyReviews, id)
	delete(tx.tables.legacyDeployments, id)
	return nil
}

func (tx *legacyTx) PutWorkflowTask(row *store.UnifiedWorkflowTask) error {
	dup := *row
	tx.tables.legacyWorkflows[row.TaskID] = &dup
	return nil
}

func (tx *legacyTx) GetWorkflowTask(taskID string) (*store.UnifiedWorkflowTask, error) {
	row, ok := tx.tables.legacyWorkflows[taskID]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.legacy.GetWorkflowTask", "unified workflow task %q", taskID)
	}
	dup := *row
	return &dup, nil
}

func (tx *legacyTx) PutReviewTask(row *store.UnifiedReviewTask) error {
	dup := *row
	tx.tables.legacyReviews[row.TaskID] = &dup
	return nil
}

func (tx *legacyTx) GetReviewTask(taskID string) (*store.UnifiedReviewTask, error) {
	row, ok := tx.tables.legacyReviews[taskID]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.legacy.GetReviewTask", "unified review task %q", taskID)
	}
	dup := *row
	return &dup, nil
}

func (tx *legacyTx) PutDeploymentTask(row *store.UnifiedDeploymentTask) error {
	dup := *row
	tx.tables.legacyDeployments[row.TaskID] = &dup
	return nil
}

func (tx *legacyTx) GetDeploymentTask(taskID string) (*store.UnifiedDeploymentTask, error) {
	row, ok := tx.tables.legacyDeployments[taskID]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "memory.legacy.GetDeploymentTask", "unified deployment task %q", taskID)
	}
	dup := *row
	return &dup, nil
}
