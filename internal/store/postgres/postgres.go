// Package postgres implements the store ports on PostgreSQL via pgx.
//
// Entities are persisted as jsonb documents alongside the scalar columns the
// queries need. WithinTx maps to a database transaction; reads inside a
// read-write transaction take row locks (SELECT ... FOR UPDATE) so two
// concurrent claims of the same task serialize on the row.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chimera/internal/domain/plan"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/logging"
	"chimera/internal/store"
)

// Store is the Postgres-backed store.
type Store struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

var _ store.Store = (*Store)(nil)

// New connects a pool for the given DSN. Call Migrate before first use.
func New(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.E(errors.KindConfiguration, "postgres.New", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.E(errors.KindStorage, "postgres.New", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.E(errors.KindStorage, "postgres.New", err)
	}
	return &Store{pool: pool, log: logging.OrNop(log)}, nil
}

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.E(errors.KindStorage, "postgres.Migrate", err)
	}
	s.log.Info("postgres schema applied")
	return nil
}

// WithinTx runs fn inside a database transaction with row locking enabled.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, fn, true)
}

// View runs fn inside a read-only transaction without row locks.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, fn, false)
}

func (s *Store) run(ctx context.Context, fn func(tx store.Tx) error, locking bool) error {
	opts := pgx.TxOptions{}
	if !locking {
		opts.AccessMode = pgx.ReadOnly
	}
	dbtx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.run", err)
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{ctx: ctx, tx: dbtx, locking: locking}); err != nil {
		return err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return errors.E(errors.KindStorage, "postgres.run", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	ctx     context.Context
	tx      pgx.Tx
	locking bool
}

var _ store.Tx = (*pgTx)(nil)

func (p *pgTx) lockSuffix() string {
	if p.locking {
		return " FOR UPDATE"
	}
	return ""
}

func getDoc[T any](p *pgTx, query, op, kindTag, id string) (*T, error) {
	var raw []byte
	err := p.tx.QueryRow(p.ctx, query+p.lockSuffix(), id).Scan(&raw)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.E(errors.KindNotFound, op, "%s %q", kindTag, id)
		}
		return nil, errors.E(errors.KindStorage, op, err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	return out, nil
}

func listDocs[T any](p *pgTx, op, query string, args ...any) ([]*T, error) {
	rows, err := p.tx.Query(p.ctx, query, args...)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.E(errors.KindStorage, op, err)
		}
		item := new(T)
		if err := json.Unmarshal(raw, item); err != nil {
			return nil, errors.E(errors.KindStorage, op, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	return out, nil
}

// --- tasks ---

func (p *pgTx) GetTask(id string) (*task.Task, error) {
	return getDoc[task.Task](p, `SELECT doc FROM tasks WHERE id = $1`, "postgres.GetTask", "task", id)
}

func (p *pgTx) PutTask(t *task.Task) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutTask", err)
	}
	_, err = p.tx.Exec(p.ctx, `
INSERT INTO tasks (id, task_type, status, priority, plan_id, created_at, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    task_type = EXCLUDED.task_type,
    status = EXCLUDED.status,
    priority = EXCLUDED.priority,
    plan_id = EXCLUDED.plan_id,
    doc = EXCLUDED.doc
`, t.ID, t.TaskType, string(t.Status), t.Priority, t.PlanID, t.CreatedAt, doc)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutTask", err)
	}
	return nil
}

func (p *pgTx) DeleteTask(id string) error {
	tag, err := p.tx.Exec(p.ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.DeleteTask", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.E(errors.KindNotFound, "postgres.DeleteTask", "task %q", id)
	}
	if _, err := p.tx.Exec(p.ctx, `DELETE FROM task_transitions WHERE task_id = $1`, id); err != nil {
		return errors.E(errors.KindStorage, "postgres.DeleteTask", err)
	}
	return nil
}

func (p *pgTx) TasksByStatus(status task.Status) ([]*task.Task, error) {
	return listDocs[task.Task](p, "postgres.TasksByStatus",
		`SELECT doc FROM tasks WHERE status = $1 ORDER BY created_at`, string(status))
}

func (p *pgTx) TasksByPlan(planID string) ([]*task.Task, error) {
	return listDocs[task.Task](p, "postgres.TasksByPlan",
		`SELECT doc FROM tasks WHERE plan_id = $1 ORDER BY created_at`, planID)
}

func (p *pgTx) QueuedTasks(taskType string) ([]*task.Task, error) {
	query := `SELECT doc FROM tasks WHERE status = 'queued'`
	args := []any{}
	if taskType != "" {
		query += ` AND task_type = $1`
		args = append(args, taskType)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC` + p.lockSuffix()
	return listDocs[task.Task](p, "postgres.QueuedTasks", query, args...)
}

func (p *pgTx) AppendTransition(tr task.Transition) error {
	doc, err := json.Marshal(tr)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.AppendTransition", err)
	}
	_, err = p.tx.Exec(p.ctx,
		`INSERT INTO task_transitions (task_id, created_at, doc) VALUES ($1, $2, $3)`,
		tr.TaskID, tr.CreatedAt, doc)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.AppendTransition", err)
	}
	return nil
}

func (p *pgTx) TransitionsByTask(taskID string) ([]task.Transition, error) {
	rows, err := listDocs[task.Transition](p, "postgres.TransitionsByTask",
		`SELECT doc FROM task_transitions WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]task.Transition, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// --- runs ---

func (p *pgTx) GetRun(id string) (*task.Run, error) {
	return getDoc[task.Run](p, `SELECT doc FROM task_runs WHERE id = $1`, "postgres.GetRun", "run", id)
}

func (p *pgTx) PutRun(r *task.Run) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutRun", err)
	}
	_, err = p.tx.Exec(p.ctx, `
INSERT INTO task_runs (id, task_id, worker_id, run_number, started_at, doc)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET worker_id = EXCLUDED.worker_id, doc = EXCLUDED.doc
`, r.ID, r.TaskID, r.WorkerID, r.RunNumber, r.StartedAt, doc)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutRun", err)
	}
	return nil
}

func (p *pgTx) RunsByTask(taskID string) ([]*task.Run, error) {
	return listDocs[task.Run](p, "postgres.RunsByTask",
		`SELECT doc FROM task_runs WHERE task_id = $1 ORDER BY run_number`, taskID)
}

func (p *pgTx) RunsByWorker(workerID string) ([]*task.Run, error) {
	return listDocs[task.Run](p, "postgres.RunsByWorker",
		`SELECT doc FROM task_runs WHERE worker_id = $1 ORDER BY started_at`, workerID)
}

func (p *pgTx) DeleteRunsByTask(taskID string) error {
	if _, err := p.tx.Exec(p.ctx, `DELETE FROM task_runs WHERE task_id = $1`, taskID); err != nil {
		return errors.E(errors.KindStorage, "postgres.DeleteRunsByTask", err)
	}
	return nil
}

func (p *pgTx) NextRunNumber(taskID string) (int, error) {
	var next int
	err := p.tx.QueryRow(p.ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM task_runs WHERE task_id = $1`, taskID).Scan(&next)
	if err != nil {
		return 0, errors.E(errors.KindStorage, "postgres.NextRunNumber", err)
	}
	return next, nil
}

// --- workers ---

func (p *pgTx) GetWorker(id string) (*worker.Worker, error) {
	return getDoc[worker.Worker](p, `SELECT doc FROM workers WHERE id = $1`, "postgres.GetWorker", "worker", id)
}

func (p *pgTx) PutWorker(w *worker.Worker) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutWorker", err)
	}
	_, err = p.tx.Exec(p.ctx, `
INSERT INTO workers (id, role, status, doc)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, status = EXCLUDED.status, doc = EXCLUDED.doc
`, w.ID, w.Role, string(w.Status), doc)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutWorker", err)
	}
	return nil
}

func (p *pgTx) DeleteWorker(id string) error {
	tag, err := p.tx.Exec(p.ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.DeleteWorker", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.E(errors.KindNotFound, "postgres.DeleteWorker", "worker %q", id)
	}
	return nil
}

func (p *pgTx) Workers() ([]*worker.Worker, error) {
	return listDocs[worker.Worker](p, "postgres.Workers", `SELECT doc FROM workers ORDER BY id`)
}

func (p *pgTx) WorkersByStatus(status worker.Status) ([]*worker.Worker, error) {
	return listDocs[worker.Worker](p, "postgres.WorkersByStatus",
		`SELECT doc FROM workers WHERE status = $1 ORDER BY id`, string(status))
}

func (p *pgTx) WorkersByRole(role string) ([]*worker.Worker, error) {
	return listDocs[worker.Worker](p, "postgres.WorkersByRole",
		`SELECT doc FROM workers WHERE role = $1 ORDER BY id`, role)
}

// --- plans ---

func (p *pgTx) GetPlan(id string) (*plan.ExecutionPlan, error) {
	return getDoc[plan.ExecutionPlan](p, `SELECT doc FROM execution_plans WHERE id = $1`, "postgres.GetPlan", "plan", id)
}

func (p *pgTx) PutPlan(ep *plan.ExecutionPlan) error {
	doc, err := json.Marshal(ep)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutPlan", err)
	}
	_, err = p.tx.Exec(p.ctx, `
INSERT INTO execution_plans (id, status, doc)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc
`, ep.ID, string(ep.Status), doc)
	if err != nil {
		return errors.E(errors.KindStorage, "postgres.PutPlan", err)
	}
	return nil
}

func (p *pgTx) PlansByStatus(status plan.Status) ([]*plan.ExecutionPlan, error) {
	return listDocs[plan.ExecutionPlan](p, "postgres.PlansByStatus",
		`SELECT doc FROM execution_plans WHERE status = $1 ORDER BY id`, string(status))
}

// --- planning queue ---

func (p *pgTx) GetPlanningRequest(id string) (*plan.Request, error) {
	return getDoc[plan.Request](p, `SELECT doc FROM planning_queue WHERE id = $1`, "postgres.GetPlanningRequest", "planning request", id)
}

func (p *pgTx) PutPlanningRequest(r *plan.Request) error {
	return p.putDoc("planning_queue", "id", r.ID, r, "postgres.PutPlanningRequest")
}

// --- plan execution ---

func (p *pgTx) GetPlanExecution(planID string) (*plan.Execution, error) {
	return getDoc[plan.Execution](p, `SELECT doc FROM plan_execution WHERE plan_id = $1`, "postgres.GetPlanExecution", "plan execution", planID)
}

func (p *pgTx) PutPlanExecution(e *plan.Execution) error {
	return p.putDoc("plan_execution", "plan_id", e.PlanID, e, "postgres.PutPlanExecution")
}

// putDoc upserts a doc-only row keyed by a single column. Table and key
// names are compile-time constants at every call site.
func (p *pgTx) putDoc(table, keyCol, key string, v any, op string) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	query := `INSERT INTO ` + table + ` (` + keyCol + `, doc) VALUES ($1, $2)
ON CONFLICT (` + keyCol + `) DO UPDATE SET doc = EXCLUDED.doc`
	if _, err := p.tx.Exec(p.ctx, query, key, doc); err != nil {
		return errors.E(errors.KindStorage, op, err)
	}
	return nil
}

// --- legacy mirror ---

func (p *pgTx) Legacy() store.LegacyTx {
	return &pgLegacyTx{p: p}
}

type pgLegacyTx struct {
	p *pgTx
}

func (l *pgLegacyTx) PutTask(row *store.UnifiedTask) error {
	return l.p.putDoc("unified_tasks", "id", row.ID, row, "postgres.legacy.PutTask")
}

func (l *pgLegacyTx) GetTask(id string) (*store.UnifiedTask, error) {
	return getDoc[store.UnifiedTask](l.p, `SELECT doc FROM unified_tasks WHERE id = $1`, "postgres.legacy.GetTask", "unified task", id)
}

func (l *pgLegacyTx) DeleteTask(id string) error {
	for _, table := range []string{"unified_workflow_tasks", "unified_review_tasks", "unified_deployment_tasks"} {
		if _, err := l.p.tx.Exec(l.p.ctx, `DELETE FROM `+table+` WHERE task_id = $1`, id); err != nil {
			return errors.E(errors.KindStorage, "postgres.legacy.DeleteTask", err)
		}
	}
	if _, err := l.p.tx.Exec(l.p.ctx, `DELETE FROM unified_tasks WHERE id = $1`, id); err != nil {
		return errors.E(errors.KindStorage, "postgres.legacy.DeleteTask", err)
	}
	return nil
}

func (l *pgLegacyTx) PutWorkflowTask(row *store.UnifiedWorkflowTask) error {
	return l.p.putDoc("unified_workflow_tasks", "task_id", row.TaskID, row, "postgres.legacy.PutWorkflowTask")
}

func (l *pgLegacyTx) GetWorkflowTask(taskID string) (*store.UnifiedWorkflowTask, error) {
	return getDoc[store.UnifiedWorkflowTask](l.p, `SELECT doc FROM unified_workflow_tasks WHERE task_id = $1`, "postgres.legacy.GetWorkflowTask", "unified workflow task", taskID)
}

func (l *pgLegacyTx) PutReviewTask(row *store.UnifiedReviewTask) error {
	return l.p.putDoc("unified_review_tasks", "task_id", row.TaskID, row, "postgres.legacy.PutReviewTask")
}

func (l *pgLegacyTx) GetReviewTask(taskID string) (*store.UnifiedReviewTask, error) {
	return getDoc[store.UnifiedReviewTask](l.p, `SELECT doc FROM unified_review_tasks WHERE task_id = $1`, "postgres.legacy.GetReviewTask", "unified review task", taskID)
}

func (l *pgLegacyTx) PutDeploymentTask(row *store.UnifiedDeploymentTask) error {
	return l.p.putDoc("unified_deployment_tasks", "task_id", row.TaskID, row, "postgres.legacy.PutDeploymentTask")
}

func (l *pgLegacyTx) GetDeploymentTask(taskID string) (*store.UnifiedDeploymentTask, error) {
	return getDoc[store.UnifiedDeploymentTask](l.p, `SELECT doc FROM unified_deployment_tasks WHERE task_id = $1`, "postgres.legacy.GetDeploymentTask", "unified deployment task", taskID)
}
