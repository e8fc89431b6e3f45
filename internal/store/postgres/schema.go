package postgres

// schema holds the DDL applied by Migrate. Entities live in a doc jsonb
// column; scalar columns exist only for the keys queries filter or order by.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    task_type   TEXT NOT NULL,
    status      TEXT NOT NULL,
    priority    INT  NOT NULL DEFAULT 3,
    plan_id     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks (task_type, status);
CREATE INDEX IF NOT EXISTS idx_tasks_plan ON tasks (plan_id) WHERE plan_id <> '';
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks (priority DESC, created_at ASC) WHERE status = 'queued';

CREATE TABLE IF NOT EXISTS task_transitions (
    seq         BIGSERIAL PRIMARY KEY,
    task_id     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    doc         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_task ON task_transitions (task_id, seq);

CREATE TABLE IF NOT EXISTS task_runs (
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    worker_id   TEXT NOT NULL DEFAULT '',
    run_number  INT  NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    doc         JSONB NOT NULL,
    UNIQUE (task_id, run_number)
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON task_runs (task_id, run_number);
CREATE INDEX IF NOT EXISTS idx_runs_worker ON task_runs (worker_id) WHERE worker_id <> '';

CREATE TABLE IF NOT EXISTS workers (
    id      TEXT PRIMARY KEY,
    role    TEXT NOT NULL DEFAULT '',
    status  TEXT NOT NULL,
    doc     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers (status);
CREATE INDEX IF NOT EXISTS idx_workers_role ON workers (role);

CREATE TABLE IF NOT EXISTS execution_plans (
    id      TEXT PRIMARY KEY,
    status  TEXT NOT NULL,
    doc     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_status ON execution_plans (status);

CREATE TABLE IF NOT EXISTS planning_queue (
    id   TEXT PRIMARY KEY,
    doc  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS plan_execution (
    plan_id  TEXT PRIMARY KEY,
    doc      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_tasks (
    id   TEXT PRIMARY KEY,
    doc  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_workflow_tasks (
    task_id  TEXT PRIMARY KEY,
    doc      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_review_tasks (
    task_id  TEXT PRIMARY KEY,
    doc      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_deployment_tasks (
    task_id  TEXT PRIMARY KEY,
    doc      JSONB NOT NULL
);
`
