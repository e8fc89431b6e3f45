package taskrepo

import (
	"context"
	"sync"
	"testing"
	"time"

	"chimera/internal/domain/event"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/store"
	"chimera/internal/store/memory"

	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu   sync.Mutex
	seen []event.Event
}

func (r *eventRecorder) record(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
}

func (r *eventRecorder) byType(t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, ev := range r.seen {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRepo(t *testing.T) (*Repository, *memory.Store, *events.Bus, *eventRecorder) {
	t.Helper()
	st := memory.New()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)
	repo := New(Config{Store: st, Bus: bus, DualWrite: true})
	return repo, st, bus, rec
}

func TestCreateTask_Defaults(t *testing.T) {
	repo, st, _, rec := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "review feature", TaskType: "review"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, task.StatusQueued, created.Status)
	require.Equal(t, DefaultPriority, created.Priority)
	require.Equal(t, task.DefaultMaxRetries, created.MaxRetries)
	require.Equal(t, task.DefaultPhase, created.CurrentPhase)
	require.False(t, created.UpdatedAt.Before(created.CreatedAt))

	require.Eventually(t, func() bool {
		return len(rec.byType(event.TaskCreated)) == 1
	}, time.Second, 5*time.Millisecond)

	// dual-write mirror row committed alongside
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		row, err := tx.Legacy().GetTask(created.ID)
		require.NoError(t, err)
		require.Equal(t, "queued", row.Status)
		return nil
	}))
}

func TestCreateTask_Validation(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.CreateTask(ctx, CreateTaskInput{TaskType: "review"})
	require.True(t, errors.IsValidation(err))

	_, err = repo.CreateTask(ctx, CreateTaskInput{Title: "no type"})
	require.True(t, errors.IsValidation(err))

	_, err = repo.CreateTask(ctx, CreateTaskInput{Title: "bad dep", TaskType: "code", Dependencies: []string{"task-ghost"}})
	require.True(t, errors.IsValidation(err))
}

func registerWorker(t *testing.T, st *memory.Store, id string) {
	t.Helper()
	require.NoError(t, st.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.PutWorker(&worker.Worker{
			ID:            id,
			Role:          "coder",
			Status:        worker.StatusActive,
			LastHeartbeat: time.Now(),
			RegisteredAt:  time.Now(),
		})
	}))
}

func TestUpdateTaskStatus_HappyPath(t *testing.T) {
	repo, st, _, rec := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)
	registerWorker(t, st, "worker-1")

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusAssigned, map[string]any{"assigned_worker": "worker-1"})
	require.NoError(t, err)

	got, err := repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusAssigned, got.Status)
	require.Equal(t, "worker-1", got.AssignedWorker)

	// worker now holds the task
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker("worker-1")
		require.NoError(t, err)
		require.Equal(t, created.ID, w.CurrentTaskID)
		return nil
	}))

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusInProgress, nil)
	require.NoError(t, err)
	final, err := repo.UpdateTaskStatus(ctx, created.ID, task.StatusCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Empty(t, final.AssignedWorker)

	// worker released on the terminal transition
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker("worker-1")
		require.NoError(t, err)
		require.Empty(t, w.CurrentTaskID)
		return nil
	}))

	require.Eventually(t, func() bool {
		return len(rec.byType(event.TaskStatusChanged)) == 3
	}, time.Second, 5*time.Millisecond)

	trs, err := repo.ListTransitions(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, trs, 3)
	require.Equal(t, task.StatusCompleted, trs[2].ToStatus)
}

func TestUpdateTaskStatus_RejectsIllegalTransition(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusReviewPending, nil)
	require.True(t, errors.IsState(err))

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.Status("bogus"), nil)
	require.True(t, errors.IsValidation(err))
}

func TestUpdateTaskStatus_RequiresWorker(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusAssigned, nil)
	require.True(t, errors.IsValidation(err))
}

func TestUpdateTaskStatus_WorkflowTaskNeedsNoWorker(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{
		Title:    "wf",
		TaskType: "chimera_workflow",
		Workflow: map[string]any{"current_phase": "e2e_test_generation"},
	})
	require.NoError(t, err)

	got, err := repo.UpdateTaskStatus(ctx, created.ID, task.StatusInProgress, nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, got.Status)
	require.Empty(t, got.AssignedWorker)
}

func TestUpdateTaskStatus_IdempotentNoOp(t *testing.T) {
	repo, _, _, rec := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusCancelled, nil)
	require.NoError(t, err)

	// cancel again: no-op, no extra event
	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusCancelled, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.byType(event.TaskStatusChanged)) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, rec.byType(event.TaskStatusChanged), 1)
}

func TestUpdateTaskStatus_TerminalSticky(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusCancelled, nil)
	require.NoError(t, err)

	_, err = repo.UpdateTaskStatus(ctx, created.ID, task.StatusQueued, nil)
	require.True(t, errors.IsState(err))
}

func TestGetQueuedTasks_ReadyOnlyAndOrdered(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	low, err := repo.CreateTask(ctx, CreateTaskInput{Title: "low", TaskType: "code", Priority: 1})
	require.NoError(t, err)
	high, err := repo.CreateTask(ctx, CreateTaskInput{Title: "high", TaskType: "code", Priority: 10})
	require.NoError(t, err)
	mid, err := repo.CreateTask(ctx, CreateTaskInput{Title: "mid", TaskType: "code", Priority: 5})
	require.NoError(t, err)
	_ = low

	// blocked behind an incomplete dependency
	blocked, err := repo.CreateTask(ctx, CreateTaskInput{
		Title: "blocked", TaskType: "code", Priority: 9,
		Dependencies: []string{low.ID},
	})
	require.NoError(t, err)

	got, err := repo.GetQueuedTasks(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, high.ID, got[0].ID)
	require.Equal(t, mid.ID, got[1].ID)
	for _, tk := range got {
		require.NotEqual(t, blocked.ID, tk.ID)
	}
}

func TestGetQueuedTasks_DependencyCompletionUnblocks(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	dep, err := repo.CreateTask(ctx, CreateTaskInput{Title: "dep", TaskType: "code"})
	require.NoError(t, err)
	child, err := repo.CreateTask(ctx, CreateTaskInput{Title: "child", TaskType: "code", Dependencies: []string{dep.ID}})
	require.NoError(t, err)

	got, err := repo.GetQueuedTasks(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, dep.ID, got[0].ID)

	_, err = repo.UpdateTaskStatus(ctx, dep.ID, task.StatusInProgress, nil)
	require.True(t, errors.IsValidation(err)) // plain task needs a worker

	// complete the dependency through the legal workerless path: cancel is
	// terminal but not completed, so the child must stay blocked
	_, err = repo.UpdateTaskStatus(ctx, dep.ID, task.StatusCancelled, nil)
	require.NoError(t, err)
	got, err = repo.GetQueuedTasks(ctx, 10, "")
	require.NoError(t, err)
	require.Empty(t, got)
	_ = child
}

func TestDeleteTask_CascadesAndProtectsNonTerminal(t *testing.T) {
	repo, st, _, _ := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)

	require.NoError(t, st.WithinTx(ctx, func(tx store.Tx) error {
		return tx.PutRun(&task.Run{ID: "run-1", TaskID: created.ID, RunNumber: 1, Status: task.RunSuccess, StartedAt: time.Now()})
	}))

	err = repo.DeleteTask(ctx, created.ID, false)
	require.True(t, errors.IsState(err))

	require.NoError(t, repo.DeleteTask(ctx, created.ID, true))

	_, err = repo.GetTask(ctx, created.ID)
	require.True(t, errors.IsNotFound(err))
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		runs, err := tx.RunsByTask(created.ID)
		require.NoError(t, err)
		require.Empty(t, runs)
		_, err = tx.Legacy().GetTask(created.ID)
		require.True(t, errors.IsNotFound(err))
		return nil
	}))
}

func TestDisableDualWrite(t *testing.T) {
	repo, st, _, _ := newTestRepo(t)
	ctx := context.Background()

	repo.DisableDualWrite()
	require.False(t, repo.DualWriteEnabled())

	created, err := repo.CreateTask(ctx, CreateTaskInput{Title: "t", TaskType: "code"})
	require.NoError(t, err)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		_, err := tx.Legacy().GetTask(created.ID)
		require.True(t, errors.IsNotFound(err))
		return nil
	}))
}
