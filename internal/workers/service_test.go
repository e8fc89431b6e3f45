package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"chimera/internal/domain/agent"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/store"
	"chimera/internal/store/memory"
	"chimera/internal/taskrepo"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *memory.Store
	repo  *taskrepo.Repository
	bus   *events.Bus
	svc   *Service
}

func newFixture(t *testing.T, heartbeatTimeout time.Duration) *fixture {
	t.Helper()
	st := memory.New()
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	repo := taskrepo.New(taskrepo.Config{Store: st, Bus: bus})
	svc := New(Config{Store: st, Repo: repo, Bus: bus, HeartbeatTimeout: heartbeatTimeout})
	return &fixture{store: st, repo: repo, bus: bus, svc: svc}
}

func TestRegisterWorker_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	first, err := f.svc.RegisterWorker(ctx, "worker-1", "coder", []agent.Capability{agent.CapabilityCode}, nil)
	require.NoError(t, err)
	require.Equal(t, worker.StatusActive, first.Status)

	second, err := f.svc.RegisterWorker(ctx, "worker-1", "coder", []agent.Capability{agent.CapabilityCode}, nil)
	require.NoError(t, err)
	require.Equal(t, first.RegisteredAt, second.RegisteredAt)
	require.Equal(t, first.ID, second.ID)
}

func TestRegisterWorker_RejectsUnknownCapability(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.RegisterWorker(context.Background(), "worker-1", "coder", []agent.Capability{"fly"}, nil)
	require.True(t, errors.IsValidation(err))
}

func TestHeartbeat_NoImplicitRegistration(t *testing.T) {
	f := newFixture(t, 0)
	known, err := f.svc.UpdateWorkerHeartbeat(context.Background(), "worker-ghost", "")
	require.NoError(t, err)
	require.False(t, known)
}

func TestHeartbeat_RevivesOfflineWorker(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.RegisterWorker(ctx, "worker-1", "coder", nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker("worker-1")
		require.NoError(t, err)
		w.Status = worker.StatusOffline
		return tx.PutWorker(w)
	}))

	known, err := f.svc.UpdateWorkerHeartbeat(ctx, "worker-1", "")
	require.NoError(t, err)
	require.True(t, known)

	w, err := f.svc.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, worker.StatusIdle, w.Status)
}

func TestClaim_HappyPath(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "review it", TaskType: "review", Priority: 5})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	res, err := f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.Equal(t, created.ID, res.Task.ID)
	require.Equal(t, task.StatusAssigned, res.Task.Status)
	require.Equal(t, "worker-1", res.Task.AssignedWorker)
	require.Equal(t, 1, res.Run.RunNumber)
	require.Equal(t, task.RunPending, res.Run.Status)

	w, err := f.svc.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, created.ID, w.CurrentTaskID)
	require.Equal(t, worker.StatusActive, w.Status)
}

func TestClaim_IdleWorkerBecomesActive(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "review it", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	known, err := f.svc.UpdateWorkerHeartbeat(ctx, "worker-1", worker.StatusIdle)
	require.NoError(t, err)
	require.True(t, known)

	res, err := f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.Equal(t, created.ID, res.Task.ID)

	// holding a task implies active; an idle holder would be invisible to
	// GetActiveWorkers
	w, err := f.svc.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, worker.StatusActive, w.Status)
	require.Equal(t, created.ID, w.CurrentTaskID)

	active, err := f.svc.GetActiveWorkers(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "worker-1", active[0].ID)
}

func TestClaim_CapabilityFiltering(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "deploy it", TaskType: "deploy", Priority: 9})
	require.NoError(t, err)
	tagged, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "tagged", TaskType: "misc", Tags: []string{"review"}})
	require.NoError(t, err)

	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	// deploy task is higher priority but the reviewer cannot take it;
	// the tagged task matches via its tag
	res, err := f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.Equal(t, tagged.ID, res.Task.ID)
}

func TestClaim_NothingMatches(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "worker-1", nil)
	require.True(t, errors.IsNotFound(err))
}

func TestClaim_BusyWorkerRejected(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "a", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "b", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "worker-1", nil)
	require.True(t, errors.IsConflict(err))
}

func TestClaim_AtMostOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "contended", TaskType: "review"})
	require.NoError(t, err)

	const claimants = 8
	for i := 0; i < claimants; i++ {
		id := workerID(i)
		_, err := f.svc.RegisterWorker(ctx, id, "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.svc.Claim(ctx, id, nil)
			if err == nil {
				mu.Lock()
				wins = append(wins, res.Task.ID)
				mu.Unlock()
			}
		}(workerID(i))
	}
	wg.Wait()

	require.Len(t, wins, 1)
	require.Equal(t, created.ID, wins[0])
}

func workerID(i int) string {
	return "worker-" + string(rune('a'+i))
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "t", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	res, err := f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	started, err := f.svc.StartRun(ctx, res.Run.ID)
	require.NoError(t, err)
	require.Equal(t, task.RunRunning, started.Status)

	done, err := f.svc.CompleteRun(ctx, res.Run.ID, task.RunSuccess, map[string]any{"out": 1}, "")
	require.NoError(t, err)
	require.Equal(t, task.RunSuccess, done.Status)
	require.NotNil(t, done.CompletedAt)

	// terminal runs are sticky
	_, err = f.svc.CompleteRun(ctx, res.Run.ID, task.RunFailure, nil, "late")
	require.True(t, errors.IsState(err))

	_, err = f.svc.CompleteRun(ctx, res.Run.ID, task.RunRunning, nil, "")
	require.True(t, errors.IsValidation(err))
}

func TestSweep_WorkerDeathAndRedelivery(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "t", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)

	res, err := f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	_, err = f.svc.StartRun(ctx, res.Run.ID)
	require.NoError(t, err)

	// heartbeat goes stale
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, f.svc.Sweep(ctx))

	w, err := f.svc.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, worker.StatusOffline, w.Status)
	require.Empty(t, w.CurrentTaskID)

	got, err := f.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, got.Status)
	require.Empty(t, got.AssignedWorker)

	run, err := runByID(f.store, res.Run.ID)
	require.NoError(t, err)
	require.Equal(t, task.RunFailure, run.Status)
	require.Equal(t, "worker offline", run.ErrorMessage)

	// a second worker claims and gets run_number 2
	_, err = f.svc.RegisterWorker(ctx, "worker-2", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)
	res2, err := f.svc.Claim(ctx, "worker-2", nil)
	require.NoError(t, err)
	require.Equal(t, created.ID, res2.Task.ID)
	require.Equal(t, 2, res2.Run.RunNumber)
}

func runByID(st *memory.Store, id string) (*task.Run, error) {
	var run *task.Run
	err := st.View(context.Background(), func(tx store.Tx) error {
		var err error
		run, err = tx.GetRun(id)
		return err
	})
	return run, err
}

func TestUnregisterWorker_RequeuesHeldTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "t", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)
	_, err = f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.UnregisterWorker(ctx, "worker-1"))

	_, err = f.svc.GetWorker(ctx, "worker-1")
	require.True(t, errors.IsNotFound(err))

	got, err := f.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, got.Status)
	require.Empty(t, got.AssignedWorker)
}

func TestGetActiveWorkers_FiltersStaleAndRole(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	_, err := f.svc.RegisterWorker(ctx, "worker-fresh", "coder", nil, nil)
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-stale", "coder", nil, nil)
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-other", "reviewer", nil, nil)
	require.NoError(t, err)

	// age out one worker's heartbeat
	require.NoError(t, f.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker("worker-stale")
		require.NoError(t, err)
		w.LastHeartbeat = time.Now().Add(-time.Second)
		return tx.PutWorker(w)
	}))

	active, err := f.svc.GetActiveWorkers(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 2)

	coders, err := f.svc.GetActiveWorkers(ctx, "coder")
	require.NoError(t, err)
	require.Len(t, coders, 1)
	require.Equal(t, "worker-fresh", coders[0].ID)
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	created, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "t", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.svc.RegisterWorker(ctx, "worker-1", "reviewer", []agent.Capability{agent.CapabilityReview}, nil)
	require.NoError(t, err)
	res, err := f.svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	// simulate a previous process: worker heartbeat is ancient
	require.NoError(t, f.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker("worker-1")
		require.NoError(t, err)
		w.LastHeartbeat = time.Now().Add(-time.Hour)
		return tx.PutWorker(w)
	}))

	n, err := f.svc.RecoverStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, got.Status)

	run, err := runByID(f.store, res.Run.ID)
	require.NoError(t, err)
	require.Equal(t, task.RunFailure, run.Status)
}

func TestJanitor_DeleteExpired(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	old, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "old", TaskType: "review"})
	require.NoError(t, err)
	_, err = f.repo.UpdateTaskStatus(ctx, old.ID, task.StatusCancelled, nil)
	require.NoError(t, err)
	fresh, err := f.repo.CreateTask(ctx, taskrepo.CreateTaskInput{Title: "fresh", TaskType: "review"})
	require.NoError(t, err)

	// push the cancelled task past the retention window
	require.NoError(t, f.store.WithinTx(ctx, func(tx store.Tx) error {
		tk, err := tx.GetTask(old.ID)
		require.NoError(t, err)
		tk.UpdatedAt = time.Now().Add(-48 * time.Hour)
		return tx.PutTask(tk)
	}))

	j := NewJanitor(JanitorConfig{Store: f.store, Repo: f.repo, Retention: 24 * time.Hour})
	n, err := j.DeleteExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.repo.GetTask(ctx, old.ID)
	require.True(t, errors.IsNotFound(err))
	_, err = f.repo.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
}
