// Package workers implements the worker registry and dispatch service:
// registration, heartbeats, capability-matched claims, the liveness sweep
// and startup recovery.
package workers

import (
	"context"
	"sync"
	"time"

	"chimera/internal/async"
	"chimera/internal/domain/agent"
	"chimera/internal/domain/event"
	"chimera/internal/domain/task"
	"chimera/internal/domain/worker"
	"chimera/internal/errors"
	"chimera/internal/events"
	"chimera/internal/ids"
	"chimera/internal/logging"
	"chimera/internal/store"
	"chimera/internal/taskrepo"
)

// Config wires the worker service.
type Config struct {
	Store  store.Store
	Repo   *taskrepo.Repository
	Bus    *events.Bus
	Logger logging.Logger

	// HeartbeatTimeout is the maximum heartbeat age before a worker is
	// considered offline. Zero means worker.DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often the liveness sweep runs. Zero disables
	// the background sweep (Sweep can still be called directly).
	SweepInterval time.Duration
}

// Service is the C5 worker service.
type Service struct {
	store store.Store
	repo  *taskrepo.Repository
	bus   *events.Bus
	log   logging.Logger

	heartbeatTimeout time.Duration
	sweepInterval    time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	now     func() time.Time
}

// New creates the service.
func New(cfg Config) *Service {
	hb := cfg.HeartbeatTimeout
	if hb <= 0 {
		hb = worker.DefaultHeartbeatTimeout
	}
	return &Service{
		store:            cfg.Store,
		repo:             cfg.Repo,
		bus:              cfg.Bus,
		log:              logging.OrNop(cfg.Logger),
		heartbeatTimeout: hb,
		sweepInterval:    cfg.SweepInterval,
		now:              time.Now,
	}
}

func (s *Service) publish(evs []event.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}

// RegisterWorker upserts a worker record: re-registration with the same id
// replaces it, resets the heartbeat and marks it active. Emits
// worker.registered.
func (s *Service) RegisterWorker(ctx context.Context, id, role string, capabilities []agent.Capability, metadata map[string]any) (*worker.Worker, error) {
	const op = "workers.RegisterWorker"
	if id == "" {
		return nil, errors.E(errors.KindValidation, op, "worker id is required")
	}
	for _, c := range capabilities {
		if !c.Valid() {
			return nil, errors.E(errors.KindValidation, op, "unknown capability %q", c)
		}
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	now := s.now()
	w := &worker.Worker{
		ID:            id,
		Role:          role,
		Status:        worker.StatusActive,
		LastHeartbeat: now,
		Capabilities:  capabilities,
		RegisteredAt:  now,
		Metadata:      metadata,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if existing, err := tx.GetWorker(id); err == nil {
			// keep registration time and any held task across re-registers
			w.RegisteredAt = existing.RegisteredAt
			w.CurrentTaskID = existing.CurrentTaskID
		} else if !errors.IsNotFound(err) {
			return err
		}
		return tx.PutWorker(w)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("worker registered: id=%s role=%s caps=%d", id, role, len(capabilities))
	s.publish([]event.Event{event.New(event.WorkerRegistered, corrID, map[string]any{
		"worker_id": id,
		"role":      role,
	})})
	return w.Clone(), nil
}

// UpdateWorkerHeartbeat refreshes the worker's heartbeat and optionally its
// status. Returns false for unknown workers: heartbeats never register
// implicitly. Emits worker.heartbeat.
func (s *Service) UpdateWorkerHeartbeat(ctx context.Context, id string, status worker.Status) (bool, error) {
	const op = "workers.UpdateWorkerHeartbeat"
	if status != "" && !status.Valid() {
		return false, errors.E(errors.KindValidation, op, "unknown status %q", status)
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	known := false
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker(id)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}
		known = true
		w.LastHeartbeat = s.now()
		if status != "" {
			w.Status = status
		} else if w.Status == worker.StatusOffline {
			// a heartbeat from an offline worker brings it back
			w.Status = worker.StatusIdle
		}
		return tx.PutWorker(w)
	})
	if err != nil || !known {
		return false, err
	}
	s.publish([]event.Event{event.New(event.WorkerHeartbeat, corrID, map[string]any{
		"worker_id": id,
	})})
	return true, nil
}

// GetWorker returns a snapshot or a not_found error.
func (s *Service) GetWorker(ctx context.Context, id string) (*worker.Worker, error) {
	var w *worker.Worker
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.GetWorker(id)
		return err
	})
	return w, err
}

// GetActiveWorkers returns active workers with a fresh heartbeat, optionally
// filtered by role.
func (s *Service) GetActiveWorkers(ctx context.Context, role string) ([]*worker.Worker, error) {
	var out []*worker.Worker
	now := s.now()
	err := s.store.View(ctx, func(tx store.Tx) error {
		var (
			ws  []*worker.Worker
			err error
		)
		if role != "" {
			ws, err = tx.WorkersByRole(role)
		} else {
			ws, err = tx.Workers()
		}
		if err != nil {
			return err
		}
		for _, w := range ws {
			if w.Status == worker.StatusActive && w.HeartbeatFresh(now, s.heartbeatTimeout) {
				out = append(out, w)
			}
		}
		return nil
	})
	return out, err
}

// UnregisterWorker removes the worker. A held task goes back to queued with
// its open run failed (at-least-once redelivery).
func (s *Service) UnregisterWorker(ctx context.Context, id string) error {
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	var evs []event.Event
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		evs = evs[:0]
		w, err := tx.GetWorker(id)
		if err != nil {
			return err
		}
		if w.CurrentTaskID != "" {
			requeueEvs, err := s.releaseHeldTask(tx, w, corrID)
			if err != nil {
				return err
			}
			evs = append(evs, requeueEvs...)
		}
		return tx.DeleteWorker(id)
	})
	if err != nil {
		return err
	}
	s.log.Info("worker unregistered: id=%s", id)
	s.publish(evs)
	return nil
}

// releaseHeldTask requeues the worker's task and fails its open runs.
// The worker row itself is updated by the status transition's coherence
// pass; callers deleting the worker do so afterwards.
func (s *Service) releaseHeldTask(tx store.Tx, w *worker.Worker, corrID string) ([]event.Event, error) {
	taskID := w.CurrentTaskID
	_, evs, err := s.repo.ApplyStatusTx(tx, taskID, task.StatusQueued, map[string]any{
		"reason": "worker offline",
	}, corrID)
	if err != nil {
		if errors.IsState(err) || errors.IsNotFound(err) {
			// task already moved on; just drop the hold
			w.CurrentTaskID = ""
			return nil, tx.PutWorker(w)
		}
		return nil, err
	}

	runs, err := tx.RunsByTask(taskID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, r := range runs {
		if r.Status.IsTerminal() || r.WorkerID != w.ID {
			continue
		}
		r.Status = task.RunFailure
		r.ErrorMessage = "worker offline"
		r.CompletedAt = &now
		if err := tx.PutRun(r); err != nil {
			return nil, err
		}
		evs = append(evs, event.New(event.RunFailed, corrID, map[string]any{
			"run_id":  r.ID,
			"task_id": taskID,
			"error":   r.ErrorMessage,
		}))
	}
	return evs, nil
}

// ClaimResult is what a successful claim hands the worker.
type ClaimResult struct {
	Task *task.Task
	Run  *task.Run
}

// Claim atomically hands the worker the highest-priority ready queued task
// matching the capability filter (or, absent a filter, the worker's own
// capability set). A task matches a capability when its task_type equals the
// capability name or it carries a tag equal to it. Returns a not_found error
// when nothing is claimable.
func (s *Service) Claim(ctx context.Context, workerID string, capabilityFilter []agent.Capability) (*ClaimResult, error) {
	const op = "workers.Claim"
	ctx, corrID := ids.EnsureCorrelationID(ctx)

	var (
		result *ClaimResult
		evs    []event.Event
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		evs = evs[:0]
		w, err := tx.GetWorker(workerID)
		if err != nil {
			return err
		}
		if !w.Available(s.now(), s.heartbeatTimeout) {
			return errors.E(errors.KindConflict, op, "worker %s is not available for dispatch", workerID)
		}
		caps := capabilityFilter
		if len(caps) == 0 {
			caps = w.Capabilities
		}

		queued, err := tx.QueuedTasks("")
		if err != nil {
			return err
		}
		ready, err := taskrepo.FilterReady(tx, queued)
		if err != nil {
			return err
		}
		var picked *task.Task
		for _, t := range ready {
			if capabilityMatch(t, caps) {
				picked = t
				break
			}
		}
		if picked == nil {
			return errors.E(errors.KindNotFound, op, "no ready queued task matches worker %s", workerID)
		}

		updated, statusEvs, err := s.repo.ApplyStatusTx(tx, picked.ID, task.StatusAssigned, map[string]any{
			"assigned_worker": workerID,
		}, corrID)
		if err != nil {
			return err
		}
		evs = append(evs, statusEvs...)

		runNumber, err := tx.NextRunNumber(picked.ID)
		if err != nil {
			return err
		}
		run := &task.Run{
			ID:        ids.NewRunID(),
			TaskID:    picked.ID,
			WorkerID:  workerID,
			RunNumber: runNumber,
			Status:    task.RunPending,
			StartedAt: s.now(),
		}
		if err := tx.PutRun(run); err != nil {
			return err
		}

		evs = append(evs, event.New(event.TaskAssigned, corrID, map[string]any{
			"task_id":    picked.ID,
			"worker_id":  workerID,
			"run_id":     run.ID,
			"run_number": runNumber,
		}))
		result = &ClaimResult{Task: updated.Clone(), Run: run.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("claim: worker=%s task=%s run=%d", workerID, result.Task.ID, result.Run.RunNumber)
	s.publish(evs)
	return result, nil
}

// capabilityMatch implements the deterministic claim matching rule: the
// task's task_type equals one of the capabilities, or one of the task's tags
// does.
func capabilityMatch(t *task.Task, caps []agent.Capability) bool {
	for _, c := range caps {
		if string(c) == t.TaskType {
			return true
		}
		for _, tag := range t.Tags {
			if string(c) == tag {
				return true
			}
		}
	}
	return false
}

// StartRun moves a pending run to running. Emits run.started.
func (s *Service) StartRun(ctx context.Context, runID string) (*task.Run, error) {
	const op = "workers.StartRun"
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	var run *task.Run
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRun(runID)
		if err != nil {
			return err
		}
		if r.Status == task.RunRunning {
			run = r
			return nil
		}
		if r.Status != task.RunPending {
			return errors.E(errors.KindState, op, "run %s is %s", runID, r.Status)
		}
		r.Status = task.RunRunning
		r.StartedAt = s.now()
		run = r
		return tx.PutRun(r)
	})
	if err != nil {
		return nil, err
	}
	s.publish([]event.Event{event.New(event.RunStarted, corrID, map[string]any{
		"run_id":  runID,
		"task_id": run.TaskID,
	})})
	return run.Clone(), nil
}

// CompleteRun finishes a run with a terminal status. Emits run.completed or
// run.failed.
func (s *Service) CompleteRun(ctx context.Context, runID string, status task.RunStatus, resultData map[string]any, errorMessage string) (*task.Run, error) {
	const op = "workers.CompleteRun"
	if !status.IsTerminal() {
		return nil, errors.E(errors.KindValidation, op, "%q is not a terminal run status", status)
	}
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	var run *task.Run
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRun(runID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() {
			return errors.E(errors.KindState, op, "run %s already terminal (%s)", runID, r.Status)
		}
		now := s.now()
		r.Status = status
		r.ResultData = resultData
		r.ErrorMessage = errorMessage
		r.CompletedAt = &now
		run = r
		return tx.PutRun(r)
	})
	if err != nil {
		return nil, err
	}
	evType := event.RunCompleted
	if status != task.RunSuccess {
		evType = event.RunFailed
	}
	s.publish([]event.Event{event.New(evType, corrID, map[string]any{
		"run_id":  runID,
		"task_id": run.TaskID,
		"status":  string(status),
	})})
	return run.Clone(), nil
}

// Start launches the background liveness sweep. No-op when the sweep
// interval is zero.
func (s *Service) Start(ctx context.Context) {
	if s.sweepInterval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	stop, stopped := s.stop, s.stopped
	async.Go(s.log, "worker-liveness-sweep", func() {
		defer close(stopped)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.log.Warn("liveness sweep failed: %v", err)
				}
			}
		}
	})
}

// Stop halts the background sweep and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Sweep marks workers with a stale heartbeat offline and requeues any task
// they held. Emits worker.offline per evicted worker.
func (s *Service) Sweep(ctx context.Context) error {
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	var evs []event.Event
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		evs = evs[:0]
		all, err := tx.Workers()
		if err != nil {
			return err
		}
		now := s.now()
		for _, w := range all {
			if w.Status == worker.StatusOffline || w.HeartbeatFresh(now, s.heartbeatTimeout) {
				continue
			}
			if w.CurrentTaskID != "" {
				requeueEvs, err := s.releaseHeldTask(tx, w, corrID)
				if err != nil {
					return err
				}
				evs = append(evs, requeueEvs...)
				// re-read: the coherence pass rewrote the row
				w, err = tx.GetWorker(w.ID)
				if err != nil {
					return err
				}
			}
			w.Status = worker.StatusOffline
			w.CurrentTaskID = ""
			if err := tx.PutWorker(w); err != nil {
				return err
			}
			evs = append(evs, event.New(event.WorkerOffline, corrID, map[string]any{
				"worker_id": w.ID,
			}))
			s.log.Warn("worker %s marked offline (heartbeat stale)", w.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(evs)
	return nil
}

// RecoverStale requeues tasks left in assigned or in_progress by a previous
// orchestrator instance whose worker is gone or stale, and fails their open
// runs. Intended to run once at startup.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	ctx, corrID := ids.EnsureCorrelationID(ctx)
	recovered := 0
	var evs []event.Event
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		evs = evs[:0]
		recovered = 0
		now := s.now()
		for _, status := range []task.Status{task.StatusAssigned, task.StatusInProgress} {
			stuck, err := tx.TasksByStatus(status)
			if err != nil {
				return err
			}
			for _, t := range stuck {
				if t.AssignedWorker != "" {
					w, err := tx.GetWorker(t.AssignedWorker)
					if err == nil && w.HeartbeatFresh(now, s.heartbeatTimeout) {
						continue
					}
					if err != nil && !errors.IsNotFound(err) {
						return err
					}
				}
				_, statusEvs, err := s.repo.ApplyStatusTx(tx, t.ID, task.StatusQueued, map[string]any{
					"reason": "orchestrator restart recovery",
				}, corrID)
				if err != nil {
					if errors.IsState(err) {
						continue
					}
					return err
				}
				evs = append(evs, statusEvs...)
				runs, err := tx.RunsByTask(t.ID)
				if err != nil {
					return err
				}
				for _, r := range runs {
					if r.Status.IsTerminal() {
						continue
					}
					r.Status = task.RunFailure
					r.ErrorMessage = "orchestrator restart"
					r.CompletedAt = &now
					if err := tx.PutRun(r); err != nil {
						return err
					}
				}
				recovered++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		s.log.Info("startup recovery requeued %d task(s)", recovered)
	}
	s.publish(evs)
	return recovered, nil
}
