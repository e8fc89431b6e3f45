package workers

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"chimera/internal/domain/task"
	"chimera/internal/logging"
	"chimera/internal/store"
	"chimera/internal/taskrepo"
)

// JanitorConfig configures the retention janitor.
type JanitorConfig struct {
	Store  store.Store
	Repo   *taskrepo.Repository
	Logger logging.Logger

	// Schedule is a cron expression (supports @every syntax). Empty means
	// "@every 1h".
	Schedule string
	// Retention is how long terminal tasks are kept. Zero means 7 days.
	Retention time.Duration
}

// Janitor deletes terminal tasks past their retention window on a cron
// schedule.
type Janitor struct {
	store     store.Store
	repo      *taskrepo.Repository
	log       logging.Logger
	schedule  string
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

// NewJanitor creates a janitor; call Start to schedule it.
func NewJanitor(cfg JanitorConfig) *Janitor {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Janitor{
		store:     cfg.Store,
		repo:      cfg.Repo,
		log:       logging.OrNop(cfg.Logger),
		schedule:  schedule,
		retention: retention,
		now:       time.Now,
	}
}

// Start registers the cron entry and begins the schedule.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		if n, err := j.DeleteExpired(ctx); err != nil {
			j.log.Warn("retention sweep failed: %v", err)
		} else if n > 0 {
			j.log.Info("retention sweep deleted %d expired task(s)", n)
		}
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// DeleteExpired removes terminal tasks whose last update is older than the
// retention window. Returns the number deleted.
func (j *Janitor) DeleteExpired(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	var expired []string
	err := j.store.View(ctx, func(tx store.Tx) error {
		for _, status := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
			tasks, err := tx.TasksByStatus(status)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if t.UpdatedAt.Before(cutoff) {
					expired = append(expired, t.ID)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range expired {
		if err := j.repo.DeleteTask(ctx, id, false); err != nil {
			j.log.Warn("retention delete of %s failed: %v", id, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
