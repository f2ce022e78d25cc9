package ingestion_engine

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

// Reconciler re-dispatches sources whose run was lost: PENDING jobs that never
// reached a worker and PROCESSING runs whose process died.
type Reconciler struct {
	db         core.DbClient
	dispatcher core.IngestDispatcher
	staleAfter time.Duration
	log        *logger.Logger
	scheduler  *gocron.Scheduler
	now        func() time.Time
}

func NewReconciler(db core.DbClient, dispatcher core.IngestDispatcher, staleAfter time.Duration, log *logger.Logger) *Reconciler {
	return &Reconciler{
		db:         db,
		dispatcher: dispatcher,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Sweep re-enqueues every stale source and returns how many were dispatched.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.db.ListStaleSources(ctx, []models.SourceStatus{models.StatusPending, models.StatusProcessing}, cutoff)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, src := range stale {
		if src.Status == models.StatusProcessing {
			ok, err := r.db.TransitionSource(ctx, src.ID, models.StatusChange{
				From: []models.SourceStatus{models.StatusProcessing},
				To:   models.StatusPending,
			})
			if err != nil {
				r.log.Warn("reset stuck source failed", "source_id", src.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if err := r.dispatcher.Enqueue(ctx, src.ID); err != nil {
			r.log.Warn("re-dispatch failed", "source_id", src.ID, "err", err)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		r.log.Info("reconciled stale sources", "count", dispatched)
	}
	return dispatched, nil
}

// Start runs Sweep now and then every interval.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) error {
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).SingletonMode().Do(func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("reconcile sweep failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	s.StartAsync()
	r.scheduler = s
	return nil
}

func (r *Reconciler) Stop() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}
