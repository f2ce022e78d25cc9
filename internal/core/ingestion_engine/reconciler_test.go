package ingestion_engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/markdave123-py/lumen/internal/core/memstore"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingDispatcher) Enqueue(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingDispatcher) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestSweepRedispatchesStuckSources(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	for id, status := range map[string]models.SourceStatus{
		"pending":    models.StatusPending,
		"processing": models.StatusProcessing,
		"ready":      models.StatusReady,
		"error":      models.StatusError,
	} {
		if err := store.CreateSource(ctx, &models.Source{ID: id, NotebookID: "nb", Type: models.SourceURL, URL: "http://x", Status: status}); err != nil {
			t.Fatalf("CreateSource: %v", err)
		}
	}

	disp := &recordingDispatcher{}
	r := NewReconciler(store, disp, 10*time.Minute, logger.Nop())
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("dispatched %d, want 2 (%v)", n, disp.seen())
	}
	stuck, _ := store.GetSourceByID(ctx, "processing")
	if stuck.Status != models.StatusPending {
		t.Fatalf("stuck source should be reset to PENDING, got %s", stuck.Status)
	}
}

func TestSweepLeavesFreshSourcesAlone(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	_ = store.CreateSource(ctx, &models.Source{ID: "fresh", NotebookID: "nb", Type: models.SourceURL, Status: models.StatusProcessing})

	disp := &recordingDispatcher{}
	n, err := NewReconciler(store, disp, 10*time.Minute, logger.Nop()).Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("fresh source re-dispatched: n=%d err=%v", n, err)
	}
}

func TestReconcilerStartRunsImmediately(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	_ = store.CreateSource(ctx, &models.Source{ID: "p", NotebookID: "nb", Type: models.SourceURL, Status: models.StatusPending})

	disp := &recordingDispatcher{}
	r := NewReconciler(store, disp, 0, logger.Nop())
	r.now = func() time.Time { return time.Now().Add(time.Minute) }
	if err := r.Start(ctx, time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(disp.seen()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("startup sweep did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
