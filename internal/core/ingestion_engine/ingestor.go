package ingestion_engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
)

var _ core.IngestDispatcher = (*WorkerPool)(nil)

// WorkerPool is the in-process dispatcher: a bounded job channel drained by N goroutines.
// Jobs still queued when the process exits are picked up again by the Reconciler.
type WorkerPool struct {
	proc core.SourceProcessor
	jobs chan string
	log  *logger.Logger
	wg   sync.WaitGroup
}

func NewWorkerPool(proc core.SourceProcessor, queueSize int, log *logger.Logger) *WorkerPool {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &WorkerPool{proc: proc, jobs: make(chan string, queueSize), log: log}
}

// Start launches numWorkers goroutines that run until ctx is cancelled.
func (p *WorkerPool) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		p.wg.Add(1)
		go func(w int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.log.Debug("ingest worker shutting down", "worker", w)
					return
				case sourceID := <-p.jobs:
					p.runJob(ctx, w, sourceID)
				}
			}
		}(w)
	}
}

func (p *WorkerPool) runJob(ctx context.Context, w int, sourceID string) {
	// ProcessOne already turns panics in the pipeline into ERROR; this guards the worker itself.
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("ingest worker recovered from panic", "worker", w, "source_id", sourceID, "panic", r)
		}
	}()
	if err := p.proc.ProcessOne(ctx, sourceID); err != nil {
		p.log.Error("ingestion run failed", "worker", w, "source_id", sourceID, "err", err)
	}
}

// Enqueue schedules a source without blocking the caller.
func (p *WorkerPool) Enqueue(ctx context.Context, sourceID string) error {
	select {
	case p.jobs <- sourceID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("enqueue %s: %w", sourceID, core.ErrQueueFull)
	}
}

// Wait blocks until every worker has returned after cancellation.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
