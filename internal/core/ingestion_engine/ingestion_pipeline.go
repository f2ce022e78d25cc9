package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
	"github.com/markdave123-py/lumen/internal/telemetry"
)

var errNoContent = errors.New("no content extracted")

var _ core.SourceProcessor = (*DocumentIngestor)(nil)

// DocumentIngestor runs the PENDING -> PROCESSING -> READY|ERROR cycle of a source.
//
// db:        persistence for sources and chunks.
// extractor: PDF / TXT / URL text extraction.
// embedder:  batching embedding client.
// locker:    keeps two runs of one source from interleaving their chunk writes.
type DocumentIngestor struct {
	db        core.DbClient
	extractor core.ContentExtractor
	embedder  core.Embedder
	locker    core.SourceLocker
	cfg       *IngestConfig
	log       *logger.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

func NewDocumentIngestor(db core.DbClient, extractor core.ContentExtractor, emb core.Embedder, locker core.SourceLocker, cfg *IngestConfig, log *logger.Logger, metrics *telemetry.Metrics) *DocumentIngestor {
	return &DocumentIngestor{
		db:        db,
		extractor: extractor,
		embedder:  emb,
		locker:    locker,
		cfg:       cfg.withDefaults(),
		log:       log,
		metrics:   metrics,
		tracer:    otel.Tracer("lumen/ingestion"),
	}
}

// outcomeSuperseded labels runs whose claim was taken over before they finished.
const outcomeSuperseded = "SUPERSEDED"

// ProcessOne ingests a single source. Extraction and embedding failures end in
// status ERROR and a nil return; only failures to read or write the source's
// status are returned, so a durable queue can retry them.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, sourceID string) error {
	ctx, span := i.tracer.Start(ctx, "ingest.source", trace.WithAttributes(attribute.String("source.id", sourceID)))
	defer span.End()
	log := i.log.With("source_id", sourceID)

	src, err := i.db.GetSourceByID(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	if src == nil {
		log.Info("source vanished before ingestion")
		return nil
	}

	unlock, err := i.locker.Lock(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("lock source: %w", err)
	}
	defer unlock()

	ok, err := i.transition(ctx, sourceID, models.StatusChange{
		From: []models.SourceStatus{models.StatusPending},
		To:   models.StatusProcessing,
	})
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		log.Info("source not pending, skipping")
		return nil
	}

	started := time.Now()
	content, nChunks, runErr := i.run(ctx, src)
	elapsed := time.Since(started).Seconds()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.Warn("ingestion failed", "err", runErr)
		ok, err := i.transition(ctx, sourceID, models.StatusChange{
			From:     []models.SourceStatus{models.StatusProcessing},
			To:       models.StatusError,
			ErrorMsg: runErr.Error(),
		})
		if err != nil {
			return fmt.Errorf("mark error: %w", err)
		}
		if !ok {
			i.claimLost(ctx, log, elapsed)
			return nil
		}
		i.metrics.RecordIngest(ctx, string(models.StatusError), elapsed)
		return nil
	}

	ok, err = i.transition(ctx, sourceID, models.StatusChange{
		From:    []models.SourceStatus{models.StatusProcessing},
		To:      models.StatusReady,
		Content: truncateRunes(content, i.cfg.ContentCacheChars),
	})
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if !ok {
		i.claimLost(ctx, log, elapsed)
		return nil
	}
	i.metrics.RecordIngest(ctx, string(models.StatusReady), elapsed)
	log.Info("source ingested", "chunks", nChunks, "seconds", elapsed)
	return nil
}

// claimLost handles a run whose source left PROCESSING underneath it, typically
// reset by the reconciler. The newer run owns the final status.
func (i *DocumentIngestor) claimLost(ctx context.Context, log *logger.Logger, elapsed float64) {
	log.Warn("source no longer PROCESSING, dropping run result", "seconds", elapsed)
	i.metrics.RecordIngest(ctx, outcomeSuperseded, elapsed)
}

// run performs extract -> chunk -> embed -> persist. Panics become errors.
func (i *DocumentIngestor) run(ctx context.Context, src *models.Source) (content string, n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, i.cfg.JobTimeout)
	defer cancel()

	exCtx, span := i.tracer.Start(ctx, "ingest.extract")
	content, err = i.extractor.Extract(exCtx, src)
	span.End()
	if err != nil {
		return "", 0, err
	}

	pieces := ChunkText(content, i.cfg.ChunkSize, i.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return "", 0, errNoContent
	}

	embCtx, span := i.tracer.Start(ctx, "ingest.embed", trace.WithAttributes(attribute.Int("chunks", len(pieces))))
	vectors, err := i.embedder.EmbedBatch(embCtx, pieces)
	span.End()
	if err != nil {
		return "", 0, err
	}
	if len(vectors) != len(pieces) {
		return "", 0, fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors), len(pieces))
	}

	chunks := make([]models.Chunk, len(pieces))
	for idx, text := range pieces {
		chunks[idx] = models.Chunk{
			ID:        uuid.NewString(),
			SourceID:  src.ID,
			Content:   text,
			Embedding: vectors[idx],
			Index:     idx,
		}
	}
	if err := i.db.ReplaceChunks(ctx, src.ID, chunks); err != nil {
		return "", 0, fmt.Errorf("store chunks: %w", err)
	}
	return content, len(chunks), nil
}

// transition writes a status change on a context that survives cancellation of
// the job, so a cancelled run still settles in ERROR.
func (i *DocumentIngestor) transition(ctx context.Context, id string, change models.StatusChange) (bool, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.StatusTimeout)
	defer cancel()
	return i.db.TransitionSource(sctx, id, change)
}
