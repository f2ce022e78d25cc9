package ingestion_engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/core/locks"
	"github.com/markdave123-py/lumen/internal/core/memstore"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
	"github.com/markdave123-py/lumen/internal/telemetry"
)

type stubExtractor struct {
	text  string
	err   error
	panic bool
	calls int
}

func (s *stubExtractor) Extract(context.Context, *models.Source) (string, error) {
	s.calls++
	if s.panic {
		panic("extractor exploded")
	}
	return s.text, s.err
}

// vecEmbedder returns a 2-d vector per text; texts containing "sky" point along x.
type vecEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (v *vecEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := v.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (v *vecEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.Contains(t, "sky") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func newIngestFixture(t *testing.T, ex core.ContentExtractor, emb core.Embedder) (*DocumentIngestor, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	ing := NewDocumentIngestor(store, ex, emb, locks.NewKeyedMutex(), &IngestConfig{ChunkSize: 1000, ChunkOverlap: 200}, logger.Nop(), nil)
	return ing, store
}

func pendingSource(t *testing.T, store *memstore.Store, id string) {
	t.Helper()
	err := store.CreateSource(context.Background(), &models.Source{
		ID: id, NotebookID: "nb", Type: models.SourceTXT, Title: "doc.txt", FilePath: "doc.txt", Status: models.StatusPending,
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
}

func TestProcessOneReadyWithChunks(t *testing.T) {
	ex := &stubExtractor{text: strings.Repeat("x", 1500)}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	pendingSource(t, store, "s1")

	if err := ing.ProcessOne(context.Background(), "s1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	src, _ := store.GetSourceByID(context.Background(), "s1")
	if src.Status != models.StatusReady {
		t.Fatalf("status = %s, want READY (err %q)", src.Status, src.ErrorMsg)
	}
	chunks, _ := store.GetChunksBySource(context.Background(), "s1")
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Index != i || len(ch.Embedding) != 2 {
			t.Fatalf("chunk %d malformed: %+v", i, ch)
		}
	}
	if len(chunks[0].Content) != 1000 || len(chunks[1].Content) < 300 {
		t.Fatalf("unexpected chunk sizes %d/%d", len(chunks[0].Content), len(chunks[1].Content))
	}
}

func TestProcessOneCachesTruncatedContent(t *testing.T) {
	ex := &stubExtractor{text: strings.Repeat("y", 60000)}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	pendingSource(t, store, "s1")

	_ = ing.ProcessOne(context.Background(), "s1")
	src, _ := store.GetSourceByID(context.Background(), "s1")
	if len(src.Content) != 50000 {
		t.Fatalf("content cache = %d chars, want 50000", len(src.Content))
	}
}

func TestProcessOneFailuresEndInError(t *testing.T) {
	cases := []struct {
		name    string
		ex      *stubExtractor
		emb     *vecEmbedder
		wantMsg string
	}{
		{"extraction", &stubExtractor{err: core.NewExtractionError(core.ExtractFetchFailed, "fetch timed out", context.DeadlineExceeded)}, &vecEmbedder{}, "FETCH_FAILED"},
		{"no content", &stubExtractor{text: "too short"}, &vecEmbedder{}, "no content extracted"},
		{"embedding", &stubExtractor{text: strings.Repeat("z", 400)}, &vecEmbedder{err: &core.EmbeddingError{Kind: core.EmbedProviderError, Msg: "quota"}}, "quota"},
		{"panic", &stubExtractor{panic: true}, &vecEmbedder{}, "extractor exploded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ing, store := newIngestFixture(t, tc.ex, tc.emb)
			pendingSource(t, store, "s1")

			if err := ing.ProcessOne(context.Background(), "s1"); err != nil {
				t.Fatalf("ProcessOne should swallow pipeline errors, got %v", err)
			}
			src, _ := store.GetSourceByID(context.Background(), "s1")
			if src.Status != models.StatusError {
				t.Fatalf("status = %s, want ERROR", src.Status)
			}
			if !strings.Contains(src.ErrorMsg, tc.wantMsg) {
				t.Fatalf("error message %q does not contain %q", src.ErrorMsg, tc.wantMsg)
			}
			if chunks, _ := store.GetChunksBySource(context.Background(), "s1"); len(chunks) != 0 {
				t.Fatalf("failed run persisted %d chunks", len(chunks))
			}
		})
	}
}

func TestProcessOneSkipsNonPending(t *testing.T) {
	ex := &stubExtractor{text: strings.Repeat("x", 200)}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	pendingSource(t, store, "s1")
	_ = ing.ProcessOne(context.Background(), "s1")
	_ = ing.ProcessOne(context.Background(), "s1")

	if ex.calls != 1 {
		t.Fatalf("a READY source must not be re-extracted, calls = %d", ex.calls)
	}
	if err := ing.ProcessOne(context.Background(), "missing"); err != nil {
		t.Fatalf("missing source should be a no-op, got %v", err)
	}
}

func TestProcessOneCancelledJobSettlesInError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := &blockingExtractor{started: make(chan struct{})}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	pendingSource(t, store, "s1")

	done := make(chan error, 1)
	go func() { done <- ing.ProcessOne(ctx, "s1") }()
	<-ex.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ProcessOne did not return after cancel")
	}
	src, _ := store.GetSourceByID(context.Background(), "s1")
	if src.Status != models.StatusError {
		t.Fatalf("status = %s, want ERROR", src.Status)
	}
}

type blockingExtractor struct{ started chan struct{} }

func (b *blockingExtractor) Extract(ctx context.Context, _ *models.Source) (string, error) {
	close(b.started)
	<-ctx.Done()
	return "", core.NewExtractionError(core.ExtractFetchFailed, "cancelled", ctx.Err())
}

func TestReprocessReplacesChunks(t *testing.T) {
	ex := &stubExtractor{text: strings.Repeat("a", 2000)}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	pendingSource(t, store, "s1")
	ctx := context.Background()
	_ = ing.ProcessOne(ctx, "s1")
	before, _ := store.GetChunksBySource(ctx, "s1")

	ex.text = strings.Repeat("b", 850)
	ok, err := store.TransitionSource(ctx, "s1", models.StatusChange{From: []models.SourceStatus{models.StatusReady}, To: models.StatusPending})
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	_ = ing.ProcessOne(ctx, "s1")

	after, _ := store.GetChunksBySource(ctx, "s1")
	if len(before) != 3 || len(after) != 1 {
		t.Fatalf("chunk counts before/after = %d/%d, want 3/1", len(before), len(after))
	}
	if !strings.HasPrefix(after[0].Content, "b") {
		t.Fatalf("old chunk content survived re-run")
	}
}

func TestReprocessSameContentIsIdempotent(t *testing.T) {
	text := strings.Repeat("the sky is blue and the grass is green. ", 60)
	ex := &stubExtractor{text: text}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	pendingSource(t, store, "s1")
	ctx := context.Background()

	_ = ing.ProcessOne(ctx, "s1")
	first, _ := store.GetChunksBySource(ctx, "s1")

	ok, err := store.TransitionSource(ctx, "s1", models.StatusChange{From: []models.SourceStatus{models.StatusReady}, To: models.StatusPending})
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	_ = ing.ProcessOne(ctx, "s1")
	second, _ := store.GetChunksBySource(ctx, "s1")

	if ex.calls != 2 {
		t.Fatalf("expected two extraction runs, got %d", ex.calls)
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Index != second[i].Index || first[i].Content != second[i].Content {
			t.Fatalf("chunk %d changed between runs", i)
		}
	}
	src, _ := store.GetSourceByID(ctx, "s1")
	if src.Status != models.StatusReady {
		t.Fatalf("status = %s, want READY", src.Status)
	}
}

// resettingExtractor puts the source back to PENDING during its first run, the
// way the reconciler does for a run it considers stuck.
type resettingExtractor struct {
	store *memstore.Store
	text  string
	calls int
}

func (r *resettingExtractor) Extract(ctx context.Context, src *models.Source) (string, error) {
	r.calls++
	if r.calls == 1 {
		_, _ = r.store.TransitionSource(ctx, src.ID, models.StatusChange{
			From: []models.SourceStatus{models.StatusProcessing},
			To:   models.StatusPending,
		})
	}
	return r.text, nil
}

func TestProcessOneDropsResultWhenClaimLost(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(ctx)
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	store := memstore.New()
	ex := &resettingExtractor{store: store, text: strings.Repeat("r", 400)}
	ing := NewDocumentIngestor(store, ex, &vecEmbedder{}, locks.NewKeyedMutex(), &IngestConfig{ChunkSize: 1000, ChunkOverlap: 200}, logger.Nop(), metrics)
	pendingSource(t, store, "s1")

	if err := ing.ProcessOne(ctx, "s1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	src, _ := store.GetSourceByID(ctx, "s1")
	if src.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING left for the newer run", src.Status)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	statuses := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if md.Name != "ingest.outcomes.total" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("status"))
				statuses[v.AsString()] += dp.Value
			}
		}
	}
	if statuses[outcomeSuperseded] != 1 || statuses[string(models.StatusReady)] != 0 {
		t.Fatalf("unexpected outcomes %v", statuses)
	}

	if err := ing.ProcessOne(ctx, "s1"); err != nil {
		t.Fatalf("second ProcessOne: %v", err)
	}
	src, _ = store.GetSourceByID(ctx, "s1")
	if src.Status != models.StatusReady || ex.calls != 2 {
		t.Fatalf("re-run status = %s, calls = %d", src.Status, ex.calls)
	}
}

func TestWorkerPoolRunsQueuedSources(t *testing.T) {
	ex := &stubExtractor{text: strings.Repeat("w", 300)}
	ing, store := newIngestFixture(t, ex, &vecEmbedder{})
	for _, id := range []string{"a", "b", "c"} {
		pendingSource(t, store, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ing, 8, logger.Nop())
	pool.Start(ctx, 1)
	for _, id := range []string{"a", "b", "c"} {
		if err := pool.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ready := 0
		for _, id := range []string{"a", "b", "c"} {
			src, _ := store.GetSourceByID(ctx, id)
			if src.Status == models.StatusReady {
				ready++
			}
		}
		if ready == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of 3 sources became READY", ready)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	pool.Wait()
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(nil, 1, logger.Nop())
	if err := pool.Enqueue(context.Background(), "a"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := pool.Enqueue(context.Background(), "b"); !errors.Is(err, core.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
