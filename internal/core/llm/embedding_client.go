package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/telemetry"
)

var _ core.Embedder = (*EmbeddingClient)(nil)

type EmbeddingConfig struct {
	Dim         int // expected vector length, 0 skips the check
	BatchSize   int
	MaxChars    int
	Concurrency int
	Timeout     time.Duration // per provider call
}

// EmbeddingClient turns texts into vectors through an EmbeddingProvider,
// batching, truncating and validating on the way.
type EmbeddingClient struct {
	provider core.EmbeddingProvider
	cfg      EmbeddingConfig
	breaker  *gobreaker.CircuitBreaker
	log      *logger.Logger
	metrics  *telemetry.Metrics
}

func NewEmbeddingClient(provider core.EmbeddingProvider, cfg EmbeddingConfig, log *logger.Logger, metrics *telemetry.Metrics) *EmbeddingClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &EmbeddingClient{
		provider: provider,
		cfg:      cfg,
		breaker:  NewBreaker("embeddings", log),
		log:      log,
		metrics:  metrics,
	}
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order. Any failing batch fails the whole call.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var batches [][]string
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = truncate(t, c.cfg.MaxChars)
		}
		batches = append(batches, batch)
	}

	results := make([][][]float32, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for bi, batch := range batches {
		g.Go(func() error {
			vecs, err := c.callProvider(gctx, batch)
			if err != nil {
				return err
			}
			results[bi] = vecs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, vecs := range results {
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *EmbeddingClient) callProvider(ctx context.Context, batch []string) ([][]float32, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.provider.EmbedTexts(cctx, batch)
	})
	c.metrics.RecordEmbeddingBatch(ctx, err == nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &core.EmbeddingError{Kind: core.EmbedTimeout, Msg: "provider call timed out", Err: err}
		}
		return nil, &core.EmbeddingError{Kind: core.EmbedProviderError, Msg: "provider call failed", Err: err}
	}

	vecs, _ := res.([][]float32)
	if len(vecs) != len(batch) {
		return nil, &core.EmbeddingError{
			Kind: core.EmbedProviderError,
			Msg:  fmt.Sprintf("provider returned %d vectors for %d inputs", len(vecs), len(batch)),
		}
	}
	for i, v := range vecs {
		if len(v) == 0 || (c.cfg.Dim > 0 && len(v) != c.cfg.Dim) {
			return nil, &core.EmbeddingError{
				Kind: core.EmbedProviderError,
				Msg:  fmt.Sprintf("vector %d has dimension %d, want %d", i, len(v), c.cfg.Dim),
			}
		}
	}
	return vecs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
