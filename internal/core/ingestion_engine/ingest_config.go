package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/lumen/internal/config"
)

// IngestConfig tunes one ingestion run.
//
// ChunkSize/ChunkOverlap: character windows handed to the embedder.
// ContentCacheChars:      how much extracted text is cached on the source row.
// JobTimeout:             upper bound for extract + embed + persist.
// StatusTimeout:          upper bound for a single status write.
type IngestConfig struct {
	ChunkSize         int
	ChunkOverlap      int
	ContentCacheChars int
	JobTimeout        time.Duration
	StatusTimeout     time.Duration
}

func IngestConfigFrom(p config.PipelineConfig) *IngestConfig {
	return &IngestConfig{
		ChunkSize:         p.ChunkSize,
		ChunkOverlap:      p.ChunkOverlap,
		ContentCacheChars: p.ContentCacheChars,
		JobTimeout:        p.IngestTimeout,
		StatusTimeout:     30 * time.Second,
	}
}

func (c *IngestConfig) withDefaults() *IngestConfig {
	out := *c
	if out.ChunkSize == 0 {
		out.ChunkSize = 1000
		out.ChunkOverlap = 200
	}
	if out.ContentCacheChars == 0 {
		out.ContentCacheChars = 50000
	}
	if out.JobTimeout == 0 {
		out.JobTimeout = 5 * time.Minute
	}
	if out.StatusTimeout == 0 {
		out.StatusTimeout = 30 * time.Second
	}
	return &out
}
