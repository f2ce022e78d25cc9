package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// loadPipelineFile overlays non-zero values from a YAML file onto p.
func loadPipelineFile(path string, p *PipelineConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	mergePipeline(p, fc.Pipeline)
	return nil
}

func mergePipeline(dst *PipelineConfig, src PipelineConfig) {
	setInt := func(d *int, s int) {
		if s != 0 {
			*d = s
		}
	}
	setInt(&dst.ChunkSize, src.ChunkSize)
	setInt(&dst.ChunkOverlap, src.ChunkOverlap)
	setInt(&dst.EmbedBatchSize, src.EmbedBatchSize)
	setInt(&dst.EmbedMaxChars, src.EmbedMaxChars)
	setInt(&dst.EmbedConcurrency, src.EmbedConcurrency)
	setInt(&dst.ContentCacheChars, src.ContentCacheChars)
	setInt(&dst.MaxOutputTokens, src.MaxOutputTokens)
	setInt(&dst.TopK, src.TopK)
	setInt(&dst.HistoryTurns, src.HistoryTurns)
	setInt(&dst.HistoryPage, src.HistoryPage)

	if src.MaxFetchBytes != 0 {
		dst.MaxFetchBytes = src.MaxFetchBytes
	}
	if src.MaxUploadBytes != 0 {
		dst.MaxUploadBytes = src.MaxUploadBytes
	}
	setDur := func(d *time.Duration, s time.Duration) {
		if s != 0 {
			*d = s
		}
	}
	setDur(&dst.FetchTimeout, src.FetchTimeout)
	setDur(&dst.ProviderTimeout, src.ProviderTimeout)
	setDur(&dst.GenerationTimeout, src.GenerationTimeout)
	setDur(&dst.IngestTimeout, src.IngestTimeout)
	setDur(&dst.ReconcileInterval, src.ReconcileInterval)
	setDur(&dst.StaleAfter, src.StaleAfter)
}
