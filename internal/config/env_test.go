package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigProviderDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("LLM_PROVIDER", "openai")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.EmbedDim != 1536 {
		t.Fatalf("openai embed dim = %d, want 1536", cfg.EmbedDim)
	}
	if cfg.EmbedModel != "text-embedding-3-small" {
		t.Fatalf("unexpected embed model %q", cfg.EmbedModel)
	}
	if cfg.Pipeline.ChunkSize != 1000 || cfg.Pipeline.ChunkOverlap != 200 {
		t.Fatalf("unexpected chunking %+v", cfg.Pipeline)
	}
}

func TestLoadConfigYAMLOverlayThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lumen.yaml")
	body := "pipeline:\n  chunk_size: 800\n  chunk_overlap: 100\n  fetch_timeout: 3s\n  top_k: 8\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CHUNK_OVERLAP", "150")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	p := cfg.Pipeline
	if p.ChunkSize != 800 || p.ChunkOverlap != 150 {
		t.Fatalf("chunking = %d/%d, want 800/150", p.ChunkSize, p.ChunkOverlap)
	}
	if p.FetchTimeout != 3*time.Second {
		t.Fatalf("fetch timeout = %s", p.FetchTimeout)
	}
	if p.TopK != 8 {
		t.Fatalf("top k = %d", p.TopK)
	}
	if p.EmbedBatchSize != 100 {
		t.Fatalf("untouched default changed: %d", p.EmbedBatchSize)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := &Config{
		StoreBackend:   "postgres",
		StorageBackend: "local",
		QueueBackend:   "asynq",
		LLMProvider:    "gemini",
		EmbedDim:       768,
		Pipeline:       DefaultPipeline(),
	}
	cfg.Pipeline.ChunkOverlap = cfg.Pipeline.ChunkSize
	cfg.Pipeline.StaleAfter = cfg.Pipeline.IngestTimeout

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"DATABASE_URL", "REDIS_URL", "chunk overlap", "stale_after"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}
