package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	LogLevel string
	Port     string

	StoreBackend string // postgres | memory
	DatabaseURL  string
	SslCertPath  string

	StorageBackend string // s3 | local
	AwsAccessKey   string
	AwsSecretKey   string
	AwsRegion      string
	BucketName     string
	LocalDataDir   string

	QueueBackend      string // memory | asynq
	RedisURL          string
	RunWorker         bool
	WorkerCount       int
	QueueSize         int
	TaskMaxRetry      int
	WorkerConcurrency int

	LLMProvider   string // gemini | openai
	AIAPIKey      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	EmbedModel    string
	EmbedDim      int
	GenModel      string

	JWTSecret   string
	CorsOrigins []string

	OtelEndpoint string

	// SeedNotebooks lists "notebookID:userID" pairs registered at startup; notebooks
	// are otherwise owned by another service.
	SeedNotebooks []string

	Pipeline PipelineConfig
}

// PipelineConfig holds tuning knobs. They may also come from the YAML file named by CONFIG_FILE.
type PipelineConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	EmbedBatchSize    int           `yaml:"embed_batch_size"`
	EmbedMaxChars     int           `yaml:"embed_max_chars"`
	EmbedConcurrency  int           `yaml:"embed_concurrency"`
	ContentCacheChars int           `yaml:"content_cache_chars"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes     int64         `yaml:"max_fetch_bytes"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	ProviderTimeout   time.Duration `yaml:"provider_timeout"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
	IngestTimeout     time.Duration `yaml:"ingest_timeout"`
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	TopK              int           `yaml:"top_k"`
	HistoryTurns      int           `yaml:"history_turns"`
	HistoryPage       int           `yaml:"history_page"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// LoadConfig loads the environment (and optional .env / YAML overlay) and returns the config.
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnv("PORT", "8080"),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
		AwsAccessKey:   getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:   getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:      getEnv("AWS_REGION", "us-east-2"),
		BucketName:     getEnv("BUCKET_NAME", "lumen-sources"),
		LocalDataDir:   getEnv("LOCAL_DATA_DIR", "./data/uploads"),

		QueueBackend:      strings.ToLower(getEnv("QUEUE_BACKEND", "memory")),
		RedisURL:          getEnv("REDIS_URL", ""),
		RunWorker:         getEnvBool("RUN_WORKER", false),
		WorkerCount:       getEnvInt("INGEST_WORKERS", 4),
		QueueSize:         getEnvInt("INGEST_QUEUE_SIZE", 64),
		TaskMaxRetry:      getEnvInt("TASK_MAX_RETRY", 3),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),

		LLMProvider:   strings.ToLower(getEnv("LLM_PROVIDER", "gemini")),
		AIAPIKey:      getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		GenModel:      getEnv("GEN_MODEL", ""),
		EmbedModel:    getEnv("EMBED_MODEL", ""),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		CorsOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),

		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		SeedNotebooks: splitList(getEnv("SEED_NOTEBOOKS", "")),

		Pipeline: DefaultPipeline(),
	}

	switch cfg.LLMProvider {
	case "openai":
		cfg.EmbedDim = getEnvInt("EMBED_DIM", 1536)
		if cfg.EmbedModel == "" {
			cfg.EmbedModel = "text-embedding-3-small"
		}
		if cfg.GenModel == "" {
			cfg.GenModel = "gpt-4o-mini"
		}
	default:
		cfg.EmbedDim = getEnvInt("EMBED_DIM", 768)
		if cfg.EmbedModel == "" {
			cfg.EmbedModel = "text-embedding-004"
		}
		if cfg.GenModel == "" {
			cfg.GenModel = "gemini-1.5-flash"
		}
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadPipelineFile(path, &cfg.Pipeline); err != nil {
			return nil, err
		}
	}
	applyPipelineEnv(&cfg.Pipeline)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPipeline returns the stock tuning values.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		ChunkSize:         1000,
		ChunkOverlap:      200,
		EmbedBatchSize:    100,
		EmbedMaxChars:     8000,
		EmbedConcurrency:  1,
		ContentCacheChars: 50000,
		FetchTimeout:      10 * time.Second,
		MaxFetchBytes:     10 << 20,
		MaxUploadBytes:    50 << 20,
		ProviderTimeout:   60 * time.Second,
		GenerationTimeout: 2 * time.Minute,
		IngestTimeout:     5 * time.Minute,
		MaxOutputTokens:   2048,
		TopK:              5,
		HistoryTurns:      10,
		HistoryPage:       50,
		ReconcileInterval: 5 * time.Minute,
		StaleAfter:        15 * time.Minute,
	}
}

func applyPipelineEnv(p *PipelineConfig) {
	p.ChunkSize = getEnvInt("CHUNK_SIZE", p.ChunkSize)
	p.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", p.ChunkOverlap)
	p.EmbedBatchSize = getEnvInt("EMBED_BATCH_SIZE", p.EmbedBatchSize)
	p.EmbedConcurrency = getEnvInt("EMBED_CONCURRENCY", p.EmbedConcurrency)
	p.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", p.FetchTimeout)
	p.MaxFetchBytes = int64(getEnvInt("MAX_FETCH_BYTES", int(p.MaxFetchBytes)))
	p.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(p.MaxUploadBytes)))
	p.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", p.ProviderTimeout)
	p.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", p.GenerationTimeout)
	p.IngestTimeout = getEnvDuration("INGEST_TIMEOUT", p.IngestTimeout)
	p.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", p.ReconcileInterval)
	p.StaleAfter = getEnvDuration("STALE_AFTER", p.StaleAfter)
}

// Validate checks the settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.StoreBackend == "postgres" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL not set"))
	}
	if c.StoreBackend != "postgres" && c.StoreBackend != "memory" {
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q unsupported", c.StoreBackend))
	}
	if c.StorageBackend != "s3" && c.StorageBackend != "local" {
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND %q unsupported", c.StorageBackend))
	}
	if c.QueueBackend != "memory" && c.QueueBackend != "asynq" {
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND %q unsupported", c.QueueBackend))
	}
	if c.QueueBackend == "asynq" && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the asynq queue"))
	}
	if c.LLMProvider != "gemini" && c.LLMProvider != "openai" {
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q unsupported", c.LLMProvider))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, errors.New("EMBED_DIM must be positive"))
	}
	p := c.Pipeline
	if p.ChunkSize <= 0 || p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk overlap %d must be in [0, chunk size %d)", p.ChunkOverlap, p.ChunkSize))
	}
	if p.EmbedBatchSize <= 0 || p.EmbedMaxChars <= 0 {
		errs = append(errs, errors.New("embed batch size and max chars must be positive"))
	}
	if p.TopK <= 0 {
		errs = append(errs, errors.New("top_k must be positive"))
	}
	if p.StaleAfter <= p.IngestTimeout {
		errs = append(errs, fmt.Errorf("stale_after %s must exceed ingest timeout %s", p.StaleAfter, p.IngestTimeout))
	}
	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
