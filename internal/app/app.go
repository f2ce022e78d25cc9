package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/markdave123-py/lumen/internal/api/handlers"
	"github.com/markdave123-py/lumen/internal/config"
	"github.com/markdave123-py/lumen/internal/core"
	db "github.com/markdave123-py/lumen/internal/core/database"
	"github.com/markdave123-py/lumen/internal/core/ingestion_engine"
	"github.com/markdave123-py/lumen/internal/core/llm"
	"github.com/markdave123-py/lumen/internal/core/locks"
	"github.com/markdave123-py/lumen/internal/core/memstore"
	objectclient "github.com/markdave123-py/lumen/internal/core/object-client"
	"github.com/markdave123-py/lumen/internal/core/queue"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
	"github.com/markdave123-py/lumen/internal/services"
	"github.com/markdave123-py/lumen/internal/telemetry"
)

// Core holds the components shared by the API process and the worker process.
type Core struct {
	DB       core.DbClient
	Objects  core.ObjectClient
	Embedder *llm.EmbeddingClient
	Ingestor *ingestion_engine.DocumentIngestor
	Metrics  *telemetry.Metrics

	redis   *redis.Client
	closers []func(context.Context) error
}

// NewCore connects storage and providers and builds the ingestion pipeline.
func NewCore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Core, error) {
	c := &Core{}
	ok := false
	defer func() {
		if !ok {
			c.Close(context.Background())
		}
	}()

	shutdownTracer, err := telemetry.InitTracer(ctx, "lumen", cfg.OtelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	c.closers = append(c.closers, shutdownTracer)
	shutdownMeter, err := telemetry.InitMeterProvider(ctx, "lumen", cfg.OtelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init meter provider: %w", err)
	}
	c.closers = append(c.closers, shutdownMeter)
	if c.Metrics, err = telemetry.InitMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	if c.DB, err = newStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { return c.DB.Close() })

	if c.Objects, err = newObjectClient(ctx, cfg, log); err != nil {
		return nil, err
	}

	provider, err := newEmbeddingProvider(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c.closeLater(provider)
	c.Embedder = llm.NewEmbeddingClient(provider, llm.EmbeddingConfig{
		Dim:         cfg.EmbedDim,
		BatchSize:   cfg.Pipeline.EmbedBatchSize,
		MaxChars:    cfg.Pipeline.EmbedMaxChars,
		Concurrency: cfg.Pipeline.EmbedConcurrency,
		Timeout:     cfg.Pipeline.ProviderTimeout,
	}, log, c.Metrics)

	var locker core.SourceLocker = locks.NewKeyedMutex()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		c.redis = redis.NewClient(opt)
		c.closers = append(c.closers, func(context.Context) error { return c.redis.Close() })
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = locks.NewRedisLocker(c.redis, cfg.Pipeline.IngestTimeout+time.Minute)
		log.Info("using redis source locks")
	}

	fetcher := ingestion_engine.NewWebFetcher(cfg.Pipeline.FetchTimeout, cfg.Pipeline.MaxFetchBytes)
	extractor := ingestion_engine.NewSourceExtractor(c.Objects, fetcher, log)
	c.Ingestor = ingestion_engine.NewDocumentIngestor(c.DB, extractor, c.Embedder, locker,
		ingestion_engine.IngestConfigFrom(cfg.Pipeline), log, c.Metrics)

	ok = true
	return c, nil
}

// closeLater registers provider clients that hold connections.
func (c *Core) closeLater(v interface{}) {
	if cl, ok := v.(interface{ Close() error }); ok {
		c.closers = append(c.closers, func(context.Context) error { return cl.Close() })
	}
}

func (c *Core) Close(ctx context.Context) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i](ctx)
	}
	c.closers = nil
}

func newStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.DbClient, error) {
	seeds, err := parseSeeds(cfg.SeedNotebooks)
	if err != nil {
		return nil, err
	}
	switch cfg.StoreBackend {
	case "memory":
		store := memstore.New()
		for _, nb := range seeds {
			store.PutNotebook(nb)
		}
		log.Warn("using in-memory store; data is lost on restart", "notebooks", len(seeds))
		return store, nil
	default:
		client, err := db.NewDatabaseClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		for _, nb := range seeds {
			if err := client.PutNotebook(ctx, nb); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("seed notebook %s: %w", nb.ID, err)
			}
		}
		log.Info("database initialized and ready")
		return client, nil
	}
}

func parseSeeds(pairs []string) ([]models.Notebook, error) {
	out := make([]models.Notebook, 0, len(pairs))
	for _, p := range pairs {
		id, user, found := strings.Cut(p, ":")
		if !found || id == "" || user == "" {
			return nil, fmt.Errorf("SEED_NOTEBOOKS entry %q must be notebookID:userID", p)
		}
		out = append(out, models.Notebook{ID: id, UserID: user, Title: id})
	}
	return out, nil
}

func newObjectClient(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.ObjectClient, error) {
	if cfg.StorageBackend == "s3" {
		return objectclient.NewS3Client(ctx, cfg, log)
	}
	log.Info("storing uploads on local disk", "dir", cfg.LocalDataDir)
	return objectclient.NewLocalStorage(cfg.LocalDataDir)
}

func newEmbeddingProvider(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.EmbeddingProvider, error) {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.GenModel, cfg.EmbedModel, cfg.Pipeline.MaxOutputTokens, log)
	}
	emb, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}
	return emb, nil
}

func newGenerator(ctx context.Context, cfg *config.Config, log *logger.Logger) (core.LLMProvider, error) {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.GenModel, cfg.EmbedModel, cfg.Pipeline.MaxOutputTokens, log)
	}
	gen, err := llm.NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel, cfg.Pipeline.MaxOutputTokens, log)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the generator: %w", err)
	}
	return gen, nil
}

// App is the API process: HTTP surface, dispatcher and reconciler on top of Core.
type App struct {
	Core       *Core
	Server     *Server
	reconciler *ingestion_engine.Reconciler
	pool       *ingestion_engine.WorkerPool
	asynqCli   *asynq.Client
	asynqSrv   *asynq.Server
	cfg        *config.Config
	log        *logger.Logger
}

func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET not set")
	}
	c, err := NewCore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{Core: c, cfg: cfg, log: log}

	var dispatcher core.IngestDispatcher
	switch cfg.QueueBackend {
	case "asynq":
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			c.Close(ctx)
			return nil, fmt.Errorf("parse REDIS_URL for asynq: %w", err)
		}
		a.asynqCli = asynq.NewClient(redisOpt)
		dispatcher = queue.NewAsynqDispatcher(a.asynqCli, cfg.TaskMaxRetry, cfg.Pipeline.IngestTimeout+time.Minute)
		if cfg.RunWorker {
			a.asynqSrv = queue.NewServer(redisOpt, cfg.WorkerConcurrency, log)
		}
	default:
		a.pool = ingestion_engine.NewWorkerPool(c.Ingestor, cfg.QueueSize, log)
		dispatcher = a.pool
	}
	a.reconciler = ingestion_engine.NewReconciler(c.DB, dispatcher, cfg.Pipeline.StaleAfter, log)

	generator, err := newGenerator(ctx, cfg, log)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	c.closeLater(generator)

	sourceSvc := services.NewSourceService(c.DB, c.Objects, dispatcher, cfg.Pipeline.MaxUploadBytes, log)
	chatSvc := services.NewChatService(c.DB, c.Embedder, generator, services.ChatConfigFrom(cfg.Pipeline), log, c.Metrics)

	router := NewRouter(RouterDeps{
		DB:          c.DB,
		Sources:     handlers.NewSourceHandler(sourceSvc, cfg.Pipeline.MaxUploadBytes, log),
		Chat:        handlers.NewChatHandler(chatSvc, log),
		JWTSecret:   cfg.JWTSecret,
		CorsOrigins: cfg.CorsOrigins,
		Log:         log,
	})
	a.Server = NewServer(cfg.Port, router, log)
	return a, nil
}

// Start launches the background workers and the reconciler. The HTTP server is started by the caller.
func (a *App) Start(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Start(ctx, a.cfg.WorkerCount)
		a.log.Info("in-process ingestion workers started", "workers", a.cfg.WorkerCount)
	}
	if a.asynqSrv != nil {
		if err := a.asynqSrv.Start(queue.NewServeMux(queue.NewTaskHandler(a.Core.Ingestor, a.log))); err != nil {
			return fmt.Errorf("start asynq worker: %w", err)
		}
		a.log.Info("in-process asynq worker started", "concurrency", a.cfg.WorkerConcurrency)
	}
	return a.reconciler.Start(ctx, a.cfg.Pipeline.ReconcileInterval)
}

func (a *App) Close(ctx context.Context) {
	if a.reconciler != nil {
		a.reconciler.Stop()
	}
	if a.asynqSrv != nil {
		a.asynqSrv.Shutdown()
	}
	if a.pool != nil {
		a.pool.Wait()
	}
	if a.asynqCli != nil {
		_ = a.asynqCli.Close()
	}
	a.Core.Close(ctx)
}
