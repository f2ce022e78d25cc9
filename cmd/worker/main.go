// Command worker drains the asynq ingestion queue.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/markdave123-py/lumen/internal/app"
	"github.com/markdave123-py/lumen/internal/config"
	"github.com/markdave123-py/lumen/internal/core/queue"
	"github.com/markdave123-py/lumen/internal/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	if cfg.RedisURL == "" {
		lg.Fatal("REDIS_URL is required to run the worker")
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		lg.Fatal("invalid REDIS_URL", "err", err)
	}

	ctx := context.Background()
	c, err := app.NewCore(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", "err", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.Close(closeCtx)
	}()

	server := queue.NewServer(redisOpt, cfg.WorkerConcurrency, lg)
	mux := queue.NewServeMux(queue.NewTaskHandler(c.Ingestor, lg))
	if err := server.Start(mux); err != nil {
		lg.Fatal("failed to start worker", "err", err)
	}
	lg.Info("asynq worker started", "concurrency", cfg.WorkerConcurrency, "queue", queue.QueueIngest)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	server.Shutdown()
	lg.Info("worker stopped")
}
