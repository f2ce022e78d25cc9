package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markdave123-py/lumen/internal/app"
	"github.com/markdave123-py/lumen/internal/config"
	"github.com/markdave123-py/lumen/internal/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	application, err := app.NewApp(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", "err", err)
	}
	if err := application.Start(ctx); err != nil {
		lg.Fatal("background workers failed to start", "err", err)
	}

	go func() {
		if err := application.Server.Start(); err != nil {
			lg.Error("http server stopped", "err", err)
			cancel()
		}
	}()

	lg.Info("lumen api is running", "port", cfg.Port, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", "err", err)
	}
	application.Close(shutdownCtx)
	lg.Info("shut down cleanly")
}
