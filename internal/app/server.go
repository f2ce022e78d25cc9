package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/lumen/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/lumen/internal/api/middlewares"
	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
)

// RouterDeps is everything the HTTP surface needs.
type RouterDeps struct {
	DB          core.DbClient
	Sources     *handlers.SourceHandler
	Chat        *handlers.ChatHandler
	JWTSecret   string
	CorsOrigins []string
	Log         *logger.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/notebooks/{notebookID}", func(nb chi.Router) {
		nb.Use(appMiddleware.NewJWTMiddleware(d.JWTSecret))
		nb.Use(appMiddleware.NotebookAccess(d.DB, d.Log))

		// The chat stream outlives any fixed request timeout.
		nb.Post("/chat", d.Chat.Stream)

		nb.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(60 * time.Second))
			api.Get("/chat/history", d.Chat.History)

			api.Post("/sources/file", d.Sources.UploadFile)
			api.Post("/sources/url", d.Sources.AddURL)
			api.Get("/sources", d.Sources.List)
			api.Get("/sources/{sourceID}", d.Sources.Get)
			api.Post("/sources/{sourceID}/reprocess", d.Sources.Reprocess)
			api.Delete("/sources/{sourceID}", d.Sources.Delete)
		})
	})

	return r
}

// Server wraps the HTTP server instance.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

func NewServer(port string, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
