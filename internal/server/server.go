package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rolegraph/rolegraph/internal/auth"
	"github.com/rolegraph/rolegraph/internal/database"
	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/handlers"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/metrics"
	mw "github.com/rolegraph/rolegraph/internal/middleware"
	"github.com/rolegraph/rolegraph/internal/scheduler"
	ws "github.com/rolegraph/rolegraph/internal/websocket"
)

const defaultProducerRate = 600 // requests per minute per producer

type Server struct {
	Router    *chi.Mux
	Store     *graphstore.Adapter
	Registry  *ws.Registry
	Manager   *ws.Manager
	Hub       *ws.Hub
	Auth      *auth.Service
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
	DB        *database.DB
}

type Config struct {
	Store     *graphstore.Adapter
	Registry  *ws.Registry
	Manager   *ws.Manager
	Hub       *ws.Hub
	Auth      *auth.Service
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Collector
	// DB is nil when the in-memory fallback is used; the audit route is
	// only mounted when it is set.
	DB *database.DB

	AllowedOrigins []string
	// ProducerRate caps authenticated writes per minute per user.
	ProducerRate int
}

func New(cfg Config) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Store:     cfg.Store,
		Registry:  cfg.Registry,
		Manager:   cfg.Manager,
		Hub:       cfg.Hub,
		Auth:      cfg.Auth,
		Scheduler: cfg.Scheduler,
		Metrics:   cfg.Metrics,
		DB:        cfg.DB,
	}
	if cfg.ProducerRate <= 0 {
		cfg.ProducerRate = defaultProducerRate
	}

	s.setupMiddleware(cfg.AllowedOrigins)
	s.setupRoutes(cfg.ProducerRate)
	return s
}

func (s *Server) setupMiddleware(origins []string) {
	s.Router.Use(chiMiddleware.RealIP)
	s.Router.Use(mw.RequestID)
	s.Router.Use(mw.SecurityHeaders)
	s.Router.Use(mw.Logger)
	s.Router.Use(mw.CORS(origins))
	s.Router.Use(chiMiddleware.Recoverer)
}

func (s *Server) setupRoutes(producerRate int) {
	graphHandler := handlers.NewGraphHandler(s.Store, s.Hub)
	var jobs handlers.JobLister
	if s.Scheduler != nil {
		jobs = s.Scheduler
	}
	systemHandler := handlers.NewSystemHandler(s.Store, s.Manager, s.Registry, jobs, s.DB)

	if s.Metrics != nil {
		s.Router.Handle("/metrics", s.Metrics.Handler())
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/system/health", systemHandler.Health)

		// WebSocket (identity resolved internally, anonymous viewers allowed)
		r.Get("/ws", s.Manager.HandleWS)

		// Producer routes
		r.Group(func(r chi.Router) {
			r.Use(mw.Auth(s.Auth))
			r.Use(mw.RateLimit(producerRate, time.Minute))

			r.Route("/role-models/{id}", func(r chi.Router) {
				r.Get("/graph", graphHandler.Get)
				r.Put("/graph", graphHandler.Replace)
				r.Post("/graph/nodes", graphHandler.CreateNode)
				r.Post("/graph/edges", graphHandler.CreateEdge)
				r.Post("/progress", graphHandler.Progress)
				r.Post("/thoughts", graphHandler.Thoughts)
			})

			if s.DB != nil {
				r.Get("/system/audit", systemHandler.Audit)
			}
		})
	})

	s.Router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
}

// Shutdown disconnects every viewer, drains the HTTP server and closes the
// storage backends.
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) error {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	s.Manager.Shutdown()
	err := httpServer.Shutdown(ctx)
	if cerr := s.Store.Close(); cerr != nil {
		logger.Warn("Closing graph storage: %v", cerr)
	}
	return err
}
