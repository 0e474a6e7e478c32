package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rolegraph/rolegraph/internal/auth"
	"github.com/rolegraph/rolegraph/internal/config"
	"github.com/rolegraph/rolegraph/internal/database"
	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/handlers"
	"github.com/rolegraph/rolegraph/internal/logger"
	"github.com/rolegraph/rolegraph/internal/metrics"
	"github.com/rolegraph/rolegraph/internal/scheduler"
	"github.com/rolegraph/rolegraph/internal/server"
	ws "github.com/rolegraph/rolegraph/internal/websocket"
)

const auditRetention = 30 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the real-time hub and graph API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(loadConfig())
	},
}

func serve(cfg *config.Config) error {
	logger.Banner()
	handlers.AppVersion = version

	collector := metrics.New("rolegraph")

	// The SQLite database backs both the fallback graph and the audit log.
	var db *database.DB
	var fallback graphstore.Backend
	if cfg.Fallback == "sqlite" {
		var err error
		db, err = database.New(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer db.Close()
		fallback = graphstore.NewSQLiteBackend(db)
	} else {
		fallback = graphstore.NewMemoryBackend()
		logger.Warn("Using in-memory fallback: graphs written after a failover are lost on restart")
	}

	var primary graphstore.Backend
	if cfg.HasPrimaryCredentials() {
		neo, err := graphstore.NewNeo4jBackend(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
		if err != nil {
			logger.Error("Neo4j driver setup failed, continuing on %s: %v", fallback.Name(), err)
		} else {
			primary = neo
		}
	} else {
		logger.Info("No Neo4j credentials configured, using %s graph storage", fallback.Name())
	}

	opts := graphstore.Options{
		ConnectTimeout: cfg.GraphConnectTimeout,
		QueryTimeout:   cfg.GraphQueryTimeout,
		Metrics:        collector,
	}
	if db != nil {
		opts.Audit = db.LogAudit
	}
	store := graphstore.New(primary, fallback, opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GraphConnectTimeout+time.Second)
	state := store.Probe(ctx)
	cancel()
	logger.Info("Graph storage: %s (%s)", state, store.ActiveBackend())

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		logger.Warn("ROLEGRAPH_JWT_SECRET not set; generated an ephemeral secret, producer tokens will not survive a restart")
	}
	authService := auth.NewService(jwtSecret)

	registry := ws.NewRegistry()
	manager := ws.NewManager(registry, ws.ManagerConfig{
		Identify:       authService.Identify,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        collector,
	})
	hub := ws.NewHub(registry, manager, collector)

	sched := scheduler.New()
	if err := registerJobs(sched, cfg, manager, registry, collector, db); err != nil {
		return err
	}
	sched.Start()

	srv := server.New(server.Config{
		Store:          store,
		Registry:       registry,
		Manager:        manager,
		Hub:            hub,
		Auth:           authService,
		Scheduler:      sched,
		Metrics:        collector,
		DB:             db,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	if cfg.BindAddress != "127.0.0.1" && cfg.BindAddress != "localhost" {
		logger.Warn("Binding to %s, accessible from the network. Use ROLEGRAPH_BIND=127.0.0.1 for localhost-only.", cfg.BindAddress)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Listen(addr, fmt.Sprintf("http://localhost:%d", cfg.Port), cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	logger.Shutdown("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx, httpServer); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Bye()
	return nil
}

func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, manager *ws.Manager, registry *ws.Registry, collector *metrics.Collector, db *database.DB) error {
	heartbeat := fmt.Sprintf("@every %s", cfg.HeartbeatInterval)
	if err := sched.AddJob("heartbeat", heartbeat, func() error {
		manager.Sweep()
		return nil
	}); err != nil {
		return err
	}

	if err := sched.AddJob("stats", "@every 1m", func() error {
		topics := registry.TopicCount()
		collector.SetTopics(topics)
		logger.Debug("%d connections across %d topics", manager.Count(), topics)
		return nil
	}); err != nil {
		return err
	}

	if db == nil {
		return nil
	}
	return sched.AddJob("audit-retention", "@daily", func() error {
		n, err := db.PruneAudit(time.Now().Add(-auditRetention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("Pruned %d audit entries", n)
		}
		return nil
	})
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		logger.Fatal("Failed to generate JWT secret: %v", err)
	}
	return hex.EncodeToString(b)
}
