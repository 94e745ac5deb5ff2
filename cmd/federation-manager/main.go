// Package main is the entry point for the Federation Manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/config"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/database"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/federation"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/handler"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/ledger"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/middleware"
	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/repository"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ValidateFM(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Starting Federation Manager",
		slog.String("role", string(cfg.Domain.Role)),
		slog.String("domain", cfg.Domain.Name),
		slog.Int("node_id", cfg.Domain.NodeID),
		slog.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	adapter, err := ledger.New(ctx, cfg.Ledger, logger)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to ledger: %v", err)
	}
	defer adapter.Close()

	// Bind this domain's name to its ledger address; a previous binding is fine.
	regCtx, regCancel := context.WithTimeout(context.Background(), cfg.Ledger.ReceiptTimeout)
	_, err = adapter.RegisterDomain(regCtx, cfg.Domain.Name)
	regCancel()
	if err != nil && !errors.Is(err, ledger.ErrAlreadyRegistered) {
		log.Fatalf("Failed to register domain: %v", err)
	}
	logger.Info("Domain registered", slog.String("address", adapter.Address().Hex()))

	// Optional run store
	var store handler.RunStore
	var db *database.Postgres
	if cfg.Database.Enabled {
		db, err = database.NewPostgres(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.RunMigrations(cfg.Database); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		store = repository.NewRunRepository(db.Pool())
		logger.Info("Run store enabled")
	}

	// Optional Redis-backed rate limiting
	var redis *database.Redis
	if cfg.Redis.Enabled {
		redis, err = database.NewRedis(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
		logger.Info("Rate limiting enabled")
	}

	doClient := federation.NewOrchestratorClient(cfg.Orchestrator.URL, cfg.Orchestrator.RequestTimeout, cfg.Orchestrator.DeployTimeout)
	manager := federation.NewManager(adapter, doClient, cfg.Domain, cfg.Telemetry.CSVDir, logger)
	fmHandler := handler.NewFMHandler(adapter, manager, store, cfg.Domain, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger, "federation-manager"))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(middleware.Gzip())
	r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(adapter))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if redis != nil {
			r.Use(middleware.RateLimit(redis, middleware.DefaultRateLimitConfig()))
		}
		fmHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}
	logger.Info("Server stopped gracefully")
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the ledger node connection.
func readyHandler(adapter *ledger.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if _, err := adapter.BlockNumber(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"ledger"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","ledger":"connected"}`))
	}
}
