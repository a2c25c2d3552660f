package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/inkline/orderforwarder/internal/api"
	"github.com/inkline/orderforwarder/internal/api/middleware"
	"github.com/inkline/orderforwarder/internal/blobstore"
	"github.com/inkline/orderforwarder/internal/config"
	"github.com/inkline/orderforwarder/internal/events"
	"github.com/inkline/orderforwarder/internal/journal"
	"github.com/inkline/orderforwarder/internal/ledger"
	"github.com/inkline/orderforwarder/internal/metrics"
	"github.com/inkline/orderforwarder/internal/payment"
	"github.com/inkline/orderforwarder/internal/repository"
	"github.com/inkline/orderforwarder/internal/repository/postgres"
	"github.com/inkline/orderforwarder/internal/schema"
	"github.com/inkline/orderforwarder/internal/service"
	"github.com/inkline/orderforwarder/internal/uploads"
	"github.com/inkline/orderforwarder/internal/webhook"
)

const idempotencyMemoryTTL = 24 * time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting order forwarder",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
	)

	// Database is optional; it backs the postgres ledger, the journal and idempotency keys
	var db *sql.DB
	var repos *repository.Repositories
	if cfg.Database.Enabled() {
		if err := postgres.RunMigrations(cfg.Database); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		db, err = postgres.NewConnection(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		repos = postgres.NewRepositories(db, logger)
	} else {
		logger.Warn("No database configured, idempotency keys are kept in memory")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	coordinator := newCoordinator(cfg, repos, m, logger)

	blobs, err := blobstore.New(context.Background(), cfg.Blob, cfg.ExternalCallTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to initialize blob store", zap.Error(err))
	}
	if blobs == nil {
		logger.Warn("Blob store not configured, inline uploads will be forwarded as is",
			zap.String("backend", cfg.Blob.Backend))
	}
	extractor := uploads.NewExtractor(blobs, cfg.Blob, cfg.ExternalCallTimeout, m, logger)

	validator, err := schema.New()
	if err != nil {
		logger.Fatal("Failed to compile order schema", zap.Error(err))
	}

	publisher := events.New(cfg.Kafka, logger)
	defer publisher.Close()

	var orderJournal journal.Journal
	if cfg.Journal.Enabled {
		if repos != nil {
			orderJournal = repos.OrderJournal
		} else {
			fileJournal, err := journal.NewFileJournal(cfg.Journal.Path, logger)
			if err != nil {
				logger.Fatal("Failed to open order journal", zap.Error(err))
			}
			orderJournal = fileJournal
		}
	}

	pipeline := service.NewPipeline(service.PipelineDeps{
		Ledger:    coordinator,
		Uploads:   extractor,
		Validator: validator,
		Sink:      webhook.NewSink(cfg.Webhook, m, logger),
		Journal:   orderJournal,
		Publisher: publisher,
		Metrics:   m,
	}, logger)

	var gateway payment.Gateway
	if cfg.Payment.Enabled() {
		gateway = payment.NewICountClient(cfg.Payment, cfg.ExternalCallTimeout, logger)
	} else {
		logger.Warn("Payment page not configured, payment sessions are unavailable")
	}
	payments := payment.NewService(coordinator, gateway, publisher, m, logger)

	var idempotency middleware.IdempotencyStore
	if repos != nil {
		idempotency = repos.IdempotencyKey
	} else {
		idempotency = middleware.NewMemoryIdempotencyStore(idempotencyMemoryTTL)
	}

	// Initialize router
	router := api.NewRouter(cfg, api.Dependencies{
		Pipeline:    pipeline,
		Ledger:      coordinator,
		Payments:    payments,
		Journal:     orderJournal,
		Idempotency: idempotency,
		Gatherer:    registry,
	}, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("address", srv.Addr),
		zap.Bool("ledger", coordinator.Enabled()),
		zap.Bool("uploads", extractor.Enabled()),
		zap.Bool("payments", gateway != nil),
		zap.Bool("journal", orderJournal != nil),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// newCoordinator builds the ledger coordinator over the configured backend.
// With no backend the coordinator reports the ledger as disabled.
func newCoordinator(cfg *config.Config, repos *repository.Repositories, m *metrics.Metrics, logger *zap.Logger) *ledger.Coordinator {
	var store ledger.Store
	switch cfg.Ledger.Backend {
	case "airtable":
		store = ledger.NewAirtableStore(cfg.Ledger.Airtable, cfg.ExternalCallTimeout, logger)
	case "postgres":
		store = repos.LedgerOrder
	default:
		logger.Warn("No order ledger configured, orders are forwarded without order numbers")
	}

	var locker ledger.Locker
	if l := ledger.NewRedisLocker(cfg.Redis); l != nil {
		locker = l
	}

	return ledger.NewCoordinator(store, locker, cfg.Ledger.NumberRetryDelay, cfg.ExternalCallTimeout, m, logger).
		WithLockTTL(cfg.Redis.LockTTL)
}

func newLogger(cfg *config.Config) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if cfg.Environment == "production" {
		zc = zap.NewProductionConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zc.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}
