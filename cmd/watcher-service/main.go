package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/neuroqc/platform/pkg/assessment"
	"github.com/neuroqc/platform/pkg/audit"
	"github.com/neuroqc/platform/pkg/batch"
	"github.com/neuroqc/platform/pkg/common/config"
	"github.com/neuroqc/platform/pkg/common/database"
	"github.com/neuroqc/platform/pkg/common/kafka"
	"github.com/neuroqc/platform/pkg/common/logger"
	"github.com/neuroqc/platform/pkg/normalizer"
	"github.com/neuroqc/platform/pkg/normative"
	"github.com/neuroqc/platform/pkg/watcher"
)

func main() {
	logger.Init()
	cfg := config.Load()

	if cfg.WatchDirectory == "" {
		logger.Log.Fatal("WATCH_DIRECTORY is required")
	}

	store, err := normative.LoadStore(cfg.NormativeDataPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load normative data")
	}
	store, err = normative.LoadThresholds(store, cfg.ThresholdsPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load thresholds")
	}

	var jobStore batch.Store
	if cfg.NormativeFromDB {
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		repo := batch.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate batch tables")
		}
		jobStore = repo
	}

	cache := batch.NewSnapshotCache(database.GetRedis(), cfg.ProgressTTL)
	tracker := batch.NewProgressTracker(cache)

	producer := kafka.NewProducer(cfg.AuditTopic)
	defer producer.Close()
	notifier := audit.NewNotifier(producer)

	assessor := assessment.NewAssessor(store, normalizer.New(store), cfg.OutlierZCutoff)
	coordinator := batch.NewCoordinator(assessor, tracker, jobStore, notifier, batch.Options{
		Workers:          cfg.BatchWorkers,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoffBase: cfg.RetryBackoffBase,
		BatchTimeout:     cfg.BatchTimeout,
	})

	w := watcher.New(cfg.WatchDirectory, cfg.WatchDebounce, coordinator)
	w.OnSubmit = func(path, batchID string) {
		notifier.FileDetected(context.Background(), path, batchID)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8082"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go func() {
		logger.Log.WithField("directory", cfg.WatchDirectory).Info("Watcher Service started")
		if err := w.Run(ctx); err != nil {
			logger.Log.WithError(err).Fatal("watcher stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Watcher Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	database.CloseRedis()
	logger.Log.Info("Watcher Service stopped")
}
