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
)

func main() {
	logger.Init()
	cfg := config.Load()

	store, err := normative.LoadStore(cfg.NormativeDataPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load normative data")
	}
	store, err = normative.LoadThresholds(store, cfg.ThresholdsPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load thresholds")
	}

	var repo *batch.Repository
	var jobStore batch.Store
	if cfg.NormativeFromDB {
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}

		normRepo := normative.NewRepository(db)
		if err := normRepo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate normative tables")
		}
		if err := normRepo.Seed(context.Background(), store); err != nil {
			logger.Log.WithError(err).Fatal("failed to seed normative data")
		}
		store, err = normRepo.LoadStore(context.Background(), store.Dataset())
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load normative data from postgres")
		}

		repo = batch.NewRepository(db)
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
	handler := batch.NewHTTPHandler(coordinator, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.ServerPort,
			"dataset": store.Dataset(),
		}).Info("Assessment Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	if repo != nil {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := repo.CleanupExpired(context.Background(), cfg.ResultsTTL); err != nil {
						logger.Log.WithError(err).Warn("cleanup job failed")
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Assessment Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	database.CloseRedis()
	logger.Log.Info("Assessment Service stopped")
}
