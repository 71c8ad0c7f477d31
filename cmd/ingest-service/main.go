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
	"github.com/sitetrace/scanrelay/pkg/common/broker"
	"github.com/sitetrace/scanrelay/pkg/common/config"
	"github.com/sitetrace/scanrelay/pkg/common/database"
	"github.com/sitetrace/scanrelay/pkg/common/logger"
	"github.com/sitetrace/scanrelay/pkg/ingest"
	"github.com/sitetrace/scanrelay/pkg/scan"
)

func main() {
	logger.Init("ingest-service")
	cfg := config.Load()

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	repo := ingest.NewRepository(db)
	if err := repo.EnsureSchema(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate scan tables")
	}

	aliases, err := scan.LoadAliasTable(cfg.AliasFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load field alias table")
	}

	consumer, err := broker.NewConsumer(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("broker configuration invalid")
	}
	defer consumer.Close()

	svc := ingest.NewService(aliases, repo)
	runner := ingest.NewRunner(consumer, svc, cfg.BatchSize, cfg.BatchWait, cfg.RetryBackoff)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Fatal("consume loop stopped")
		}
	}()

	cache := database.NewRedis(cfg)
	handler := ingest.NewHTTPHandler(repo, cache)

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
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8091"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  "8091",
			"group": cfg.KafkaGroupID,
		}).Info("Ingest Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingest Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
	if err := database.ClosePostgres(db); err != nil {
		logger.Log.WithError(err).Warn("closing postgres failed")
	}

	logger.Log.Info("Ingest Service stopped")
}
