package main

import (
	"context"
	"encoding/json"
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
	"github.com/sitetrace/scanrelay/pkg/health"
	"github.com/sitetrace/scanrelay/pkg/publisher"
	"github.com/sitetrace/scanrelay/pkg/relay"
	"github.com/sitetrace/scanrelay/pkg/scan"
)

func main() {
	logger.Init("relay-service")
	cfg := config.Load()

	session, err := broker.NewSession(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("broker configuration invalid")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := session.Connect(startupCtx); err != nil {
		if broker.IsFatal(err) {
			logger.Log.WithError(err).Fatal("broker rejected credential")
		}
		// Transient: the publisher worker reconnects with backoff.
		logger.Log.WithError(err).Warn("broker unreachable at startup, will retry")
	}
	startupCancel()

	queue := relay.NewQueue(cfg.QueueCapacity, cfg.PushWait)
	aliases := scan.NewAliasTable(scan.DefaultAliases())

	server := relay.NewServer(cfg.SocketPath, queue, aliases, cfg.IdleTimeout, cfg.MaxFrameBytes)
	if err := server.Start(); err != nil {
		logger.Log.WithError(err).Fatal("failed to bind relay socket")
	}

	worker := publisher.NewWorker(queue, session,
		cfg.PublishRetries, cfg.PublishBackoff, cfg.PublishMaxBackoff, cfg.PublishTimeout)

	cache := database.NewRedis(cfg)
	reporter := health.NewReporter(cfg, cache, func() (relay.QueueStats, int64, int64) {
		return queue.Stats(), worker.Published(), worker.Dropped()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := server.Serve(ctx); err != nil {
			logger.Log.WithError(err).Error("relay accept loop stopped")
		}
	}()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Error("publisher worker stopped")
		}
	}()
	go reporter.Run(ctx)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"queue":     queue.Stats(),
			"published": worker.Published(),
			"dropped":   worker.Dropped(),
		})
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8090"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":   cfg.ServerHost,
			"port":   "8090",
			"socket": cfg.SocketPath,
		}).Info("Relay Service started")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Relay Service...")
	cancel()

	// Let the worker finish its in-flight publish before taking over the
	// queue, then drain whatever producers managed to enqueue.
	<-workerDone
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	worker.Drain(drainCtx)
	drainCancel()

	server.Close()
	if err := session.Close(); err != nil {
		logger.Log.WithError(err).Warn("closing broker session failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Relay Service stopped")
}
