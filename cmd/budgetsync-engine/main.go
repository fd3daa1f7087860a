package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"budgetsync/internal/amqp"
	"budgetsync/internal/budget"
	"budgetsync/internal/config"
	"budgetsync/internal/engine"
	"budgetsync/internal/log"
	"budgetsync/internal/metrics"
	"budgetsync/internal/reconcile"
	"budgetsync/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.DefaultConfig())
	log.SetDefault(logger)

	logger.Info("Starting budgetsync-engine")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize aggregate store", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange,
		cfg.AMQPEventQueue, cfg.AMQPAlertQueue, cfg.AMQPPrefetchCount)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	m := metrics.NewDefault()

	evaluator := budget.NewEvaluator(repo, cfg.NearLimitRatio)

	engineCfg := engine.DefaultConfig()
	engineCfg.MaxAttempts = cfg.ApplyMaxAttempts
	engineCfg.ApplyTimeout = cfg.ApplyTimeout
	eng := engine.New(repo, evaluator, amqpClient, m, engineCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := engine.NewDispatcher(eng, cfg.WorkerCount, cfg.AMQPPrefetchCount)
	dispatcher.Start(ctx)

	// Authoritative source for the reconciliation sweep. Without a
	// transaction service URL the sweep runs against the local replica,
	// which still converges aggregates corrupted by lost updates.
	var source reconcile.Source
	if cfg.TransactionServiceURL != "" {
		source = reconcile.NewHTTPSource(cfg.TransactionServiceURL)
		logger.Info("Reconciling against transaction service", "url", cfg.TransactionServiceURL)
	} else {
		source = reconcile.NewLocalSource(repo)
		logger.Info("No transaction service URL configured, reconciling against local replica")
	}

	jobCfg := reconcile.DefaultConfig()
	jobCfg.Interval = cfg.ReconcileInterval
	jobCfg.DedupRetention = cfg.DedupRetention
	job := reconcile.NewJob(repo, source, m, jobCfg)
	if err := job.Start(ctx); err != nil {
		logger.Error("Failed to start reconciliation job", "error", err)
		os.Exit(1)
	}

	// Metrics and health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("Metrics listener started", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics listener failed", "error", err)
		}
	}()

	// Consume events; the dispatcher settles each delivery after its
	// partition worker finishes the atomic apply.
	go func() {
		err := amqpClient.Run(ctx, func(ctx context.Context, msg *amqp.TransactionEventMessage, finish func(error)) {
			dispatcher.Submit(ctx, msg.ToEvent(), finish)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Event consumption failed", "error", err)
		}
		cancel()
	}()

	logger.Info("Engine running",
		"workers", cfg.WorkerCount,
		"event_queue", cfg.AMQPEventQueue,
		"alert_queue", cfg.AMQPAlertQueue,
		"reconcile_interval", cfg.ReconcileInterval)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down engine...")
	cancel()

	if err := job.Stop(shutdownCtx); err != nil {
		logger.Warn("Reconciliation job did not stop cleanly", "error", err)
	}
	dispatcher.Stop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics listener did not stop cleanly", "error", err)
	}

	logger.Info("Engine shutdown complete")
}
