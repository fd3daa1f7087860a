package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"budgetsync/internal/config"
	"budgetsync/internal/log"
	"budgetsync/internal/metrics"
	"budgetsync/internal/reconcile"
	"budgetsync/internal/storage"
)

// One-shot reconciliation sweep, for operators forcing convergence without
// waiting for the engine's periodic pass.
func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{Component: log.ComponentReconcile})
	log.SetDefault(logger)

	logger.Info("Starting budgetsync-reconcile")

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
	job := reconcile.NewJob(repo, source, metrics.NewDefault(), jobCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := job.RunOnce(ctx); err != nil {
		logger.Error("Reconciliation sweep failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Reconciliation sweep complete")
}
