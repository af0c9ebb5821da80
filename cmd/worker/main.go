// Package main implements the entry point for the field-boundary inference
// worker service: it wires the storage backend, the project synchronizer and
// the task worker pool together and runs until signalled.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldlens/inference-api/internal/config"
	"github.com/fieldlens/inference-api/internal/pipeline"
	"github.com/fieldlens/inference-api/internal/platform/logger"
	"github.com/fieldlens/inference-api/internal/platform/postgres"
	"github.com/fieldlens/inference-api/internal/storage"
	"github.com/fieldlens/inference-api/internal/task"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Failed to start worker service: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logg := logger.Setup(cfg.Server)
	logg.Info("worker configuration loaded",
		"log_level", cfg.Server.LogLevel,
		"worker_count", cfg.Tasks.WorkerCount,
		"storage_backend", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := postgres.RunMigrations(db); err != nil {
		return err
	}

	store, err := storage.New(cfg.Storage, logg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	projects := postgres.NewProjectStore(db, logg)
	dispatcher := task.NewDispatcher(projects, logg)

	pipe := pipeline.NewPipeline(store, projects, pipeline.NewExecRunner(logg), cfg.ML, logg)
	pipe.Register(dispatcher)

	runner := task.NewRunner(dispatcher, task.RunnerConfig{
		WorkerCount:   cfg.Tasks.WorkerCount,
		QueueSize:     cfg.Tasks.QueueSize,
		Retention:     cfg.Tasks.Retention,
		SweepInterval: cfg.Tasks.SweepInterval,
	}, logg)

	runner.Start()
	logg.Info("worker service running")

	<-ctx.Done()
	logg.Info("shutdown signal received")
	runner.Stop()

	return nil
}
