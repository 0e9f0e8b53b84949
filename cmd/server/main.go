// Package main is the entry point for the OCRDrop API server. It owns document
// intake: uploads land in object storage, a job row is created, and a
// processing task is queued for the worker.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/NayerAli/ocrdrop/internal/api"
	"github.com/NayerAli/ocrdrop/internal/config"
	"github.com/NayerAli/ocrdrop/internal/database"
	"github.com/NayerAli/ocrdrop/internal/orchestrator"
	"github.com/NayerAli/ocrdrop/internal/repository"
	"github.com/NayerAli/ocrdrop/internal/s3storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	jobs := repository.NewJobs(pool)
	results := repository.NewResults(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	orch := orchestrator.New(cfg, jobs, store, client, inspector, logger)
	srv := api.New(cfg, orch, jobs, results, store, logger)

	logger.Info("ocrdrop listening", "address", cfg.Address)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
