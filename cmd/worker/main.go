package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/NayerAli/ocrdrop/internal/config"
	"github.com/NayerAli/ocrdrop/internal/database"
	"github.com/NayerAli/ocrdrop/internal/ocr"
	"github.com/NayerAli/ocrdrop/internal/pipeline"
	"github.com/NayerAli/ocrdrop/internal/queue"
	"github.com/NayerAli/ocrdrop/internal/repository"
	"github.com/NayerAli/ocrdrop/internal/s3storage"
	"github.com/NayerAli/ocrdrop/internal/worker"
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

	provider, err := ocr.New(cfg.Provider, cfg.Processing.RateLimitFallback)
	if err != nil {
		log.Fatalf("init ocr provider: %v", err)
	}

	pipe := pipeline.New(jobs, results, store, provider, cfg.Processing, logger)
	processor := worker.NewProcessor(pipe, logger)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Processing.MaxConcurrentJobs,
		Queues:      map[string]int{queue.QueueName: 1},
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker starting", "provider", provider.Kind(), "concurrency", cfg.Processing.MaxConcurrentJobs)
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
