package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/tallocr/internal/cache"
	"github.com/nikhilbhutani/tallocr/internal/config"
	"github.com/nikhilbhutani/tallocr/internal/database"
	"github.com/nikhilbhutani/tallocr/internal/extraction"
	"github.com/nikhilbhutani/tallocr/internal/imageio"
	"github.com/nikhilbhutani/tallocr/internal/llm"
	"github.com/nikhilbhutani/tallocr/internal/queue"
	"github.com/nikhilbhutani/tallocr/internal/queue/workers"
	"github.com/nikhilbhutani/tallocr/internal/recognition"
	"github.com/nikhilbhutani/tallocr/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	rc := cache.NewCache(rdb)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		slog.Error("storage unavailable", "error", err)
		os.Exit(1)
	}

	gw, err := llm.NewGateway(ctx, cfg.LLM)
	if err != nil {
		slog.Error("failed to init LLM gateway", "error", err)
		os.Exit(1)
	}

	recOpts := recognition.Options{Gateway: gw, MaxConcurrency: cfg.Pipeline.MaxConcurrency}
	if cfg.Recognition.CacheTTL > 0 {
		recOpts.Store = rc
	}
	rec, err := recognition.New(cfg.Recognition, recOpts)
	if err != nil {
		slog.Error("failed to init recognizer", "error", err)
		os.Exit(1)
	}

	qc := queue.NewClient(cfg.Redis, cfg.Worker.JobTimeout)
	defer qc.Close()

	svc := extraction.NewService(db, store, qc, extraction.Options{
		Bucket:    cfg.Storage.Bucket,
		Defaults:  cfg.Pipeline.Options(),
		MaxPixels: imageio.DefaultMaxPixels,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	registry := queue.NewHandlersRegistry()

	extractionWorker := workers.NewExtractionWorker(svc, rec, rc, cfg.Worker.JobTimeout)
	registry.RegisterFunc(queue.TypeExtractionRun, extractionWorker.ProcessRun)
	registry.RegisterFunc(queue.TypeExtractionRetryTile, extractionWorker.ProcessRetryTile)

	slog.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"recognition", cfg.Recognition.Backend,
		"tile_concurrency", cfg.Pipeline.MaxConcurrency,
	)
	if err := srv.Run(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
