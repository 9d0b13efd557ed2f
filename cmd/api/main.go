package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/tallocr/internal/api"
	"github.com/nikhilbhutani/tallocr/internal/cache"
	"github.com/nikhilbhutani/tallocr/internal/config"
	"github.com/nikhilbhutani/tallocr/internal/database"
	"github.com/nikhilbhutani/tallocr/internal/extraction"
	"github.com/nikhilbhutani/tallocr/internal/imageio"
	"github.com/nikhilbhutani/tallocr/internal/llm"
	"github.com/nikhilbhutani/tallocr/internal/queue"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	// Redis backs the queue and the recognition cache; the API starts without it.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	rc := cache.NewCache(rdb)
	if err := rc.Ping(ctx); err != nil {
		slog.Warn("redis unavailable", "error", err)
	}

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
		Bucket:     cfg.Storage.Bucket,
		Defaults:   cfg.Pipeline.Options(),
		MaxPixels:  imageio.DefaultMaxPixels,
		Recognizer: rec,
	})

	router := api.NewRouter(cfg, api.Deps{
		DB:          db,
		Redis:       rc,
		Extractions: svc,
		Models:      gw,
	})
	handler := router.Setup(ctx)

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// Sync extractions hold the response open while every tile is read.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "recognition", cfg.Recognition.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
