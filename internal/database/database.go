package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikhilbhutani/tallocr/internal/config"
)

const (
	applicationName = "tallocr"
	pingTimeout     = 5 * time.Second
	maxBackoff      = 10 * time.Second
)

// NewPool opens the extraction store pool. The API and the worker usually
// start alongside Postgres, so the first ping is retried with backoff up to
// cfg.ConnectAttempts times before giving up.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	attempts := max(cfg.ConnectAttempts, 1)
	for attempt := 1; ; attempt++ {
		err = ping(ctx, pool)
		if err == nil {
			slog.Info("database connected",
				"host", poolCfg.ConnConfig.Host,
				"database", poolCfg.ConnConfig.Database,
				"max_conns", poolCfg.MaxConns,
				"attempts", attempt,
			)
			return pool, nil
		}
		if attempt >= attempts {
			break
		}

		wait := backoff(attempt)
		slog.Warn("database not ready", "attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("connect database: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("ping database after %d attempts: %w", attempts, err)
}

func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MinConns, int(poolCfg.MaxConns)))
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return poolCfg, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return pool.Ping(ctx)
}

// backoff doubles from 500ms and caps at maxBackoff.
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << min(attempt-1, 5)
	return min(d, maxBackoff)
}
