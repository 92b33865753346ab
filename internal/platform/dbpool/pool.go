package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/todo-1m/consistency/internal/platform/config"
	"go.uber.org/zap"
)

func New(ctx context.Context, databaseURL string, settings config.DB) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	cfg.MinConns = settings.MinConns
	cfg.MaxConns = settings.MaxConns
	cfg.MaxConnLifetime = settings.MaxConnLifetime
	cfg.MaxConnIdleTime = settings.MaxConnIdleTime
	cfg.HealthCheckPeriod = settings.HealthCheckPeriod

	return pgxpool.NewWithConfig(ctx, cfg)
}

// WaitReady pings the pool and runs each schema step until all succeed or the
// timeout elapses.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, timeout time.Duration, steps ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		for _, step := range steps {
			if lastErr != nil {
				break
			}
			lastErr = step(attemptCtx)
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		logger.Warn("waiting for postgres readiness", zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
}
