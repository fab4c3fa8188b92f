// Package postgres opens the shared pgx pool and instruments every query
// with tracing, logging and a metrics hook.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption configures NewPool.
type PoolOption func(*poolConfig)

type poolConfig struct {
	maxConns int32
	slow     time.Duration
	logArgs  bool
}

// WithMaxConns caps the pool size. Zero keeps the pgx default.
func WithMaxConns(n int32) PoolOption {
	return func(c *poolConfig) { c.maxConns = n }
}

// WithSlowQueryThreshold logs only successful queries at least d long.
func WithSlowQueryThreshold(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.slow = d }
}

// WithQueryArgs includes bind arguments in query log lines.
func WithQueryArgs() PoolOption {
	return func(c *poolConfig) { c.logArgs = true }
}

// NewPool connects to databaseURL and verifies the connection.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	var pc poolConfig
	for _, o := range opts {
		o(&pc)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pc.maxConns > 0 {
		cfg.MaxConns = pc.maxConns
	}
	cfg.ConnConfig.Tracer = loggingTracer{
		inner:   otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName()),
		slow:    pc.slow,
		logArgs: pc.logArgs,
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
