package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the jobs and page_results tables if needed. Keeping the
// migration in code lets docker-compose bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL,
	size BIGINT NOT NULL,
	content_type TEXT NOT NULL,
	object_key TEXT NOT NULL,
	processed_key TEXT,
	provider TEXT NOT NULL,
	total_pages INT NOT NULL DEFAULT 0,
	current_page INT NOT NULL DEFAULT 0,
	progress INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT,
	rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
	rate_limit_seconds INT NOT NULL DEFAULT 0,
	rate_limit_since TIMESTAMPTZ,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS page_results (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	page INT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	language TEXT,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, page)
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
