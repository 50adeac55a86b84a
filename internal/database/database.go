// Package database owns the pgx connection pool and the schema bootstrap.
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

// EnsureSchema creates the job and quota tables if needed. Keeping the
// migration in code lets docker-compose bootstrap a working stack with no
// external migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	analysis_mode TEXT NOT NULL,
	audio_bytes BIGINT NOT NULL DEFAULT 0,
	frames_bytes BIGINT NOT NULL DEFAULT 0,
	total_bytes BIGINT NOT NULL DEFAULT 0,
	has_transcript BOOLEAN NOT NULL DEFAULT FALSE,
	has_frames BOOLEAN NOT NULL DEFAULT FALSE,
	has_cover BOOLEAN NOT NULL DEFAULT FALSE,
	asr_started_at TIMESTAMPTZ,
	asr_done_at TIMESTAMPTZ,
	frames_started_at TIMESTAMPTZ,
	frames_done_at TIMESTAMPTZ,
	frames_expires_at TIMESTAMPTZ,
	error_code TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_user ON analysis_jobs(user_id);

CREATE TABLE IF NOT EXISTS user_media_quota (
	user_id TEXT PRIMARY KEY,
	limit_bytes BIGINT NOT NULL,
	usage_bytes BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
