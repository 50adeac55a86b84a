package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediamon/internal/apperrors"
	"mediamon/internal/model"
)

// PostgresQuotaStore implements QuotaStore on pgx. Rows are created lazily;
// a missing row means the full default allowance.
type PostgresQuotaStore struct {
	pool         *pgxpool.Pool
	defaultLimit int64
}

// NewPostgresQuotaStore constructs a PostgresQuotaStore.
func NewPostgresQuotaStore(pool *pgxpool.Pool, defaultLimit int64) *PostgresQuotaStore {
	return &PostgresQuotaStore{pool: pool, defaultLimit: defaultLimit}
}

// Get returns the user's ledger row, or the default allowance when none
// exists yet.
func (s *PostgresQuotaStore) Get(ctx context.Context, userID string) (model.Quota, error) {
	var q model.Quota
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, limit_bytes, usage_bytes, updated_at
		FROM user_media_quota WHERE user_id = $1
	`, userID)
	if err := row.Scan(&q.UserID, &q.LimitBytes, &q.UsageBytes, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Quota{UserID: userID, LimitBytes: s.defaultLimit}, nil
		}
		return model.Quota{}, apperrors.Persistence(err, "select quota %s", userID)
	}
	return q, nil
}

// Charge atomically adds delta to the user's usage, creating the row on
// first use. The increment happens inside the database so concurrent
// charges never read a stale balance.
func (s *PostgresQuotaStore) Charge(ctx context.Context, userID string, delta int64) error {
	if delta < 0 {
		return apperrors.Validation("negative quota charge %d for %s", delta, userID)
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_media_quota (user_id, limit_bytes, usage_bytes, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET usage_bytes = user_media_quota.usage_bytes + EXCLUDED.usage_bytes,
		    updated_at = EXCLUDED.updated_at
	`, userID, s.defaultLimit, delta, now)
	if err != nil {
		return apperrors.Persistence(err, "charge quota %s", userID)
	}
	return nil
}
