package counter

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"parcelflow/internal/ratelimit/models"
	"parcelflow/pkg/platform/sentinel"
)

//go:embed schema.sql
var schemaSQL string

// The window restarts when the stored reset time has passed. Both CASE
// branches read the pre-update row, so count and reset_at switch together.
const checkQuery = `
INSERT INTO rate_limit_counters AS c (identifier, endpoint, count, reset_at)
VALUES ($1, $2, 1, now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (identifier, endpoint) DO UPDATE SET
    count    = CASE WHEN c.reset_at <= now() THEN 1 ELSE c.count + 1 END,
    reset_at = CASE WHEN c.reset_at <= now() THEN now() + $3::bigint * interval '1 millisecond' ELSE c.reset_at END
RETURNING count, reset_at`

const peekQuery = `
SELECT count, reset_at FROM rate_limit_counters
WHERE identifier = $1 AND endpoint = $2 AND reset_at > now()`

const releaseQuery = `
UPDATE rate_limit_counters SET count = count - 1
WHERE identifier = $1 AND endpoint = $2 AND reset_at > now() AND count > 0`

const resetQuery = `DELETE FROM rate_limit_counters WHERE identifier = $1 AND endpoint = $2`

const sweepQuery = `DELETE FROM rate_limit_counters WHERE reset_at <= now()`

// PostgresStore persists counters in PostgreSQL using the database clock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed counter store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the counters table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create rate limit schema: %w", err)
	}
	return nil
}

// CheckRateLimit counts one request with a single upsert.
func (s *PostgresStore) CheckRateLimit(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) (*models.RateLimitResult, error) {
	var count int
	var resetAt time.Time
	err := s.db.QueryRowContext(ctx, checkQuery, identifier, endpoint, window.Milliseconds()).Scan(&count, &resetAt)
	if err != nil {
		return nil, fmt.Errorf("postgres check rate limit: %w: %w", sentinel.ErrUnavailable, err)
	}
	return models.NewRateLimitResult(maxRequests, count, resetAt), nil
}

// Peek reads a counter without counting.
func (s *PostgresStore) Peek(ctx context.Context, identifier, endpoint string) (*models.CounterState, error) {
	state := &models.CounterState{Identifier: identifier, Endpoint: endpoint}
	err := s.db.QueryRowContext(ctx, peekQuery, identifier, endpoint).Scan(&state.Count, &state.ResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres peek: %w: %w", sentinel.ErrUnavailable, err)
	}
	return state, nil
}

// Release refunds one request in a live window.
func (s *PostgresStore) Release(ctx context.Context, identifier, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, releaseQuery, identifier, endpoint); err != nil {
		return fmt.Errorf("postgres release: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Reset deletes a counter.
func (s *PostgresStore) Reset(ctx context.Context, identifier, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, resetQuery, identifier, endpoint); err != nil {
		return fmt.Errorf("postgres reset: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Sweep deletes counters whose window has ended.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, sweepQuery)
	if err != nil {
		return 0, fmt.Errorf("postgres sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres sweep rows affected: %w", err)
	}
	return int(n), nil
}
