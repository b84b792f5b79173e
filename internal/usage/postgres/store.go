// Package postgres stores usage events in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Record(ctx, usage.Event{Operation: usage.OpAnnotate, Success: true})
//	rows, _ := store.Summary(ctx, time.Now().Add(-24*time.Hour))
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
)

const ddlUsageEvents = `
CREATE TABLE IF NOT EXISTS usage_events (
    id             BIGSERIAL    PRIMARY KEY,
    operation      TEXT         NOT NULL,
    success        BOOLEAN      NOT NULL,
    processing_ns  BIGINT       NOT NULL DEFAULT 0,
    metadata       JSONB        NOT NULL DEFAULT '{}',
    recorded_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_events_recorded_at
    ON usage_events (recorded_at);

CREATE INDEX IF NOT EXISTS idx_usage_events_language
    ON usage_events ((metadata->>'language'));
`

// Migrate creates the usage table and its indexes. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUsageEvents); err != nil {
		return fmt.Errorf("usage postgres: migrate: %w", err)
	}
	return nil
}

var _ usage.Recorder = (*Store)(nil)

// Store is a [usage.Recorder] backed by a pgx connection pool. It is safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("usage postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Record implements [usage.Recorder].
func (s *Store) Record(ctx context.Context, e usage.Event) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	at := e.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const q = `
		INSERT INTO usage_events (operation, success, processing_ns, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, q, e.Operation, e.Success, e.ProcessingTime.Nanoseconds(), meta, at); err != nil {
		return fmt.Errorf("usage postgres: insert event: %w", err)
	}
	return nil
}

// Summary aggregates events per operation and language.
type Summary struct {
	Operation     string        `json:"operation"`
	Language      string        `json:"language"`
	Total         int64         `json:"total"`
	Succeeded     int64         `json:"succeeded"`
	MeanDuration  time.Duration `json:"mean_duration_ns"`
	CorrectedRate float64       `json:"corrected_rate"`
}

// Summary returns per-operation, per-language aggregates of the events
// recorded at or after since, ordered by operation then language.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]Summary, error) {
	const q = `
		SELECT operation,
		       COALESCE(metadata->>'language', '') AS language,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COALESCE(AVG(processing_ns), 0)::BIGINT,
		       COALESCE(AVG(CASE WHEN metadata->>'corrected' = 'true' THEN 1.0 ELSE 0.0 END), 0)::FLOAT8
		FROM usage_events
		WHERE recorded_at >= $1
		GROUP BY 1, 2
		ORDER BY 1, 2`
	rows, err := s.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("usage postgres: summary: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Summary, error) {
		var (
			sum  Summary
			mean int64
		)
		err := row.Scan(&sum.Operation, &sum.Language, &sum.Total, &sum.Succeeded, &mean, &sum.CorrectedRate)
		sum.MeanDuration = time.Duration(mean)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("usage postgres: scan summary: %w", err)
	}
	return out, nil
}
