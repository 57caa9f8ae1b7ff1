package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/straightface/internal/scoring"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the local attempt journal in PostgreSQL. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Attempt is one journaled challenge attempt.
type Attempt struct {
	ID         string
	ContentID  string
	Variant    string
	Outcome    string
	FinalScore int
	Progress   float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// SessionFailure is an attempt that never got a camera.
type SessionFailure struct {
	AttemptID  string
	Variant    string
	Reason     string
	OccurredAt time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS content (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			registered_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attempts (
			id TEXT PRIMARY KEY,
			content_id TEXT REFERENCES content(id),
			variant TEXT NOT NULL,
			outcome TEXT NOT NULL,
			final_score INT NOT NULL,
			progress DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_failures (
			id BIGSERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			reason TEXT NOT NULL,
			occurred_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS attempts_finished_at_idx ON attempts (finished_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureContent registers the video an attempt is played against. If it exists, its path
// and duration are refreshed.
func (s *Store) EnsureContent(ctx context.Context, contentID, path string, duration time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content (id, path, duration_seconds, registered_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET registered_at = NOW(), path = EXCLUDED.path, duration_seconds = EXCLUDED.duration_seconds
	`, contentID, path, duration.Seconds())
	return err
}

// RecordAttempt journals a finished attempt. Recording the same id twice keeps the first.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	var contentID *string
	if a.ContentID != "" {
		contentID = &a.ContentID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (id, content_id, variant, outcome, final_score, progress, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, contentID, a.Variant, a.Outcome, a.FinalScore, a.Progress, a.StartedAt, a.FinishedAt)
	return err
}

// RecordSessionFailure journals an attempt that failed before it could start.
func (s *Store) RecordSessionFailure(ctx context.Context, attemptID, variant, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_failures (attempt_id, variant, reason) VALUES ($1, $2, $3)
	`, attemptID, variant, reason)
	return err
}

// ListAttempts returns the most recent attempts first. A limit <= 0 returns all.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	query := `
		SELECT id, COALESCE(content_id, ''), variant, outcome, final_score, progress, started_at, finished_at
		FROM attempts ORDER BY finished_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attempt, error) {
		var a Attempt
		err := row.Scan(&a.ID, &a.ContentID, &a.Variant, &a.Outcome, &a.FinalScore, &a.Progress, &a.StartedAt, &a.FinishedAt)
		return a, err
	})
}

// ListSessionFailures returns the most recent failures first.
func (s *Store) ListSessionFailures(ctx context.Context, limit int) ([]SessionFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, variant, reason, occurred_at FROM session_failures
		ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionFailure, error) {
		var f SessionFailure
		err := row.Scan(&f.AttemptID, &f.Variant, &f.Reason, &f.OccurredAt)
		return f, err
	})
}

// BestScore returns the highest successful score for a variant. ok is false if there is none.
func (s *Store) BestScore(ctx context.Context, variant string) (score int, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT final_score FROM attempts WHERE variant = $1 AND outcome = 'success'
		ORDER BY final_score DESC LIMIT 1`, variant).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attempts CASCADE;
		DROP TABLE IF EXISTS session_failures CASCADE;
		DROP TABLE IF EXISTS content CASCADE;
	`)
	return err
}

// Journal reports scoring outcomes into the store.
type Journal struct {
	Store     *Store
	ContentID string
}

var _ scoring.Reporter = (*Journal)(nil)

func (j *Journal) ReportOutcome(ctx context.Context, r scoring.Report) error {
	return j.Store.RecordAttempt(ctx, Attempt{
		ID:         r.AttemptID,
		ContentID:  j.ContentID,
		Variant:    r.Variant,
		Outcome:    r.Outcome.Kind.String(),
		FinalScore: r.Final.Current,
		Progress:   r.Progress,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	})
}

func (j *Journal) ReportSessionFailure(ctx context.Context, attemptID, variant string, err error) error {
	return j.Store.RecordSessionFailure(ctx, attemptID, variant, err.Error())
}
