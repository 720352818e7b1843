package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CounterRepo is a fixed-window hit counter shared by every process using the database
type CounterRepo interface {
	// Hit counts one event for key and returns the hits in the current window and when
	// that window ends.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (hits int, resetAt time.Time, err error)
	Reset(ctx context.Context, key string) error
}

type counterRepo struct {
	db *sql.DB
}

// NewCounterRepo creates a new CounterRepo instance
func NewCounterRepo(db *sql.DB) CounterRepo {
	return &counterRepo{db: db}
}

// Hit upserts the counter row, starting a fresh window once the stored one has elapsed
func (r *counterRepo) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	now = now.UTC()
	threshold := now.Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		INSERT INTO rate_counters (key, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (key) DO UPDATE
		SET
			hits = CASE
				WHEN rate_counters.window_started_at <= $3 THEN 1
				ELSE rate_counters.hits + 1
			END,
			window_started_at = CASE
				WHEN rate_counters.window_started_at <= $3 THEN $2
				ELSE rate_counters.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, key, now, threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("upsert rate counter: %w", err)
	}
	return hits, windowStartedAt.Add(window), nil
}

// Reset forgets key
func (r *counterRepo) Reset(ctx context.Context, key string) error {
	if _, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM rate_counters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("reset rate counter: %w", err)
	}
	return nil
}
