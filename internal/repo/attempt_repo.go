package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/model"
)

// AttemptRepo is the login attempt ledger
type AttemptRepo interface {
	Create(ctx context.Context, a model.LoginAttempt) (model.LoginAttempt, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.LoginAttempt, error)
	SetStatus(ctx context.Context, id uuid.UUID, status model.AttemptStatus, at time.Time) error
	MarkFinalized(ctx context.Context, id uuid.UUID, at time.Time) error
}

type attemptRepo struct {
	db *sql.DB
}

// NewAttemptRepo creates a new AttemptRepo instance
func NewAttemptRepo(db *sql.DB) AttemptRepo {
	return &attemptRepo{db: db}
}

const attemptColumns = `id, user_id, ip_address, user_agent, location, status, created_at, resolved_at`

func scanAttempt(row *sql.Row) (model.LoginAttempt, error) {
	var a model.LoginAttempt
	var status string
	err := row.Scan(&a.ID, &a.UserID, &a.IPAddress, &a.UserAgent, &a.Location, &status, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.LoginAttempt{}, fmt.Errorf("login attempt not found: %w", err)
		}
		return model.LoginAttempt{}, fmt.Errorf("failed to query login attempt: %w", err)
	}
	a.Status = model.AttemptStatus(status)
	return a, nil
}

// Create inserts an attempt in its initial status (pending when unset)
func (r *attemptRepo) Create(ctx context.Context, a model.LoginAttempt) (model.LoginAttempt, error) {
	status := a.Status
	if status == "" {
		status = model.AttemptPending
	}
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		INSERT INTO login_attempts (user_id, ip_address, user_agent, location, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+attemptColumns,
		a.UserID, a.IPAddress, a.UserAgent, a.Location, string(status))
	return scanAttempt(row)
}

// GetByID returns an attempt by ID
func (r *attemptRepo) GetByID(ctx context.Context, id uuid.UUID) (model.LoginAttempt, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM login_attempts
		WHERE id = $1
	`, id)
	return scanAttempt(row)
}

// SetStatus moves an attempt to status. Terminal statuses also stamp resolved_at.
// An attempt that is already terminal is left untouched and reported as not found.
func (r *attemptRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.AttemptStatus, at time.Time) error {
	var resolvedAt *time.Time
	if status.Terminal() {
		resolvedAt = &at
	}
	result, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE login_attempts
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status IN ('pending', 'sent')
	`, id, string(status), resolvedAt)
	if err != nil {
		return fmt.Errorf("update attempt status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("open login attempt not found: %w", sql.ErrNoRows)
	}
	return nil
}

// MarkFinalized stamps a confirmed attempt as turned into a session. It succeeds
// at most once per attempt; later calls are reported as not found.
func (r *attemptRepo) MarkFinalized(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE login_attempts
		SET finalized_at = $2
		WHERE id = $1 AND status = 'confirmed' AND finalized_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("unfinalized login attempt not found: %w", sql.ErrNoRows)
	}
	return nil
}
