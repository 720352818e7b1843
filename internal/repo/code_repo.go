package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/model"
)

// CodeRepo stores verification codes. A code is single-use: once consumed it never
// matches Consume again.
type CodeRepo interface {
	Create(ctx context.Context, c model.VerificationCode) (model.VerificationCode, error)
	GetByCode(ctx context.Context, code string) (model.VerificationCode, error)
	Consume(ctx context.Context, code string, now time.Time) (model.VerificationCode, error)
	ConsumeByAttempt(ctx context.Context, attemptID uuid.UUID, now time.Time) error
}

type codeRepo struct {
	db *sql.DB
}

// NewCodeRepo creates a new CodeRepo instance
func NewCodeRepo(db *sql.DB) CodeRepo {
	return &codeRepo{db: db}
}

const codeColumns = `id, code, attempt_id, user_id, used, used_at, created_at, expires_at`

func scanCode(row *sql.Row) (model.VerificationCode, error) {
	var c model.VerificationCode
	err := row.Scan(&c.ID, &c.Code, &c.AttemptID, &c.UserID, &c.Used, &c.UsedAt, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.VerificationCode{}, fmt.Errorf("verification code not found: %w", err)
		}
		return model.VerificationCode{}, fmt.Errorf("failed to query verification code: %w", err)
	}
	return c, nil
}

// Create inserts a code. A collision on the code value returns ErrDuplicate.
func (r *codeRepo) Create(ctx context.Context, c model.VerificationCode) (model.VerificationCode, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		INSERT INTO verification_codes (code, attempt_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO NOTHING
		RETURNING `+codeColumns,
		c.Code, c.AttemptID, c.UserID, c.ExpiresAt)
	created, err := scanCode(row)
	if err != nil {
		// a conflicting code returns no row
		if IsNotFound(err) || isUniqueViolation(err) {
			return model.VerificationCode{}, fmt.Errorf("insert verification code: %w", ErrDuplicate)
		}
		return model.VerificationCode{}, err
	}
	return created, nil
}

// GetByCode returns a code regardless of its used/expired state
func (r *codeRepo) GetByCode(ctx context.Context, code string) (model.VerificationCode, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT `+codeColumns+`
		FROM verification_codes
		WHERE code = $1
	`, code)
	return scanCode(row)
}

// Consume marks an unused, unexpired code as used and returns it. The conditional update
// lets exactly one concurrent caller win; everyone else gets sql.ErrNoRows.
func (r *codeRepo) Consume(ctx context.Context, code string, now time.Time) (model.VerificationCode, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		UPDATE verification_codes
		SET used = true, used_at = $2
		WHERE code = $1 AND used = false AND expires_at > $2
		RETURNING `+codeColumns, code, now)
	return scanCode(row)
}

// ConsumeByAttempt retires the code of an attempt that will never be resolved
func (r *codeRepo) ConsumeByAttempt(ctx context.Context, attemptID uuid.UUID, now time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE verification_codes
		SET used = true, used_at = $2
		WHERE attempt_id = $1 AND used = false
	`, attemptID, now)
	if err != nil {
		return fmt.Errorf("consume code by attempt: %w", err)
	}
	return nil
}
