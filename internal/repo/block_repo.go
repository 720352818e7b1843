package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/model"
)

// BlockRepo is the device block registry
type BlockRepo interface {
	IsBlocked(ctx context.Context, userID uuid.UUID, ip string, now time.Time) (bool, error)
	Create(ctx context.Context, b model.DeviceBlock) (model.DeviceBlock, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	Purge(ctx context.Context, id uuid.UUID) error
	ListActive(ctx context.Context, now time.Time) ([]model.DeviceBlock, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.DeviceBlock, error)
}

type blockRepo struct {
	db *sql.DB
}

// NewBlockRepo creates a new BlockRepo instance
func NewBlockRepo(db *sql.DB) BlockRepo {
	return &blockRepo{db: db}
}

const blockColumns = `id, user_id, ip_address, user_agent, device_fingerprint, reason, blocked_by,
	is_active, created_at, blocked_until`

type scanner interface {
	Scan(dest ...any) error
}

func scanBlock(row scanner) (model.DeviceBlock, error) {
	var b model.DeviceBlock
	err := row.Scan(&b.ID, &b.UserID, &b.IPAddress, &b.UserAgent, &b.DeviceFingerprint, &b.Reason,
		&b.BlockedBy, &b.IsActive, &b.CreatedAt, &b.BlockedUntil)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.DeviceBlock{}, fmt.Errorf("device block not found: %w", err)
		}
		return model.DeviceBlock{}, fmt.Errorf("failed to scan device block: %w", err)
	}
	return b, nil
}

// IsBlocked reports whether an active, unexpired block exists for (user, ip)
func (r *blockRepo) IsBlocked(ctx context.Context, userID uuid.UUID, ip string, now time.Time) (bool, error) {
	var blocked bool
	err := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM device_blocks
			WHERE user_id = $1 AND ip_address = $2 AND is_active = true
			  AND (blocked_until IS NULL OR blocked_until > $3)
		)
	`, userID, ip, now).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check device block: %w", err)
	}
	return blocked, nil
}

// Create inserts an active block
func (r *blockRepo) Create(ctx context.Context, b model.DeviceBlock) (model.DeviceBlock, error) {
	blockedBy := b.BlockedBy
	if blockedBy == "" {
		blockedBy = "system"
	}
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		INSERT INTO device_blocks (user_id, ip_address, user_agent, device_fingerprint, reason, blocked_by, blocked_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+blockColumns,
		b.UserID, b.IPAddress, b.UserAgent, b.DeviceFingerprint, b.Reason, blockedBy, b.BlockedUntil)
	return scanBlock(row)
}

// Deactivate lifts a block and keeps the row for audit
func (r *blockRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE device_blocks SET is_active = false WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("deactivate device block: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device block not found: %w", sql.ErrNoRows)
	}
	return nil
}

// Purge deletes a block
func (r *blockRepo) Purge(ctx context.Context, id uuid.UUID) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM device_blocks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete device block: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device block not found: %w", sql.ErrNoRows)
	}
	return nil
}

// ListActive returns blocks currently rejecting logins, newest first
func (r *blockRepo) ListActive(ctx context.Context, now time.Time) ([]model.DeviceBlock, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM device_blocks
		WHERE is_active = true AND (blocked_until IS NULL OR blocked_until > $1)
		ORDER BY created_at DESC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list device blocks: %w", err)
	}
	defer rows.Close()

	blocks := []model.DeviceBlock{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device blocks: %w", err)
	}
	return blocks, nil
}

// GetByID returns a block by ID
func (r *blockRepo) GetByID(ctx context.Context, id uuid.UUID) (model.DeviceBlock, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT `+blockColumns+`
		FROM device_blocks
		WHERE id = $1
	`, id)
	return scanBlock(row)
}
