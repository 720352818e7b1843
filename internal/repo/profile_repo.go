package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/model"
)

// ProfileRepo defines the interface for security profile operations
type ProfileRepo interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (model.SecurityProfile, error)
	Upsert(ctx context.Context, p model.SecurityProfile) (model.SecurityProfile, error)
	UpdateLastLogin(ctx context.Context, userID uuid.UUID, ip, device string, location *string) error
}

type profileRepo struct {
	db *sql.DB
}

// NewProfileRepo creates a new ProfileRepo instance
func NewProfileRepo(db *sql.DB) ProfileRepo {
	return &profileRepo{db: db}
}

const profileColumns = `id, user_id, telegram_enabled, bot_token, chat_id, telegram_username,
	require_confirmation, auto_block_suspicious, max_failed_attempts,
	last_login_ip, last_login_device, last_login_location, created_at, updated_at`

func scanProfile(row *sql.Row) (model.SecurityProfile, error) {
	var p model.SecurityProfile
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.TelegramEnabled,
		&p.BotToken,
		&p.ChatID,
		&p.TelegramUsername,
		&p.RequireConfirmation,
		&p.AutoBlockSuspicious,
		&p.MaxFailedAttempts,
		&p.LastLoginIP,
		&p.LastLoginDevice,
		&p.LastLoginLocation,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.SecurityProfile{}, fmt.Errorf("security profile not found: %w", err)
		}
		return model.SecurityProfile{}, fmt.Errorf("failed to query security profile: %w", err)
	}
	return p, nil
}

// GetByUserID returns the profile of a user
func (r *profileRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (model.SecurityProfile, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM security_profiles
		WHERE user_id = $1
	`, userID)
	return scanProfile(row)
}

// Upsert creates the user's profile or replaces its settings. Last-login metadata is kept.
func (r *profileRepo) Upsert(ctx context.Context, p model.SecurityProfile) (model.SecurityProfile, error) {
	maxFailed := p.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = 3
	}
	row := conn(ctx, r.db).QueryRowContext(ctx, `
		INSERT INTO security_profiles (user_id, telegram_enabled, bot_token, chat_id, telegram_username,
			require_confirmation, auto_block_suspicious, max_failed_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			telegram_enabled = EXCLUDED.telegram_enabled,
			bot_token = EXCLUDED.bot_token,
			chat_id = EXCLUDED.chat_id,
			telegram_username = EXCLUDED.telegram_username,
			require_confirmation = EXCLUDED.require_confirmation,
			auto_block_suspicious = EXCLUDED.auto_block_suspicious,
			max_failed_attempts = EXCLUDED.max_failed_attempts,
			updated_at = now()
		RETURNING `+profileColumns,
		p.UserID, p.TelegramEnabled, p.BotToken, p.ChatID, p.TelegramUsername,
		p.RequireConfirmation, p.AutoBlockSuspicious, maxFailed)
	return scanProfile(row)
}

// UpdateLastLogin stores where the last completed login came from. A missing profile is not an error.
func (r *profileRepo) UpdateLastLogin(ctx context.Context, userID uuid.UUID, ip, device string, location *string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx, `
		UPDATE security_profiles
		SET last_login_ip = $2, last_login_device = $3, last_login_location = $4, updated_at = now()
		WHERE user_id = $1
	`, userID, ip, device, location)
	if err != nil {
		return fmt.Errorf("update profile last login: %w", err)
	}
	return nil
}
