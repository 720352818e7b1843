package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the lifecycle status of a login attempt awaiting confirmation
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSent      AttemptStatus = "sent"
	AttemptConfirmed AttemptStatus = "confirmed"
	AttemptDenied    AttemptStatus = "denied"
	AttemptFailed    AttemptStatus = "failed"
)

// Terminal reports whether no further transition can happen from s
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptConfirmed, AttemptDenied, AttemptFailed:
		return true
	}
	return false
}

// User is an admin identity. The 2FA flow only reads it.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	IsActive     bool
	IsSuperuser  bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

// SecurityProfile holds a user's out-of-band confirmation settings (one per user)
type SecurityProfile struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	TelegramEnabled     bool
	BotToken            *string
	ChatID              *string
	TelegramUsername    *string
	RequireConfirmation bool
	AutoBlockSuspicious bool
	MaxFailedAttempts   int
	LastLoginIP         *string
	LastLoginDevice     *string
	LastLoginLocation   *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ChannelBinding is the side-channel address a confirmation request is delivered to
type ChannelBinding struct {
	BotToken string
	ChatID   string
}

// Binding resolves the profile's side-channel binding. fallbackToken is used when
// the profile has no bot token of its own. ok is false when no usable binding exists.
func (p *SecurityProfile) Binding(fallbackToken string) (ChannelBinding, bool) {
	if p == nil || p.ChatID == nil || *p.ChatID == "" {
		return ChannelBinding{}, false
	}
	token := fallbackToken
	if p.BotToken != nil && *p.BotToken != "" {
		token = *p.BotToken
	}
	if token == "" {
		return ChannelBinding{}, false
	}
	return ChannelBinding{BotToken: token, ChatID: *p.ChatID}, true
}

// LoginAttempt is one password-verified login held for confirmation
type LoginAttempt struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	IPAddress  string
	UserAgent  string
	Location   *string
	Status     AttemptStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// VerificationCode correlates a side-channel reply with a login attempt
type VerificationCode struct {
	ID        uuid.UUID
	Code      string
	AttemptID uuid.UUID
	UserID    uuid.UUID
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code's validity window has passed at now
func (c VerificationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// DeviceBlock rejects logins for a user from an (ip, user agent) origin
type DeviceBlock struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	IPAddress         string
	UserAgent         string
	DeviceFingerprint *string
	Reason            string
	BlockedBy         string
	IsActive          bool
	CreatedAt         time.Time
	BlockedUntil      *time.Time
}

// Permanent reports whether the block has no expiry
func (b DeviceBlock) Permanent() bool {
	return b.BlockedUntil == nil
}

// ActiveAt reports whether the block rejects logins at now
func (b DeviceBlock) ActiveAt(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.BlockedUntil == nil || now.Before(*b.BlockedUntil)
}
