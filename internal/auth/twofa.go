package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/observability"
	"github.com/oobauth/server/internal/repo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/oobauth/server/internal/auth"

const (
	defaultCodeTTL       = 5 * time.Minute
	defaultBlockDuration = 24 * time.Hour
	maxCodeCollisions    = 3

	ReasonUserDenied      = "user denied login attempt"
	ReasonTooManyFailures = "too many failed login attempts"
)

// Origin describes where a login attempt comes from
type Origin struct {
	IP        string
	UserAgent string
	Location  *string
}

// VerificationHandle is what the caller needs to let a client wait for the decision
type VerificationHandle struct {
	Code      string
	AttemptID uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// ReplyAction is the decision carried by a side-channel reply
type ReplyAction string

const (
	ActionConfirm ReplyAction = "confirm"
	ActionDeny    ReplyAction = "deny"
)

// Reply is a parsed side-channel command. ChatID, when set, must be the chat bound to
// the code owner's profile.
type Reply struct {
	Code   string
	Action ReplyAction
	ChatID string
}

// ResolutionResult describes the effect of an accepted reply
type ResolutionResult struct {
	UserID    uuid.UUID
	AttemptID uuid.UUID
	Action    ReplyAction
	Blocked   bool
	BlockID   uuid.UUID
}

// Status is the externally visible state of a verification code
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusDenied    Status = "denied"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusNotFound  Status = "not_found"
)

// StatusReport is the answer to a status query
type StatusReport struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Redirect string `json:"redirect,omitempty"`

	UserID     uuid.UUID  `json:"-"`
	AttemptID  uuid.UUID  `json:"-"`
	ResolvedAt *time.Time `json:"-"`
}

// Final reports whether the status can no longer change
func (r StatusReport) Final() bool {
	return r.Status != StatusPending && r.Status != StatusSent
}

// CompletePath is where a client finishes a confirmed login
func CompletePath(code string) string {
	return "/admin/2fa/complete/" + code
}

var statusMessages = map[Status]string{
	StatusPending:   "Waiting for confirmation in Telegram",
	StatusSent:      "Waiting for confirmation in Telegram",
	StatusConfirmed: "Login confirmed",
	StatusDenied:    "Login denied, this device has been blocked",
	StatusFailed:    "2FA message could not be sent, contact administrator",
	StatusExpired:   "Verification code expired",
	StatusNotFound:  "Verification code not found",
}

func newReport(status Status) StatusReport {
	return StatusReport{Status: status, Message: statusMessages[status]}
}

// LoginNotice is the content of a confirmation request
type LoginNotice struct {
	Code      string
	IP        string
	UserAgent string
	Location  *string
	At        time.Time
	ValidFor  time.Duration
}

// BlockNotice tells the identity owner a device was blocked
type BlockNotice struct {
	IP        string
	UserAgent string
	Reason    string
	At        time.Time
	Until     *time.Time
}

// Notifier delivers messages over the out-of-band channel. A nil error means the
// transport acknowledged delivery.
type Notifier interface {
	NotifyLogin(ctx context.Context, binding model.ChannelBinding, n LoginNotice) error
	NotifyBlocked(ctx context.Context, binding model.ChannelBinding, n BlockNotice) error
}

// Stores groups the persistence the orchestrator writes through
type Stores struct {
	Profiles repo.ProfileRepo
	Attempts repo.AttemptRepo
	Codes    repo.CodeRepo
	Blocks   repo.BlockRepo
	Tx       repo.Transactor
}

// TwoFactorConfig tunes the orchestrator
type TwoFactorConfig struct {
	CodeTTL       time.Duration
	BlockDuration time.Duration
	// FallbackBotToken is used for profiles without their own bot token
	FallbackBotToken string
}

// TwoFactor runs the out-of-band login confirmation state machine. All writes to
// attempts, codes and blocks go through it.
type TwoFactor struct {
	stores   Stores
	notifier Notifier
	logger   *observability.Logger
	cfg      TwoFactorConfig
	now      func() time.Time

	tracer      trace.Tracer
	initiations metric.Int64Counter
	resolutions metric.Int64Counter
}

// NewTwoFactor creates the orchestrator. Tracing and metrics use the otel globals.
func NewTwoFactor(stores Stores, notifier Notifier, logger *observability.Logger, cfg TwoFactorConfig) *TwoFactor {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = defaultBlockDuration
	}

	meter := otel.Meter(instrumentationName)
	initiations, err := meter.Int64Counter("twofa.initiations",
		metric.WithDescription("Login confirmation requests by outcome"))
	if err != nil {
		initiations, _ = noop.Meter{}.Int64Counter("twofa.initiations")
	}
	resolutions, err := meter.Int64Counter("twofa.resolutions",
		metric.WithDescription("Side-channel replies by outcome"))
	if err != nil {
		resolutions, _ = noop.Meter{}.Int64Counter("twofa.resolutions")
	}

	return &TwoFactor{
		stores:      stores,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		tracer:      otel.Tracer(instrumentationName),
		initiations: initiations,
		resolutions: resolutions,
	}
}

// binding returns where confirmation requests for profile go, and whether confirmation is required at all
func (s *TwoFactor) binding(profile model.SecurityProfile) (model.ChannelBinding, bool) {
	if !profile.TelegramEnabled || !profile.RequireConfirmation {
		return model.ChannelBinding{}, false
	}
	return profile.Binding(s.cfg.FallbackBotToken)
}

// Initiate holds a password-verified login for out-of-band confirmation. A nil handle
// with a nil error means confirmation is not required and the session may be created.
func (s *TwoFactor) Initiate(ctx context.Context, user model.User, origin Origin) (*VerificationHandle, error) {
	ctx, span := s.tracer.Start(ctx, "twofa.Initiate", trace.WithAttributes(
		attribute.String("user.id", user.ID.String()),
	))
	defer span.End()

	outcome := "error"
	defer func() {
		span.SetAttributes(attribute.String("twofa.outcome", outcome))
		s.initiations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	profile, err := s.stores.Profiles.GetByUserID(ctx, user.ID)
	if err != nil {
		if repo.IsNotFound(err) {
			outcome = "not_required"
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load security profile: %w", err)
	}

	binding, required := s.binding(profile)
	if !required {
		outcome = "not_required"
		return nil, nil
	}

	now := s.now()
	blocked, err := s.stores.Blocks.IsBlocked(ctx, user.ID, origin.IP, now)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("check device block: %w", err)
	}
	if blocked {
		outcome = "blocked"
		s.logger.Warn("twofa_blocked_device", map[string]any{
			"user_id": user.ID.String(),
			"ip":      origin.IP,
		})
		return nil, ErrDeviceBlocked
	}

	var attempt model.LoginAttempt
	var code model.VerificationCode
	err = s.stores.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		attempt, err = s.stores.Attempts.Create(ctx, model.LoginAttempt{
			UserID:    user.ID,
			IPAddress: origin.IP,
			UserAgent: origin.UserAgent,
			Location:  origin.Location,
			Status:    model.AttemptPending,
		})
		if err != nil {
			return fmt.Errorf("create login attempt: %w", err)
		}
		code, err = s.issueCode(ctx, attempt, now)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create attempt")
		return nil, err
	}

	notice := LoginNotice{
		Code:      code.Code,
		IP:        origin.IP,
		UserAgent: origin.UserAgent,
		Location:  origin.Location,
		At:        now,
		ValidFor:  s.cfg.CodeTTL,
	}
	if sendErr := s.notifier.NotifyLogin(ctx, binding, notice); sendErr != nil {
		outcome = "notify_failed"
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "notify")

		failErr := s.stores.Tx.WithinTx(ctx, func(ctx context.Context) error {
			at := s.now()
			if err := s.stores.Codes.ConsumeByAttempt(ctx, attempt.ID, at); err != nil {
				return err
			}
			return s.stores.Attempts.SetStatus(ctx, attempt.ID, model.AttemptFailed, at)
		})
		fields := map[string]any{
			"user_id":    user.ID.String(),
			"attempt_id": attempt.ID.String(),
			"error":      sendErr,
		}
		if failErr != nil {
			fields["mark_failed_error"] = failErr
		}
		s.logger.Error("twofa_notify_failed", fields)
		observability.CaptureError(sendErr, map[string]string{"component": "twofa", "stage": "notify"})

		// The message may have reached the chat after all and been answered
		// before the attempt could be marked failed; that answer stands.
		if repo.IsNotFound(failErr) {
			resolved, err := s.stores.Attempts.GetByID(ctx, attempt.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrNotificationFailed, sendErr)
			}
			switch resolved.Status {
			case model.AttemptConfirmed:
				outcome = "sent"
				s.logger.Warn("twofa_resolved_despite_notify_error", map[string]any{
					"user_id":    user.ID.String(),
					"attempt_id": attempt.ID.String(),
				})
				return &VerificationHandle{
					Code:      code.Code,
					AttemptID: attempt.ID,
					UserID:    user.ID,
					ExpiresAt: code.ExpiresAt,
				}, nil
			case model.AttemptDenied:
				outcome = "blocked"
				return nil, ErrDeviceBlocked
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrNotificationFailed, sendErr)
	}

	// A reply may already have resolved the attempt; a terminal status is kept.
	if err := s.stores.Attempts.SetStatus(ctx, attempt.ID, model.AttemptSent, s.now()); err != nil && !repo.IsNotFound(err) {
		span.RecordError(err)
		return nil, fmt.Errorf("mark attempt sent: %w", err)
	}

	outcome = "sent"
	s.logger.Info("twofa_initiated", map[string]any{
		"user_id":    user.ID.String(),
		"attempt_id": attempt.ID.String(),
		"ip":         origin.IP,
		"expires_at": code.ExpiresAt.Format(time.RFC3339),
	})

	return &VerificationHandle{
		Code:      code.Code,
		AttemptID: attempt.ID,
		UserID:    user.ID,
		ExpiresAt: code.ExpiresAt,
	}, nil
}

func (s *TwoFactor) issueCode(ctx context.Context, attempt model.LoginAttempt, now time.Time) (model.VerificationCode, error) {
	for i := 0; i < maxCodeCollisions; i++ {
		value, err := GenerateCode()
		if err != nil {
			return model.VerificationCode{}, err
		}
		code, err := s.stores.Codes.Create(ctx, model.VerificationCode{
			Code:      value,
			AttemptID: attempt.ID,
			UserID:    attempt.UserID,
			ExpiresAt: now.Add(s.cfg.CodeTTL),
		})
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return model.VerificationCode{}, fmt.Errorf("create verification code: %w", err)
		}
	}
	return model.VerificationCode{}, fmt.Errorf("create verification code: %d collisions", maxCodeCollisions)
}

// Resolve applies a confirm or deny reply. At most one reply per code ever succeeds;
// every later one, and any reply for an unknown, expired or foreign code, gets
// ErrCodeNotFound.
func (s *TwoFactor) Resolve(ctx context.Context, reply Reply) (*ResolutionResult, error) {
	ctx, span := s.tracer.Start(ctx, "twofa.Resolve", trace.WithAttributes(
		attribute.String("twofa.action", string(reply.Action)),
	))
	defer span.End()

	outcome := "error"
	defer func() {
		span.SetAttributes(attribute.String("twofa.outcome", outcome))
		s.resolutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(reply.Action)),
			attribute.String("outcome", outcome),
		))
	}()

	if reply.Action != ActionConfirm && reply.Action != ActionDeny {
		outcome = "malformed"
		return nil, ErrMalformedReply
	}

	code := NormalizeCode(reply.Code)
	if code == "" {
		outcome = "not_found"
		return nil, ErrCodeNotFound
	}

	now := s.now()

	existing, err := s.stores.Codes.GetByCode(ctx, code)
	if err != nil {
		if repo.IsNotFound(err) {
			outcome = "not_found"
			return nil, ErrCodeNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load verification code: %w", err)
	}
	if existing.Used || existing.Expired(now) {
		outcome = "not_found"
		return nil, ErrCodeNotFound
	}

	var binding model.ChannelBinding
	var hasBinding bool
	profile, err := s.stores.Profiles.GetByUserID(ctx, existing.UserID)
	switch {
	case err == nil:
		binding, hasBinding = profile.Binding(s.cfg.FallbackBotToken)
	case repo.IsNotFound(err):
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("load security profile: %w", err)
	}
	if reply.ChatID != "" && (!hasBinding || binding.ChatID != reply.ChatID) {
		outcome = "foreign_chat"
		s.logger.Warn("twofa_reply_foreign_chat", map[string]any{
			"user_id": existing.UserID.String(),
			"chat_id": reply.ChatID,
		})
		return nil, ErrCodeNotFound
	}

	result := ResolutionResult{Action: reply.Action}
	var attempt model.LoginAttempt
	var block model.DeviceBlock
	err = s.stores.Tx.WithinTx(ctx, func(ctx context.Context) error {
		vc, err := s.stores.Codes.Consume(ctx, code, now)
		if err != nil {
			if repo.IsNotFound(err) {
				return ErrCodeNotFound
			}
			return fmt.Errorf("consume verification code: %w", err)
		}

		attempt, err = s.stores.Attempts.GetByID(ctx, vc.AttemptID)
		if err != nil {
			return fmt.Errorf("load login attempt: %w", err)
		}

		status := model.AttemptConfirmed
		if reply.Action == ActionDeny {
			status = model.AttemptDenied
		}
		if err := s.stores.Attempts.SetStatus(ctx, attempt.ID, status, now); err != nil {
			if repo.IsNotFound(err) {
				return ErrCodeNotFound
			}
			return fmt.Errorf("update login attempt: %w", err)
		}

		result.UserID = vc.UserID
		result.AttemptID = vc.AttemptID

		if reply.Action == ActionDeny {
			until := now.Add(s.cfg.BlockDuration)
			block, err = s.stores.Blocks.Create(ctx, model.DeviceBlock{
				UserID:       vc.UserID,
				IPAddress:    attempt.IPAddress,
				UserAgent:    attempt.UserAgent,
				Reason:       ReasonUserDenied,
				BlockedBy:    "system",
				BlockedUntil: &until,
			})
			if err != nil {
				return fmt.Errorf("create device block: %w", err)
			}
			result.Blocked = true
			result.BlockID = block.ID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			outcome = "not_found"
			return nil, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve")
		return nil, err
	}

	outcome = string(reply.Action)
	s.logger.Info("twofa_resolved", map[string]any{
		"user_id":    result.UserID.String(),
		"attempt_id": result.AttemptID.String(),
		"action":     string(reply.Action),
		"blocked":    result.Blocked,
	})

	if result.Blocked && hasBinding {
		s.notifyBlocked(ctx, binding, block)
	}

	return &result, nil
}

// BlockSuspicious blocks origin for the identity outside the reply flow, e.g. after
// repeated wrong passwords.
func (s *TwoFactor) BlockSuspicious(ctx context.Context, userID uuid.UUID, origin Origin, reason string) (model.DeviceBlock, error) {
	ctx, span := s.tracer.Start(ctx, "twofa.BlockSuspicious")
	defer span.End()

	until := s.now().Add(s.cfg.BlockDuration)
	block, err := s.stores.Blocks.Create(ctx, model.DeviceBlock{
		UserID:       userID,
		IPAddress:    origin.IP,
		UserAgent:    origin.UserAgent,
		Reason:       reason,
		BlockedBy:    "system",
		BlockedUntil: &until,
	})
	if err != nil {
		span.RecordError(err)
		return model.DeviceBlock{}, fmt.Errorf("create device block: %w", err)
	}

	s.logger.Warn("twofa_device_blocked", map[string]any{
		"user_id":  userID.String(),
		"ip":       origin.IP,
		"reason":   reason,
		"block_id": block.ID.String(),
	})

	profile, err := s.stores.Profiles.GetByUserID(ctx, userID)
	if err == nil {
		if binding, ok := profile.Binding(s.cfg.FallbackBotToken); ok && profile.TelegramEnabled {
			s.notifyBlocked(ctx, binding, block)
		}
	}

	return block, nil
}

func (s *TwoFactor) notifyBlocked(ctx context.Context, binding model.ChannelBinding, block model.DeviceBlock) {
	err := s.notifier.NotifyBlocked(ctx, binding, BlockNotice{
		IP:        block.IPAddress,
		UserAgent: block.UserAgent,
		Reason:    block.Reason,
		At:        s.now(),
		Until:     block.BlockedUntil,
	})
	if err != nil {
		s.logger.Warn("twofa_block_notice_failed", map[string]any{
			"block_id": block.ID.String(),
			"error":    err,
		})
	}
}

// Status reports the state of code without changing anything. Unknown codes are a
// status, not an error; errors mean storage failed.
func (s *TwoFactor) Status(ctx context.Context, code string) (StatusReport, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return newReport(StatusNotFound), nil
	}

	vc, err := s.stores.Codes.GetByCode(ctx, normalized)
	if err != nil {
		if repo.IsNotFound(err) {
			return newReport(StatusNotFound), nil
		}
		return StatusReport{}, fmt.Errorf("load verification code: %w", err)
	}

	attempt, err := s.stores.Attempts.GetByID(ctx, vc.AttemptID)
	if err != nil {
		if repo.IsNotFound(err) {
			return newReport(StatusNotFound), nil
		}
		return StatusReport{}, fmt.Errorf("load login attempt: %w", err)
	}

	var report StatusReport
	switch {
	case vc.Used:
		report = newReport(Status(attempt.Status))
	case vc.Expired(s.now()):
		report = newReport(StatusExpired)
	default:
		report = newReport(Status(attempt.Status))
	}

	report.UserID = vc.UserID
	report.AttemptID = attempt.ID
	report.ResolvedAt = attempt.ResolvedAt
	if report.Status == StatusConfirmed {
		report.Redirect = CompletePath(vc.Code)
	}
	return report, nil
}
