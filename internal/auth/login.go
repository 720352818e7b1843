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
)

// LoginResult is either a finished session (Token set) or a login held for
// confirmation (Pending set).
type LoginResult struct {
	User    model.User
	Token   string
	Pending *VerificationHandle
}

// LoginService orchestrates admin authentication around the 2FA flow
type LoginService struct {
	verifier      *CredentialVerifier
	twofa         *TwoFactor
	jwtService    *JWTService
	users         repo.UserRepo
	profiles      repo.ProfileRepo
	blocks        repo.BlockRepo
	counters      repo.CounterRepo
	logger        *observability.Logger
	failureWindow time.Duration
	completeTTL   time.Duration
	now           func() time.Time
}

// NewLoginService creates a new login service
func NewLoginService(
	verifier *CredentialVerifier,
	twofa *TwoFactor,
	jwtService *JWTService,
	users repo.UserRepo,
	profiles repo.ProfileRepo,
	blocks repo.BlockRepo,
	counters repo.CounterRepo,
	logger *observability.Logger,
	failureWindow time.Duration,
) *LoginService {
	if failureWindow <= 0 {
		failureWindow = 15 * time.Minute
	}
	return &LoginService{
		verifier:      verifier,
		twofa:         twofa,
		jwtService:    jwtService,
		users:         users,
		profiles:      profiles,
		blocks:        blocks,
		counters:      counters,
		logger:        logger,
		failureWindow: failureWindow,
		completeTTL:   twofa.cfg.CodeTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func failureKey(user model.User, ip string) string {
	return "pwfail:" + user.ID.String() + ":" + ip
}

// Login verifies credentials and either issues a session or starts out-of-band confirmation
func (s *LoginService) Login(ctx context.Context, username, password string, origin Origin) (*LoginResult, error) {
	user, err := s.verifier.Verify(ctx, username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) && user.ID != uuid.Nil {
			s.recordFailure(ctx, user, origin)
		}
		return nil, err
	}

	blocked, err := s.blocks.IsBlocked(ctx, user.ID, origin.IP, s.now())
	if err != nil {
		return nil, fmt.Errorf("check device block: %w", err)
	}
	if blocked {
		return nil, ErrDeviceBlocked
	}

	if err := s.counters.Reset(ctx, failureKey(user, origin.IP)); err != nil {
		s.logger.Warn("login_failure_counter_reset_failed", map[string]any{"user_id": user.ID.String(), "error": err})
	}

	handle, err := s.twofa.Initiate(ctx, user, origin)
	if err != nil {
		return nil, err
	}
	if handle != nil {
		return &LoginResult{User: user, Pending: handle}, nil
	}

	token, err := s.issueSession(ctx, user, origin)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Token: token}, nil
}

// Complete finishes a login whose confirmation request was approved. Each
// confirmed attempt yields at most one session.
func (s *LoginService) Complete(ctx context.Context, code string, origin Origin) (*LoginResult, error) {
	report, err := s.twofa.Status(ctx, code)
	if err != nil {
		return nil, err
	}
	if report.Status != StatusConfirmed {
		return nil, ErrCodeNotFound
	}
	if report.ResolvedAt != nil && s.now().Sub(*report.ResolvedAt) > s.completeTTL {
		return nil, ErrCodeNotFound
	}

	user, err := s.users.GetByID(ctx, report.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	if err := s.twofa.stores.Attempts.MarkFinalized(ctx, report.AttemptID, s.now()); err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("finalize login: %w", err)
	}

	token, err := s.issueSession(ctx, user, origin)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: user, Token: token}, nil
}

func (s *LoginService) issueSession(ctx context.Context, user model.User, origin Origin) (string, error) {
	token, err := s.jwtService.SignAdminToken(user)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	now := s.now()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return "", fmt.Errorf("update last login: %w", err)
	}
	if err := s.profiles.UpdateLastLogin(ctx, user.ID, origin.IP, origin.UserAgent, origin.Location); err != nil {
		s.logger.Warn("profile_last_login_failed", map[string]any{"user_id": user.ID.String(), "error": err})
	}

	s.logger.Info("admin_login", map[string]any{
		"user_id": user.ID.String(),
		"ip":      origin.IP,
	})
	return token, nil
}

// recordFailure counts a wrong password and blocks the origin once the profile's
// threshold is reached inside the failure window
func (s *LoginService) recordFailure(ctx context.Context, user model.User, origin Origin) {
	profile, err := s.profiles.GetByUserID(ctx, user.ID)
	if err != nil || !profile.AutoBlockSuspicious {
		return
	}

	key := failureKey(user, origin.IP)
	hits, _, err := s.counters.Hit(ctx, key, s.failureWindow, s.now())
	if err != nil {
		s.logger.Error("login_failure_count_failed", map[string]any{"user_id": user.ID.String(), "error": err})
		return
	}
	if hits < profile.MaxFailedAttempts {
		return
	}

	if _, err := s.twofa.BlockSuspicious(ctx, user.ID, origin, ReasonTooManyFailures); err != nil {
		s.logger.Error("login_auto_block_failed", map[string]any{"user_id": user.ID.String(), "error": err})
		return
	}
	if err := s.counters.Reset(ctx, key); err != nil {
		s.logger.Warn("login_failure_counter_reset_failed", map[string]any{"user_id": user.ID.String(), "error": err})
	}
}
