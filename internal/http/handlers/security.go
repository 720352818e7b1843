package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oobauth/server/internal/middleware"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/notify/telegram"
	"github.com/oobauth/server/internal/observability"
	"github.com/oobauth/server/internal/repo"
)

// BotProber checks that a bot token is usable
type BotProber interface {
	GetMe(ctx context.Context, token string) (telegram.User, error)
}

// SecurityHandler manages device blocks and the caller's security profile
type SecurityHandler struct {
	blocks        repo.BlockRepo
	profiles      repo.ProfileRepo
	bot           BotProber
	fallbackToken string
	logger        *observability.Logger
	now           func() time.Time
}

// NewSecurityHandler creates a new security handler
func NewSecurityHandler(blocks repo.BlockRepo, profiles repo.ProfileRepo, bot BotProber, fallbackToken string, logger *observability.Logger) *SecurityHandler {
	return &SecurityHandler{
		blocks:        blocks,
		profiles:      profiles,
		bot:           bot,
		fallbackToken: fallbackToken,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type blockResponse struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	IPAddress    string     `json:"ip_address"`
	UserAgent    string     `json:"user_agent"`
	Reason       string     `json:"reason"`
	BlockedBy    string     `json:"blocked_by"`
	CreatedAt    time.Time  `json:"created_at"`
	BlockedUntil *time.Time `json:"blocked_until"`
	Permanent    bool       `json:"permanent"`
}

func toBlockResponse(b model.DeviceBlock) blockResponse {
	return blockResponse{
		ID:           b.ID.String(),
		UserID:       b.UserID.String(),
		IPAddress:    b.IPAddress,
		UserAgent:    b.UserAgent,
		Reason:       b.Reason,
		BlockedBy:    b.BlockedBy,
		CreatedAt:    b.CreatedAt,
		BlockedUntil: b.BlockedUntil,
		Permanent:    b.Permanent(),
	}
}

// HandleListBlocks handles GET /admin/security/blocks. Superusers see every active
// block, other admins only their own.
func (h *SecurityHandler) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	blocks, err := h.blocks.ListActive(r.Context(), h.now())
	if err != nil {
		h.logger.Error("security_list_blocks_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]blockResponse, 0, len(blocks))
	for _, b := range blocks {
		if user.IsSuperuser || b.UserID == user.ID {
			out = append(out, toBlockResponse(b))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"blocks": out})
}

// loadBlock resolves the {id} parameter to a block the caller may manage
func (h *SecurityHandler) loadBlock(w http.ResponseWriter, r *http.Request) (model.DeviceBlock, bool) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return model.DeviceBlock{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid block id")
		return model.DeviceBlock{}, false
	}
	block, err := h.blocks.GetByID(r.Context(), id)
	if err != nil {
		if repo.IsNotFound(err) {
			respondWithError(w, http.StatusNotFound, "block not found")
			return model.DeviceBlock{}, false
		}
		h.logger.Error("security_get_block_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return model.DeviceBlock{}, false
	}
	if !user.IsSuperuser && block.UserID != user.ID {
		respondWithError(w, http.StatusNotFound, "block not found")
		return model.DeviceBlock{}, false
	}
	return block, true
}

// HandleUnblock handles POST /admin/security/blocks/{id}/unblock
func (h *SecurityHandler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	block, ok := h.loadBlock(w, r)
	if !ok {
		return
	}
	if err := h.blocks.Deactivate(r.Context(), block.ID); err != nil {
		h.logger.Error("security_unblock_error", map[string]any{"error": err, "block_id": block.ID.String()})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.logger.Info("security_unblocked", map[string]any{"block_id": block.ID.String(), "ip": block.IPAddress})
	respondJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// HandleDeleteBlock handles DELETE /admin/security/blocks/{id} (superuser only)
func (h *SecurityHandler) HandleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	block, ok := h.loadBlock(w, r)
	if !ok {
		return
	}
	if err := h.blocks.Purge(r.Context(), block.ID); err != nil {
		if repo.IsNotFound(err) {
			respondWithError(w, http.StatusNotFound, "block not found")
			return
		}
		h.logger.Error("security_purge_error", map[string]any{"error": err, "block_id": block.ID.String()})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// profileResponse never echoes the bot token
type profileResponse struct {
	TelegramEnabled     bool    `json:"telegram_enabled"`
	BotTokenSet         bool    `json:"bot_token_set"`
	ChatID              *string `json:"chat_id"`
	TelegramUsername    *string `json:"telegram_username"`
	RequireConfirmation bool    `json:"require_confirmation"`
	AutoBlockSuspicious bool    `json:"auto_block_suspicious"`
	MaxFailedAttempts   int     `json:"max_failed_attempts"`
	LastLoginIP         *string `json:"last_login_ip"`
	LastLoginDevice     *string `json:"last_login_device"`
	LastLoginLocation   *string `json:"last_login_location"`
}

func toProfileResponse(p model.SecurityProfile) profileResponse {
	return profileResponse{
		TelegramEnabled:     p.TelegramEnabled,
		BotTokenSet:         p.BotToken != nil && *p.BotToken != "",
		ChatID:              p.ChatID,
		TelegramUsername:    p.TelegramUsername,
		RequireConfirmation: p.RequireConfirmation,
		AutoBlockSuspicious: p.AutoBlockSuspicious,
		MaxFailedAttempts:   p.MaxFailedAttempts,
		LastLoginIP:         p.LastLoginIP,
		LastLoginDevice:     p.LastLoginDevice,
		LastLoginLocation:   p.LastLoginLocation,
	}
}

// profileRequest is the body for PUT /admin/security/profile. Omitted fields keep
// their current value.
type profileRequest struct {
	TelegramEnabled     *bool   `json:"telegram_enabled"`
	BotToken            *string `json:"bot_token"`
	ChatID              *string `json:"chat_id"`
	TelegramUsername    *string `json:"telegram_username"`
	RequireConfirmation *bool   `json:"require_confirmation"`
	AutoBlockSuspicious *bool   `json:"auto_block_suspicious"`
	MaxFailedAttempts   *int    `json:"max_failed_attempts"`
}

func defaultProfile(userID uuid.UUID) model.SecurityProfile {
	return model.SecurityProfile{
		UserID:              userID,
		RequireConfirmation: true,
		AutoBlockSuspicious: true,
		MaxFailedAttempts:   3,
	}
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func (h *SecurityHandler) currentProfile(ctx context.Context, userID uuid.UUID) (model.SecurityProfile, bool, error) {
	p, err := h.profiles.GetByUserID(ctx, userID)
	if err != nil {
		if repo.IsNotFound(err) {
			return defaultProfile(userID), false, nil
		}
		return model.SecurityProfile{}, false, err
	}
	return p, true, nil
}

// HandleGetProfile handles GET /admin/security/profile
func (h *SecurityHandler) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	p, found, err := h.currentProfile(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("security_get_profile_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		respondWithError(w, http.StatusNotFound, "security profile not configured")
		return
	}
	respondJSON(w, http.StatusOK, toProfileResponse(p))
}

// HandlePutProfile handles PUT /admin/security/profile
func (h *SecurityHandler) HandlePutProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, _, err := h.currentProfile(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("security_get_profile_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if req.TelegramEnabled != nil {
		p.TelegramEnabled = *req.TelegramEnabled
	}
	if req.BotToken != nil {
		p.BotToken = optional(req.BotToken)
	}
	if req.ChatID != nil {
		p.ChatID = optional(req.ChatID)
	}
	if req.TelegramUsername != nil {
		p.TelegramUsername = optional(req.TelegramUsername)
	}
	if req.RequireConfirmation != nil {
		p.RequireConfirmation = *req.RequireConfirmation
	}
	if req.AutoBlockSuspicious != nil {
		p.AutoBlockSuspicious = *req.AutoBlockSuspicious
	}
	if req.MaxFailedAttempts != nil {
		if *req.MaxFailedAttempts < 1 {
			respondWithError(w, http.StatusBadRequest, "max_failed_attempts must be at least 1")
			return
		}
		p.MaxFailedAttempts = *req.MaxFailedAttempts
	}
	if p.TelegramEnabled && p.ChatID == nil {
		respondWithError(w, http.StatusBadRequest, "chat_id is required when telegram is enabled")
		return
	}

	saved, err := h.profiles.Upsert(r.Context(), p)
	if err != nil {
		h.logger.Error("security_save_profile_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, toProfileResponse(saved))
}

// HandleTestBot handles POST /admin/security/profile/test. It checks the bot token the
// profile would use without sending anything.
func (h *SecurityHandler) HandleTestBot(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	p, _, err := h.currentProfile(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("security_get_profile_error", map[string]any{"error": err})
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token := h.fallbackToken
	if p.BotToken != nil && *p.BotToken != "" {
		token = *p.BotToken
	}
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "no bot token configured")
		return
	}

	bot, err := h.bot.GetMe(r.Context(), token)
	if err != nil {
		h.logger.Warn("security_bot_test_failed", map[string]any{"error": err, "user_id": user.ID.String()})
		respondJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": "bot is not reachable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":  true,
		"bot": map[string]any{"id": bot.ID, "username": bot.Username},
	})
}
