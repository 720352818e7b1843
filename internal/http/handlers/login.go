package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/middleware"
	"github.com/oobauth/server/internal/observability"
)

// PendingCookie binds a waiting browser to the code it started
const PendingCookie = "pending_2fa"

// AdminHome is where a finished login lands
const AdminHome = "/admin/"

// Authenticator runs the password step and finishes confirmed logins
type Authenticator interface {
	Login(ctx context.Context, username, password string, origin auth.Origin) (*auth.LoginResult, error)
	Complete(ctx context.Context, code string, origin auth.Origin) (*auth.LoginResult, error)
}

// CookieConfig controls the session cookies set by LoginHandler
type CookieConfig struct {
	Secure     bool
	SessionTTL time.Duration
	PendingTTL time.Duration
}

// LoginHandler handles the admin login endpoints
type LoginHandler struct {
	auth    Authenticator
	cookies CookieConfig
	logger  *observability.Logger
}

// NewLoginHandler creates a new login handler
func NewLoginHandler(authenticator Authenticator, cookies CookieConfig, logger *observability.Logger) *LoginHandler {
	if cookies.SessionTTL <= 0 {
		cookies.SessionTTL = 24 * time.Hour
	}
	if cookies.PendingTTL <= 0 {
		cookies.PendingTTL = 5 * time.Minute
	}
	return &LoginHandler{auth: authenticator, cookies: cookies, logger: logger}
}

// loginRequest is the request body for POST /admin/login
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Location string `json:"location"`
}

// pendingResponse tells the client where to wait for the decision
type pendingResponse struct {
	Status    string    `json:"status"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	WaitURL   string    `json:"wait_url"`
	StatusURL string    `json:"status_url"`
	SocketURL string    `json:"ws_url"`
}

// sessionResponse is returned once a session is issued
type sessionResponse struct {
	Status    string       `json:"status"`
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	Redirect  string       `json:"redirect"`
	User      userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	IsSuperuser bool       `json:"is_superuser"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func waitPath(code string) string   { return "/admin/2fa/wait/" + code }
func statusPath(code string) string { return "/admin/2fa/status/" + code }
func socketPath(code string) string { return "/admin/2fa/ws/" + code }

func loginErrorPath(reason string) string {
	return "/admin/login?error=" + url.QueryEscape(reason)
}

func decodeLogin(r *http.Request) (loginRequest, error) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
		req.Location = r.PostForm.Get("location")
	}
	req.Username = strings.TrimSpace(req.Username)
	return req, nil
}

// HandleLogin handles POST /admin/login
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLogin(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		h.fail(w, r, http.StatusBadRequest, "username and password are required", "missing_credentials")
		return
	}

	result, err := h.auth.Login(r.Context(), req.Username, req.Password, originFrom(r, req.Location))
	if err != nil {
		h.loginError(w, r, err)
		return
	}

	if result.Pending != nil {
		code := result.Pending.Code
		http.SetCookie(w, &http.Cookie{
			Name:     PendingCookie,
			Value:    code,
			Path:     "/admin/2fa",
			MaxAge:   int(h.cookies.PendingTTL / time.Second),
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
		})
		if !wantsJSON(r) {
			http.Redirect(w, r, waitPath(code), http.StatusSeeOther)
			return
		}
		respondJSON(w, http.StatusAccepted, pendingResponse{
			Status:    "pending",
			Code:      code,
			ExpiresAt: result.Pending.ExpiresAt,
			WaitURL:   waitPath(code),
			StatusURL: statusPath(code),
			SocketURL: socketPath(code),
		})
		return
	}

	h.startSession(w, r, result, http.StatusOK)
}

func (h *LoginHandler) loginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.fail(w, r, http.StatusUnauthorized, "invalid username or password", "invalid_credentials")
	case errors.Is(err, auth.ErrAccountDisabled):
		h.fail(w, r, http.StatusForbidden, "account is disabled", "account_disabled")
	case errors.Is(err, auth.ErrDeviceBlocked):
		h.fail(w, r, http.StatusForbidden, "this device is blocked", "device_blocked")
	case errors.Is(err, auth.ErrNotificationFailed):
		if !wantsJSON(r) {
			http.Redirect(w, r, loginErrorPath("notification_failed"), http.StatusSeeOther)
			return
		}
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error": auth.ErrNotificationFailed.Error(),
			"retry": "try again in a few minutes",
		})
	default:
		h.logger.Error("admin_login_error", map[string]any{"error": err, "ip": middleware.ClientIP(r)})
		h.fail(w, r, http.StatusInternalServerError, "internal error", "internal")
	}
}

// fail answers JSON clients with an error body and form clients with a redirect back to the login page
func (h *LoginHandler) fail(w http.ResponseWriter, r *http.Request, status int, message, reason string) {
	if !wantsJSON(r) {
		http.Redirect(w, r, loginErrorPath(reason), http.StatusSeeOther)
		return
	}
	respondWithError(w, status, message)
}

func (h *LoginHandler) startSession(w http.ResponseWriter, r *http.Request, result *auth.LoginResult, status int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AdminCookie,
		Value:    result.Token,
		Path:     "/",
		MaxAge:   int(h.cookies.SessionTTL / time.Second),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	if !wantsJSON(r) {
		http.Redirect(w, r, AdminHome, http.StatusSeeOther)
		return
	}
	respondJSON(w, status, sessionResponse{
		Status:    "ok",
		Token:     result.Token,
		TokenType: "bearer",
		Redirect:  AdminHome,
		User:      toUserResponse(result),
	})
}

func toUserResponse(result *auth.LoginResult) userResponse {
	return userResponse{
		ID:          result.User.ID.String(),
		Username:    result.User.Username,
		IsSuperuser: result.User.IsSuperuser,
		LastLoginAt: result.User.LastLoginAt,
	}
}

func (h *LoginHandler) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleComplete handles GET /admin/2fa/complete/{code}. Only the browser that started
// the login (holding the pending cookie) can turn a confirmed code into a session.
func (h *LoginHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))

	pending, err := r.Cookie(PendingCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(pending.Value), []byte(code)) != 1 {
		h.fail(w, r, http.StatusForbidden, "login was not started from this browser", "session_mismatch")
		return
	}

	result, err := h.auth.Complete(r.Context(), code, originFrom(r, ""))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrCodeNotFound):
			h.fail(w, r, http.StatusNotFound, "login is not confirmed", "not_confirmed")
		case errors.Is(err, auth.ErrAccountDisabled):
			h.fail(w, r, http.StatusForbidden, "account is disabled", "account_disabled")
		default:
			h.logger.Error("twofa_complete_error", map[string]any{"error": err, "code": code})
			h.fail(w, r, http.StatusInternalServerError, "internal error", "internal")
		}
		return
	}

	h.clearCookie(w, PendingCookie, "/admin/2fa")
	h.startSession(w, r, result, http.StatusOK)
}

// HandleLogout handles POST /admin/logout
func (h *LoginHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w, middleware.AdminCookie, "/")
	h.clearCookie(w, PendingCookie, "/admin/2fa")
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *LoginHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok || user == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	respondJSON(w, http.StatusOK, userResponse{
		ID:          user.ID.String(),
		Username:    user.Username,
		IsSuperuser: user.IsSuperuser,
		LastLoginAt: user.LastLoginAt,
	})
}
