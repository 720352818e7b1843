package http

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/http/handlers"
	"github.com/oobauth/server/internal/middleware"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noUsers struct{}

func (noUsers) GetByID(context.Context, uuid.UUID) (model.User, error) {
	return model.User{}, sql.ErrNoRows
}
func (noUsers) GetByUsername(context.Context, string) (model.User, error) {
	return model.User{}, sql.ErrNoRows
}
func (noUsers) Create(context.Context, string, string, bool) (model.User, error) {
	return model.User{}, errors.New("not supported")
}
func (noUsers) UpdateLastLogin(context.Context, uuid.UUID, time.Time) error { return nil }

type refusingAuth struct{}

func (refusingAuth) Login(context.Context, string, string, auth.Origin) (*auth.LoginResult, error) {
	return nil, auth.ErrInvalidCredentials
}
func (refusingAuth) Complete(context.Context, string, auth.Origin) (*auth.LoginResult, error) {
	return nil, auth.ErrCodeNotFound
}

type staticStatus struct{}

func (staticStatus) Status(context.Context, string) (auth.StatusReport, error) {
	return auth.StatusReport{Status: auth.StatusNotFound, Message: "Verification code not found"}, nil
}

func newTestRouter(webhook http.Handler, trusted ...netip.Prefix) http.Handler {
	logger := observability.NewLoggerTo(io.Discard)
	limiter := middleware.NewRateLimiter(time.Minute, 2)
	return NewRouter(Deps{
		Login:        handlers.NewLoginHandler(refusingAuth{}, handlers.CookieConfig{}, logger),
		Status:       handlers.NewStatusHandler(staticStatus{}, logger, time.Second),
		Security:     handlers.NewSecurityHandler(nil, nil, nil, "", logger),
		Health:       handlers.NewHealthHandler(nil),
		Webhook:      webhook,
		JWT:          auth.NewJWTService("test-secret", time.Hour),
		Users:        noUsers{},
		LoginLimiter: limiter,
		Logger:       logger,

		TrustedProxies: trusted,
	})
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(nil)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/admin/2fa/status/ABCDEFGH23", http.StatusOK},
		{http.MethodGet, "/admin/2fa/wait/ABCDEFGH23", http.StatusSeeOther},
		{http.MethodGet, "/admin/security/blocks", http.StatusUnauthorized},
		{http.MethodGet, "/me", http.StatusUnauthorized},
		{http.MethodPost, "/telegram/webhook", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouter_LoginIsRateLimited(t *testing.T) {
	router := newTestRouter(nil)

	// rotating forwarding headers from an untrusted peer does not buy a fresh budget
	forged := []string{"198.51.100.4", "198.51.100.5", "198.51.100.6"}
	codes := make([]int, 0, len(forged))
	for _, ip := range forged {
		codes = append(codes, postLogin(router, ip))
	}
	assert.Equal(t, []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}, codes)
}

func TestRouter_TrustedProxySplitsBudgets(t *testing.T) {
	// httptest requests arrive from 192.0.2.1
	router := newTestRouter(nil, netip.MustParsePrefix("192.0.2.0/24"))

	codes := []int{
		postLogin(router, "198.51.100.4"),
		postLogin(router, "198.51.100.4"),
		postLogin(router, "198.51.100.5"),
		postLogin(router, "198.51.100.4"),
	}
	assert.Equal(t, []int{
		http.StatusUnauthorized, http.StatusUnauthorized,
		http.StatusUnauthorized, http.StatusTooManyRequests,
	}, codes)
}

func postLogin(router http.Handler, realIP string) int {
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"a","password":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", realIP)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRouter_WebhookMounted(t *testing.T) {
	called := false
	webhook := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	router := newTestRouter(webhook)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}
