package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/model"
	"github.com/oobauth/server/internal/repo"
)

// AdminCookie holds the admin session token for browser clients
const AdminCookie = "admin_token"

type contextKey string

const (
	userKey   contextKey = "user"
	userIDKey contextKey = "user_id"
)

// tokenFromRequest prefers the Authorization header and falls back to the session cookie
func tokenFromRequest(r *http.Request) (string, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", "invalid authorization header format"
		}
		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			return "", "missing token"
		}
		return tokenString, ""
	}
	if c, err := r.Cookie(AdminCookie); err == nil && c.Value != "" {
		return c.Value, ""
	}
	return "", "missing authorization header"
}

// AuthMiddleware validates the admin session token, loads the user from DB, and attaches it to context
func AuthMiddleware(jwtService *auth.JWTService, userRepo repo.UserRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, problem := tokenFromRequest(r)
			if problem != "" {
				respondWithError(w, http.StatusUnauthorized, problem)
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			user, err := userRepo.GetByID(r.Context(), claims.UserID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "user not found")
				return
			}
			if !user.IsActive {
				respondWithError(w, http.StatusForbidden, "account is disabled")
				return
			}

			ctx := context.WithValue(r.Context(), userKey, &user)
			ctx = context.WithValue(ctx, userIDKey, claims.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSuperuser rejects authenticated users without superuser rights. Use after AuthMiddleware.
func RequireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := GetUser(r.Context())
		if !ok || !user.IsSuperuser {
			respondWithError(w, http.StatusForbidden, "superuser required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUser returns the user attached to the request context (set by AuthMiddleware)
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// WithUser attaches user to ctx the way AuthMiddleware does
func WithUser(ctx context.Context, user *model.User) context.Context {
	ctx = context.WithValue(ctx, userKey, user)
	return context.WithValue(ctx, userIDKey, user.ID)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
