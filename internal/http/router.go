package http

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oobauth/server/internal/auth"
	"github.com/oobauth/server/internal/http/handlers"
	"github.com/oobauth/server/internal/middleware"
	"github.com/oobauth/server/internal/observability"
	"github.com/oobauth/server/internal/repo"
)

// Deps are the collaborators the router wires into routes
type Deps struct {
	Login    *handlers.LoginHandler
	Status   *handlers.StatusHandler
	Security *handlers.SecurityHandler
	Health   *handlers.HealthHandler

	// Webhook receives Telegram updates; nil unless the bot runs in webhook mode
	Webhook http.Handler

	JWT          *auth.JWTService
	Users        repo.UserRepo
	LoginLimiter middleware.Limiter
	Logger       *observability.Logger

	// TrustedProxies may set the client address through forwarding headers
	TrustedProxies []netip.Prefix
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.TrustedRealIP(d.TrustedProxies))
	r.Use(chimw.Logger)
	r.Use(observability.Recoverer(d.Logger))

	r.Get("/health", d.Health.ServeHTTP)

	if d.Webhook != nil {
		r.Post("/telegram/webhook", d.Webhook.ServeHTTP)
	}

	r.Route("/admin", func(r chi.Router) {
		if d.LoginLimiter != nil {
			r.With(middleware.RateLimitMiddleware(d.LoginLimiter, middleware.LoginKey)).Post("/login", d.Login.HandleLogin)
		} else {
			r.Post("/login", d.Login.HandleLogin)
		}
		r.Post("/logout", d.Login.HandleLogout)

		r.Route("/2fa", func(r chi.Router) {
			r.Get("/status/{code}", d.Status.HandleStatus)
			r.Get("/wait/{code}", d.Status.HandleWait)
			r.Get("/ws/{code}", d.Status.HandleSocket)
			r.Get("/complete/{code}", d.Login.HandleComplete)
		})

		// Protected routes (require a valid admin session)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.JWT, d.Users))
			r.Get("/security/blocks", d.Security.HandleListBlocks)
			r.Post("/security/blocks/{id}/unblock", d.Security.HandleUnblock)
			r.With(middleware.RequireSuperuser).Delete("/security/blocks/{id}", d.Security.HandleDeleteBlock)
			r.Get("/security/profile", d.Security.HandleGetProfile)
			r.Put("/security/profile", d.Security.HandlePutProfile)
			r.Post("/security/profile/test", d.Security.HandleTestBot)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(d.JWT, d.Users))
		r.Get("/me", d.Login.HandleMe)
	})

	return r
}
