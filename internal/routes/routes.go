package routes

import (
	"github.com/BradenHooton/totpguard/internal/auth"
	"github.com/BradenHooton/totpguard/internal/handlers"
	"github.com/BradenHooton/totpguard/internal/middleware"
	pkghttp "github.com/BradenHooton/totpguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// RateLimits groups the per-minute limits applied to code-checking endpoints
type RateLimits struct {
	PerIP        middleware.RateLimitConfig
	PerPrincipal middleware.RateLimitConfig
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	twoFactorHandler *handlers.TwoFactorHandler,
	healthHandler *handlers.HealthHandler,
	tokenManager *auth.TokenManager,
	limits RateLimits,
	ipConfig *pkghttp.IPConfig,
) {
	router.Get("/health", healthHandler.Health)

	router.Route("/api/v1/2fa", func(r chi.Router) {
		r.Use(auth.AuthMiddleware(tokenManager))

		r.Post("/enroll", twoFactorHandler.Enroll)
		r.Get("/status", twoFactorHandler.Status)

		// Every endpoint that checks a code is limited
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(limits.PerIP, ipConfig))
			r.Use(middleware.RateLimitByPrincipal(limits.PerPrincipal, ipConfig))

			r.Post("/confirm", twoFactorHandler.Confirm)
			r.Post("/verify", twoFactorHandler.Verify)
			r.Post("/recovery-codes", twoFactorHandler.RegenerateRecoveryCodes)
			r.Delete("/", twoFactorHandler.Disable)
		})
	})
}
