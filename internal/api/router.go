// Package api wires together the HTTP routes of the authentication gateway.
//
// Route grouping philosophy:
//   - /healthz is unauthenticated so load balancers can probe readiness
//     without credentials.
//   - Everything under /v1 requires authentication; the token management
//     endpoints additionally require a management scope. A caller holding
//     only api:read can authenticate but cannot touch credentials.
//
// Middleware order is load-bearing: security headers first so every
// response carries them, rate limiting before authentication so a
// brute-force source is throttled before any store work, request ID before
// authentication so every audit event carries a correlation ID.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/middleware"
)

// Deps carries the constructed collaborators the router wires into routes.
// cmd/server builds these once and owns their lifecycle.
type Deps struct {
	Authenticator *middleware.Authenticator
	FailedAuth    *middleware.FailedAuthLimiter // nil when disabled
	Limiter       *middleware.RateLimiter
	Tokens        TokenService
	Events        EventSource
	Audit         EventRecorder
	DB            Pinger
	Logger        *slog.Logger
}

// NewRouter creates and configures the Gin router.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/healthz", HealthHandler(deps.DB))

	handlers := NewTokenHandlers(deps.Tokens, deps.Events, deps.Audit)

	v1 := router.Group("/v1")
	v1.Use(middleware.RateLimitMiddleware(deps.Limiter))
	v1.Use(middleware.RequestIDMiddleware())
	v1.Use(middleware.MetricsMiddleware())
	if deps.FailedAuth != nil {
		v1.Use(deps.FailedAuth.Middleware())
	}
	v1.Use(deps.Authenticator.Middleware())

	tokens := v1.Group("/tokens")
	{
		tokens.GET("", middleware.RequireAnyScope(auth.ScopeTokensRead, auth.ScopeTokensManage), handlers.ListTokensHandler())
		tokens.POST("", middleware.RequireScope(auth.ScopeTokensManage), handlers.CreateTokenHandler())
		tokens.POST("/:id/rotate", middleware.RequireScope(auth.ScopeTokensManage), handlers.RotateTokenHandler())
		tokens.DELETE("/:id", middleware.RequireScope(auth.ScopeTokensManage), handlers.RevokeTokenHandler())
		tokens.POST("/emergency-revoke", middleware.RequireScope(auth.ScopeAdmin), handlers.EmergencyRevokeHandler())
		tokens.GET("/:id/history", middleware.RequireAnyScope(auth.ScopeAuditRead, auth.ScopeTokensManage), handlers.TokenHistoryHandler())
	}

	return router
}
