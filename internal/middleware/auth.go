// Package middleware provides Gin HTTP middleware for authentication,
// authorization, rate limiting, security headers, and request telemetry.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RateLimit → RequestID → Metrics → Auth → RequireScope → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth so a brute-force source is cut off before any
// store work. Auth populates the principal; RequireScope reads it.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/auth/assertion"
	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/safego"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
	"github.com/auth-gateway/auth-gateway/internal/tokens"
)

const (
	// PrincipalKey is the gin.Context key carrying the authenticated
	// *auth.Principal after this middleware runs.
	PrincipalKey = "principal"

	// DefaultAssertionHeader carries the upstream-injected identity
	// assertion when no header is configured.
	DefaultAssertionHeader = "X-Identity-Assertion"
)

// EventRecorder queues an authentication event; the audit pipeline persists
// it asynchronously.
type EventRecorder interface {
	Record(event *models.AuthEvent)
}

// SessionUpserter records the latest successful interactive login for a user.
type SessionUpserter interface {
	Upsert(ctx context.Context, userIdentifier string, metadata models.StringMap) error
}

// Authenticator holds the validation backends for both credential kinds.
// Either backend may be nil when the corresponding mode is disabled.
type Authenticator struct {
	Tokens     *tokens.Manager
	Assertions *assertion.Validator
	Sessions   SessionUpserter
	Events     EventRecorder
	Logger     *slog.Logger

	prefix          string
	assertionHeader string
	storeTimeout    time.Duration
}

// NewAuthenticator wires the authentication middleware's collaborators.
func NewAuthenticator(cfg config.AuthConfig, mgr *tokens.Manager, validator *assertion.Validator, sessions SessionUpserter, events EventRecorder, logger *slog.Logger) *Authenticator {
	header := cfg.Assertion.Header
	if header == "" {
		header = DefaultAssertionHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.ServiceTokens.Enabled {
		mgr = nil
	}
	if !cfg.Assertion.Enabled {
		validator = nil
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 2 * time.Second
	}
	return &Authenticator{
		Tokens:          mgr,
		Assertions:      validator,
		Sessions:        sessions,
		Events:          events,
		Logger:          logger,
		prefix:          cfg.ServiceTokens.Prefix,
		assertionHeader: header,
		storeTimeout:    storeTimeout,
	}
}

// Middleware returns the per-request authentication handler. Each request
// moves Unauthenticated → Validating → Authenticated or Rejected, produces
// exactly one authentication event, and on success carries the principal in
// the request context. The failure response is deliberately opaque: every
// rejection reads the same, so a caller cannot distinguish "unknown" from
// "revoked" and enumerate credentials.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, isToken := a.extractCredential(c)
		if credential == "" {
			a.recordFailure(c, models.EventLogin, "missing_credential")
			reject(c)
			return
		}

		if isToken {
			a.authenticateToken(c, credential)
			return
		}
		a.authenticateAssertion(c, credential)
	}
}

// extractCredential pulls the presented credential from the request and
// classifies its shape. A bearer value with the service-token prefix is a
// service secret; anything else (bearer JWT or the dedicated assertion
// header) is treated as an identity assertion.
func (a *Authenticator) extractCredential(c *gin.Context) (credential string, isToken bool) {
	if raw := c.GetHeader(a.assertionHeader); raw != "" {
		return raw, false
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	value := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if value == "" || value == header {
		// Missing or non-bearer scheme.
		return "", false
	}

	if a.prefix != "" && strings.HasPrefix(value, a.prefix) {
		return value, true
	}
	return value, false
}

func (a *Authenticator) authenticateToken(c *gin.Context, secret string) {
	if a.Tokens == nil {
		a.recordFailure(c, models.EventTokenValidated, "service_tokens_disabled")
		telemetry.AuthAttemptsTotal.WithLabelValues("service_token", "invalid").Inc()
		reject(c)
		return
	}

	principal, err := a.Tokens.Validate(c.Request.Context(), secret)
	if err != nil {
		// Fail closed: a store outage and a bad secret both reject,
		// distinguished only in telemetry and the audit trail.
		outcome := "invalid"
		reason := "invalid_credential"
		if errors.Is(err, auth.ErrStoreUnavailable) {
			outcome = "store_unavailable"
			reason = "store_unavailable"
			a.Logger.Warn("service-token validation failed closed", "error", err)
		}
		telemetry.AuthAttemptsTotal.WithLabelValues("service_token", outcome).Inc()
		a.recordFailure(c, models.EventTokenValidated, reason)
		reject(c)
		return
	}

	telemetry.AuthAttemptsTotal.WithLabelValues("service_token", "success").Inc()
	a.recordSuccess(c, models.EventTokenValidated, principal.Identifier)
	c.Set(PrincipalKey, principal)
	c.Next()
}

func (a *Authenticator) authenticateAssertion(c *gin.Context, raw string) {
	if a.Assertions == nil {
		a.recordFailure(c, models.EventLogin, "assertions_disabled")
		telemetry.AuthAttemptsTotal.WithLabelValues("assertion", "invalid").Inc()
		reject(c)
		return
	}

	verified, err := a.Assertions.Validate(c.Request.Context(), raw)
	if err != nil {
		telemetry.AuthAttemptsTotal.WithLabelValues("assertion", "invalid").Inc()
		a.recordFailure(c, models.EventLogin, "invalid_assertion")
		reject(c)
		return
	}

	principal := &auth.Principal{
		Kind:        auth.KindUser,
		Identifier:  verified.UserIdentifier,
		Permissions: verified.Permissions,
	}

	// The assertion was verified statelessly, so a store outage cannot
	// change the decision. The session upsert is fire-and-forget with its
	// own deadline: the response never waits on the session store, and a
	// hung store degrades to a local warning instead of stalling requests.
	if a.Sessions == nil {
		telemetry.AuthAttemptsTotal.WithLabelValues("assertion", "success").Inc()
	} else {
		sessions := a.Sessions
		logger := a.Logger
		user := verified.UserIdentifier
		meta := models.StringMap{"issuer": verified.Issuer}
		safego.GoTimeout(a.storeTimeout, func(ctx context.Context) {
			outcome := "success"
			if err := sessions.Upsert(ctx, user, meta); err != nil {
				outcome = "degraded"
				logger.Warn("session upsert skipped, store unreachable",
					"user", user, "error", err)
			}
			telemetry.AuthAttemptsTotal.WithLabelValues("assertion", outcome).Inc()
		})
	}
	a.recordSuccess(c, models.EventLogin, verified.UserIdentifier)

	c.Set(PrincipalKey, principal)
	c.Next()
}

func (a *Authenticator) recordSuccess(c *gin.Context, eventType, actor string) {
	if a.Events == nil {
		return
	}
	a.Events.Record(a.buildEvent(c, eventType, actor, true, nil))
}

// recordFailure queues the failure event. The error detail is structured and
// non-sensitive: a reason code, never the credential or any fragment of it.
func (a *Authenticator) recordFailure(c *gin.Context, eventType, reason string) {
	if a.Events == nil {
		return
	}
	a.Events.Record(a.buildEvent(c, eventType, "", false, models.ErrorDetail{"reason": reason}))
}

func (a *Authenticator) buildEvent(c *gin.Context, eventType, actor string, success bool, detail models.ErrorDetail) *models.AuthEvent {
	event := &models.AuthEvent{
		Actor:       actor,
		EventType:   eventType,
		Success:     success,
		SourceIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Endpoint:    c.FullPath(),
		ErrorDetail: detail,
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if cid, ok := v.(string); ok && cid != "" {
			event.CorrelationID = &cid
		}
	}
	return event
}

// reject aborts with the uniform opaque failure response.
func reject(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "authentication required",
	})
}

// GetPrincipal returns the authenticated principal attached by Middleware,
// or nil when the request is unauthenticated.
func GetPrincipal(c *gin.Context) *auth.Principal {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return nil
	}
	principal, _ := v.(*auth.Principal)
	return principal
}
