// tokens.go implements the service-token management endpoints. These are the
// only handlers in the system that ever return a plaintext secret, and each
// returns it exactly once: the create and rotate responses. Every mutation
// here also queues an audit event naming the administrator who performed it.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/db/repositories"
	"github.com/auth-gateway/auth-gateway/internal/middleware"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
	"github.com/auth-gateway/auth-gateway/internal/tokens"
)

// TokenService is the credential-lifecycle surface the handlers drive;
// satisfied by *tokens.Manager.
type TokenService interface {
	Create(ctx context.Context, name string, metadata models.TokenMetadata, expiresAt *time.Time) (*tokens.CreateResult, error)
	Rotate(ctx context.Context, id string, withGrace bool) (*tokens.CreateResult, error)
	Revoke(ctx context.Context, id string) (bool, error)
	EmergencyRevokeAll(ctx context.Context, actor, reason string) (int64, error)
	Get(ctx context.Context, id string) (*models.ServiceToken, error)
	List(ctx context.Context) ([]*models.ServiceToken, error)
}

// EventSource reads the audit trail for the history endpoint.
type EventSource interface {
	ListByActor(ctx context.Context, actor string, limit int) ([]*models.AuthEvent, error)
}

// EventRecorder queues management audit events for asynchronous persistence.
type EventRecorder interface {
	Record(event *models.AuthEvent)
}

// TokenHandlers handles token management endpoints.
type TokenHandlers struct {
	service TokenService
	events  EventSource
	audit   EventRecorder
}

// NewTokenHandlers creates a new TokenHandlers instance.
func NewTokenHandlers(service TokenService, events EventSource, audit EventRecorder) *TokenHandlers {
	return &TokenHandlers{service: service, events: events, audit: audit}
}

// CreateTokenRequest is the body for POST /v1/tokens.
type CreateTokenRequest struct {
	Name        string            `json:"name" binding:"required"`
	Permissions []string          `json:"permissions" binding:"required"`
	Owner       string            `json:"owner"`
	Tags        map[string]string `json:"tags"`
	ExpiresAt   *time.Time        `json:"expires_at"`
}

// SecretResponse is returned by create and rotate. Secret appears here and
// nowhere else.
type SecretResponse struct {
	Token  *models.ServiceToken `json:"token"`
	Secret string               `json:"secret"`
}

// CreateTokenHandler mints a new service token.
// POST /v1/tokens
func (h *TokenHandlers) CreateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}

		res, err := h.service.Create(c.Request.Context(), req.Name, models.TokenMetadata{
			Permissions: req.Permissions,
			Owner:       req.Owner,
			Tags:        req.Tags,
		}, req.ExpiresAt)
		if err != nil {
			if errors.Is(err, auth.ErrDuplicateName) {
				c.JSON(http.StatusConflict, gin.H{"error": "an active token with this name already exists"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		h.recordManagementEvent(c, models.EventTokenCreated, true, models.ErrorDetail{
			"token_name": req.Name,
			"token_id":   res.Token.ID,
		})
		c.JSON(http.StatusCreated, SecretResponse{Token: res.Token, Secret: res.Secret})
	}
}

// RotateTokenHandler installs a new secret on a token, optionally without
// the grace window (?grace=false).
// POST /v1/tokens/:id/rotate
func (h *TokenHandlers) RotateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		withGrace := c.DefaultQuery("grace", "true") != "false"

		res, err := h.service.Rotate(c.Request.Context(), id, withGrace)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrPolicyViolation):
				c.JSON(http.StatusConflict, gin.H{"error": "rotation is blocked by a blackout window"})
			case errors.Is(err, repositories.ErrTokenNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
			}
			return
		}

		telemetry.TokensRotatedTotal.WithLabelValues("manual").Inc()
		h.recordManagementEvent(c, models.EventTokenRotated, true, models.ErrorDetail{
			"token_id": id,
			"trigger":  "manual",
			"grace":    withGrace,
		})
		c.JSON(http.StatusOK, SecretResponse{Token: res.Token, Secret: res.Secret})
	}
}

// RevokeTokenHandler deactivates a token. Idempotent: revoking an already
// revoked token succeeds without a second audit event.
// DELETE /v1/tokens/:id
func (h *TokenHandlers) RevokeTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		changed, err := h.service.Revoke(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation failed"})
			return
		}
		if changed {
			h.recordManagementEvent(c, models.EventTokenRevoked, true, models.ErrorDetail{
				"token_id": id,
			})
		}
		c.Status(http.StatusNoContent)
	}
}

// ListTokensHandler returns all tokens, newest first. Secret hashes never
// serialise (json:"-" on the model).
// GET /v1/tokens
func (h *TokenHandlers) ListTokensHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing tokens failed"})
			return
		}
		if list == nil {
			list = []*models.ServiceToken{}
		}
		c.JSON(http.StatusOK, gin.H{"tokens": list, "count": len(list)})
	}
}

// EmergencyRevokeRequest is the body for POST /v1/tokens/emergency-revoke.
type EmergencyRevokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// EmergencyRevokeHandler deactivates every active token in one transaction.
// The audit event is written by the store inside that same transaction, so
// no event is queued here.
// POST /v1/tokens/emergency-revoke
func (h *TokenHandlers) EmergencyRevokeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req EmergencyRevokeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a reason is required"})
			return
		}

		actor := "unknown"
		if p := middleware.GetPrincipal(c); p != nil {
			actor = p.Identifier
		}

		revoked, err := h.service.EmergencyRevokeAll(c.Request.Context(), actor, req.Reason)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "emergency revocation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revoked": revoked})
	}
}

// TokenHistoryHandler returns the audit events attributed to a token.
// GET /v1/tokens/:id/history
func (h *TokenHandlers) TokenHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")

		token, err := h.service.Get(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
			return
		}
		if token == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}

		events, err := h.events.ListByActor(c.Request.Context(), token.Name, 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
			return
		}
		if events == nil {
			events = []*models.AuthEvent{}
		}
		c.JSON(http.StatusOK, gin.H{
			"token_id": token.ID,
			"name":     token.Name,
			"events":   events,
		})
	}
}

// recordManagementEvent queues an audit event attributed to the calling
// administrator.
func (h *TokenHandlers) recordManagementEvent(c *gin.Context, eventType string, success bool, detail models.ErrorDetail) {
	if h.audit == nil {
		return
	}
	actor := "unknown"
	if p := middleware.GetPrincipal(c); p != nil {
		actor = p.Identifier
	}
	event := &models.AuthEvent{
		Actor:       actor,
		EventType:   eventType,
		Success:     success,
		SourceIP:    c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		Endpoint:    c.FullPath(),
		ErrorDetail: detail,
	}
	if v, ok := c.Get(middleware.RequestIDKey); ok {
		if cid, ok := v.(string); ok && cid != "" {
			event.CorrelationID = &cid
		}
	}
	h.audit.Record(event)
}
