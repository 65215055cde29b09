// Package tokens implements the service-token lifecycle: creation,
// validation (the request hot path), rotation with a grace overlap, and
// revocation up to the panic-button emergency revoke. The plaintext secret
// exists only in transit: it is generated here, returned to the caller
// exactly once, and only its hash is ever stored.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
)

// TokenStore is the persistence surface the manager needs. Satisfied by
// *repositories.TokenRepository; tests substitute an in-memory fake.
type TokenStore interface {
	Create(ctx context.Context, token *models.ServiceToken) error
	GetBySecretHash(ctx context.Context, hash string) (*models.ServiceToken, error)
	GetByID(ctx context.Context, id string) (*models.ServiceToken, error)
	List(ctx context.Context) ([]*models.ServiceToken, error)
	RotateSecret(ctx context.Context, id, newHash string, graceUntil *time.Time) error
	Deactivate(ctx context.Context, id string) (bool, error)
	DeactivateAll(ctx context.Context, actor, reason string) (int64, error)
}

// Config carries the manager's operational parameters.
type Config struct {
	// Prefix is prepended to generated secrets so the middleware can
	// recognise the service-token shape without a store round trip.
	Prefix string

	// GracePeriod is how long a pre-rotation secret keeps validating
	// after a rotation, giving dependent clients time to pick up the new
	// secret without an outage.
	GracePeriod time.Duration

	// StoreTimeout bounds every store call on the validation hot path.
	// A store slower than this is treated as unavailable.
	StoreTimeout time.Duration
}

// Manager owns service-token semantics on top of a TokenStore.
type Manager struct {
	store  TokenStore
	hasher *auth.Hasher
	policy *RotationPolicy
	usage  *UsageRecorder
	cfg    Config

	now func() time.Time
}

// NewManager creates a Manager. policy and usage may be nil (no blackout
// enforcement, no usage recording); tests use that to isolate behavior.
func NewManager(store TokenStore, hasher *auth.Hasher, policy *RotationPolicy, usage *UsageRecorder, cfg Config) *Manager {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Manager{
		store:  store,
		hasher: hasher,
		policy: policy,
		usage:  usage,
		cfg:    cfg,
		now:    time.Now,
	}
}

// CreateResult is returned by Create and Rotate. Secret is the only copy of
// the plaintext; callers must deliver it and drop it.
type CreateResult struct {
	Token  *models.ServiceToken
	Secret string
}

// Create mints a new service token. Fails with auth.ErrDuplicateName when an
// active token already uses the name, and rejects unknown permission scopes
// up front so a typo cannot silently grant nothing.
func (m *Manager) Create(ctx context.Context, name string, metadata models.TokenMetadata, expiresAt *time.Time) (*CreateResult, error) {
	if name == "" {
		return nil, errors.New("token name is required")
	}
	if err := auth.ValidateScopes(metadata.Permissions); err != nil {
		return nil, err
	}
	if expiresAt != nil && !expiresAt.After(m.now()) {
		return nil, errors.New("expiration must be in the future")
	}

	secret, err := auth.GenerateSecret(m.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	token := &models.ServiceToken{
		Name:       name,
		SecretHash: m.hasher.Hash(secret),
		Metadata:   metadata,
		ExpiresAt:  expiresAt,
	}
	if err := m.store.Create(ctx, token); err != nil {
		return nil, err
	}

	return &CreateResult{Token: token, Secret: secret}, nil
}

// Validate checks a presented secret and returns the service principal.
//
// This is the hot path: one hash computation plus one indexed lookup. Any
// store failure is reported as auth.ErrStoreUnavailable and the credential
// is rejected — a revocable credential is never accepted when its
// revocation status cannot be checked. Unknown, revoked, and expired
// secrets all collapse to auth.ErrInvalidCredential.
func (m *Manager) Validate(ctx context.Context, secret string) (*auth.Principal, error) {
	start := m.now()
	defer func() {
		telemetry.TokenValidationDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	token, err := m.store.GetBySecretHash(ctx, m.hasher.Hash(secret))
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %v: %w", err, auth.ErrStoreUnavailable)
	}
	if token == nil {
		return nil, fmt.Errorf("unknown secret: %w", auth.ErrInvalidCredential)
	}
	if !token.IsActive {
		return nil, fmt.Errorf("token %s is revoked: %w", token.ID, auth.ErrInvalidCredential)
	}
	if token.Expired(m.now()) {
		return nil, fmt.Errorf("token %s is expired: %w", token.ID, auth.ErrInvalidCredential)
	}

	if m.usage != nil {
		m.usage.Record(token.ID)
	}

	return &auth.Principal{
		Kind:        auth.KindService,
		Identifier:  token.Name,
		Permissions: token.Metadata.Permissions,
	}, nil
}

// Rotate installs a new secret on an active token. The old secret keeps
// validating until graceUntil unless grace is disabled. The token's identity
// (ID, name, permissions) is untouched: rotation changes the credential, not
// the principal. Returns auth.ErrPolicyViolation inside a blackout window.
func (m *Manager) Rotate(ctx context.Context, id string, withGrace bool) (*CreateResult, error) {
	if m.policy != nil && m.policy.InBlackout(m.now()) {
		return nil, fmt.Errorf("rotation blocked by blackout window: %w", auth.ErrPolicyViolation)
	}

	secret, err := auth.GenerateSecret(m.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	var graceUntil *time.Time
	if withGrace && m.cfg.GracePeriod > 0 {
		t := m.now().Add(m.cfg.GracePeriod)
		graceUntil = &t
	}

	if err := m.store.RotateSecret(ctx, id, m.hasher.Hash(secret), graceUntil); err != nil {
		return nil, err
	}

	token, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Token: token, Secret: secret}, nil
}

// Revoke deactivates a token immediately — including any open rotation
// grace window, since the row itself stops validating. Idempotent.
func (m *Manager) Revoke(ctx context.Context, id string) (bool, error) {
	return m.store.Deactivate(ctx, id)
}

// EmergencyRevokeAll deactivates every active token in one shot. The
// corresponding audit event is written by the store in the same transaction
// so exactly one event exists per invocation.
func (m *Manager) EmergencyRevokeAll(ctx context.Context, actor, reason string) (int64, error) {
	return m.store.DeactivateAll(ctx, actor, reason)
}

// Get returns a token by ID, or (nil, nil) when absent.
func (m *Manager) Get(ctx context.Context, id string) (*models.ServiceToken, error) {
	return m.store.GetByID(ctx, id)
}

// List returns all tokens, newest first.
func (m *Manager) List(ctx context.Context) ([]*models.ServiceToken, error) {
	return m.store.List(ctx)
}
