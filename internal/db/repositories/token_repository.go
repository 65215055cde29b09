// token_repository.go implements TokenRepository, providing database queries
// for service-token lookup by secret hash, creation, rotation, revocation,
// usage accounting, and the scans used by the background jobs.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

const tokenColumns = `id, name, secret_hash, previous_secret_hash, previous_secret_expires_at,
	       metadata, expires_at, is_active, usage_count, usage_at_last_rotation,
	       last_used_at, last_rotated_at, created_at`

// TokenRepository handles service-token database operations. It is the only
// component that writes service_tokens rows.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new TokenRepository
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create persists a new service token. Returns auth.ErrDuplicateName when an
// active token with the same name already exists (enforced by a partial
// unique index, so the check is race-free).
func (r *TokenRepository) Create(ctx context.Context, token *models.ServiceToken) error {
	token.ID = uuid.New().String()
	token.CreatedAt = time.Now()
	token.IsActive = true

	query := `
		INSERT INTO service_tokens (id, name, secret_hash, metadata, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		token.ID,
		token.Name,
		token.SecretHash,
		token.Metadata,
		token.ExpiresAt,
		token.IsActive,
		token.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		// Only the active-name index means the caller picked a taken name.
		// Any other unique violation (the secret hash index, say) is an
		// internal collision, not a user error.
		if pqErr.Constraint == "idx_service_tokens_active_name" {
			return fmt.Errorf("token name %q: %w", token.Name, auth.ErrDuplicateName)
		}
		return fmt.Errorf("insert service token: unique violation on %s: %w", pqErr.Constraint, err)
	}

	return err
}

// GetBySecretHash retrieves a token whose current secret hash matches, or
// whose pre-rotation hash matches while the rotation grace window is still
// open. Returns (nil, nil) when no row matches.
func (r *TokenRepository) GetBySecretHash(ctx context.Context, hash string) (*models.ServiceToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM service_tokens
		WHERE secret_hash = $1
		   OR (previous_secret_hash = $1 AND previous_secret_expires_at > NOW())
	`

	token := &models.ServiceToken{}
	err := r.db.GetContext(ctx, token, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetByID retrieves a token by ID. Returns (nil, nil) when absent.
func (r *TokenRepository) GetByID(ctx context.Context, id string) (*models.ServiceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM service_tokens WHERE id = $1`

	token := &models.ServiceToken{}
	err := r.db.GetContext(ctx, token, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetActiveByName retrieves the active token with the given name.
// Returns (nil, nil) when absent.
func (r *TokenRepository) GetActiveByName(ctx context.Context, name string) (*models.ServiceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM service_tokens WHERE name = $1 AND is_active`

	token := &models.ServiceToken{}
	err := r.db.GetContext(ctx, token, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// List retrieves all tokens, newest first.
func (r *TokenRepository) List(ctx context.Context) ([]*models.ServiceToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM service_tokens ORDER BY created_at DESC`

	tokens := make([]*models.ServiceToken, 0)
	if err := r.db.SelectContext(ctx, &tokens, query); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RotateSecret atomically installs a new secret hash on an active token,
// moving the current hash into the grace slot. A nil graceUntil closes the
// window immediately (the old secret stops validating at once). The single
// UPDATE makes rotation safe to retry after a crash: either the row carries
// the new hash or it doesn't, never a half-rotated state.
func (r *TokenRepository) RotateSecret(ctx context.Context, id, newHash string, graceUntil *time.Time) error {
	query := `
		UPDATE service_tokens
		SET previous_secret_hash = CASE WHEN $3::timestamptz IS NULL THEN NULL ELSE secret_hash END,
		    previous_secret_expires_at = $3,
		    secret_hash = $2,
		    last_rotated_at = NOW(),
		    usage_at_last_rotation = usage_count
		WHERE id = $1 AND is_active
	`

	res, err := r.db.ExecContext(ctx, query, id, newHash, graceUntil)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("token %s: %w", id, ErrTokenNotFound)
	}
	return nil
}

// ErrTokenNotFound is returned by mutations targeting a missing or inactive token.
var ErrTokenNotFound = errors.New("active token not found")

// Deactivate revokes a token by clearing is_active. Idempotent: revoking an
// already-revoked token reports changed=false with no error. Rows are never
// deleted so the audit history stays intact.
func (r *TokenRepository) Deactivate(ctx context.Context, id string) (changed bool, err error) {
	query := `UPDATE service_tokens SET is_active = FALSE WHERE id = $1 AND is_active`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeactivateAll revokes every active token and writes the single
// emergency_revoke_all audit event in the same transaction, so the event
// count can never disagree with the revocation having happened.
func (r *TokenRepository) DeactivateAll(ctx context.Context, actor, reason string) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE service_tokens SET is_active = FALSE WHERE is_active`)
	if err != nil {
		return 0, err
	}
	revoked, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	event := `
		INSERT INTO auth_events (id, actor, event_type, success, error_detail, created_at)
		VALUES ($1, $2, $3, TRUE, $4, NOW())
	`
	detail := models.ErrorDetail{"reason": reason, "tokens_revoked": revoked}
	if _, err := tx.ExecContext(ctx, event, uuid.New().String(), actor, models.EventEmergencyRevokeAll, detail); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return revoked, nil
}

// AddUsage applies a batch of deferred usage-count increments. Increments
// need not be ordered across concurrent validations; usage_count is an
// analytics signal, not a security gate.
func (r *TokenRepository) AddUsage(ctx context.Context, counts map[string]int64) error {
	query := `
		UPDATE service_tokens
		SET usage_count = usage_count + $2, last_used_at = NOW()
		WHERE id = $1
	`

	for id, n := range counts {
		if _, err := r.db.ExecContext(ctx, query, id, n); err != nil {
			return err
		}
	}
	return nil
}

// FindRotationCandidates returns active tokens that match the rotation
// policy: older than maxAge since creation (or last rotation), or with at
// least usageThreshold validations since the last rotation. A non-positive
// policy term is ignored.
func (r *TokenRepository) FindRotationCandidates(ctx context.Context, maxAge time.Duration, usageThreshold int64) ([]*models.ServiceToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM service_tokens
		WHERE is_active
		  AND (
		        ($1::interval IS NOT NULL AND COALESCE(last_rotated_at, created_at) < NOW() - $1::interval)
		     OR ($2 > 0 AND usage_count - usage_at_last_rotation >= $2)
		  )
		ORDER BY created_at ASC
	`

	var ageArg *string
	if maxAge > 0 {
		s := fmt.Sprintf("%d seconds", int64(maxAge.Seconds()))
		ageArg = &s
	}

	tokens := make([]*models.ServiceToken, 0)
	if err := r.db.SelectContext(ctx, &tokens, query, ageArg, usageThreshold); err != nil {
		return nil, err
	}
	return tokens, nil
}

// FindExpiringWithin returns active tokens whose expires_at falls between
// now and now+window, soonest first.
func (r *TokenRepository) FindExpiringWithin(ctx context.Context, window time.Duration) ([]*models.ServiceToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM service_tokens
		WHERE is_active
		  AND expires_at IS NOT NULL
		  AND expires_at > NOW()
		  AND expires_at <= $1
		ORDER BY expires_at ASC
	`

	tokens := make([]*models.ServiceToken, 0)
	if err := r.db.SelectContext(ctx, &tokens, query, time.Now().Add(window)); err != nil {
		return nil, err
	}
	return tokens, nil
}
