// session_repository.go implements SessionRepository. User sessions are an
// optimization record keyed by user identifier; the upsert path is the whole
// write surface.
package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

// SessionRepository handles user-session database operations
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Upsert creates the session row on a user's first validated assertion and
// refreshes last_seen_at on every subsequent one.
func (r *SessionRepository) Upsert(ctx context.Context, userIdentifier string, metadata models.StringMap) error {
	query := `
		INSERT INTO user_sessions (session_id, user_identifier, first_seen_at, last_seen_at, metadata)
		VALUES ($1, $2, NOW(), NOW(), $3)
		ON CONFLICT (user_identifier)
		DO UPDATE SET last_seen_at = NOW(), metadata = EXCLUDED.metadata
	`

	_, err := r.db.ExecContext(ctx, query, uuid.New().String(), userIdentifier, metadata)
	return err
}

// GetByUserIdentifier retrieves the session for a user. Returns (nil, nil)
// when the user has no session yet.
func (r *SessionRepository) GetByUserIdentifier(ctx context.Context, userIdentifier string) (*models.UserSession, error) {
	query := `
		SELECT session_id, user_identifier, first_seen_at, last_seen_at, preferences, metadata
		FROM user_sessions
		WHERE user_identifier = $1
	`

	session := &models.UserSession{}
	err := r.db.GetContext(ctx, session, query, userIdentifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdatePreferences replaces the stored preference map for a user.
func (r *SessionRepository) UpdatePreferences(ctx context.Context, userIdentifier string, prefs models.StringMap) error {
	query := `UPDATE user_sessions SET preferences = $2 WHERE user_identifier = $1`
	_, err := r.db.ExecContext(ctx, query, userIdentifier, prefs)
	return err
}
