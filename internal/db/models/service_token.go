// Package models defines the database model types for the authentication
// gateway. Each type corresponds to a database table and uses struct tags for
// both JSON serialization and sqlx row scanning. Models are pure data types —
// business logic belongs in the token manager, query logic in the
// repositories layer.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TokenMetadata is the schema-validated open map stored in the token's
// metadata column. Permissions are first-class so scope checks stay
// compiler-checkable; anything else goes into Tags.
type TokenMetadata struct {
	Permissions []string          `json:"permissions"`
	Owner       string            `json:"owner,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Value implements driver.Valuer so TokenMetadata persists as JSONB.
func (m TokenMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB round-trips.
func (m *TokenMetadata) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = TokenMetadata{}
		return nil
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
}

// ServiceToken represents a long-lived credential for non-interactive callers.
//
// The raw secret is never stored; SecretHash is a deterministic keyed hash
// used for indexed lookup. During a rotation grace window the pre-rotation
// hash lives in PreviousSecretHash and keeps validating until
// PreviousSecretExpiresAt, after which only the current hash matches.
type ServiceToken struct {
	ID                      string        `db:"id" json:"id"`
	Name                    string        `db:"name" json:"name"`
	SecretHash              string        `db:"secret_hash" json:"-"`
	PreviousSecretHash      *string       `db:"previous_secret_hash" json:"-"`
	PreviousSecretExpiresAt *time.Time    `db:"previous_secret_expires_at" json:"-"`
	Metadata                TokenMetadata `db:"metadata" json:"metadata"`
	ExpiresAt               *time.Time    `db:"expires_at" json:"expires_at,omitempty"`
	IsActive                bool          `db:"is_active" json:"is_active"`
	UsageCount              int64         `db:"usage_count" json:"usage_count"`
	UsageAtLastRotation     int64         `db:"usage_at_last_rotation" json:"-"`
	LastUsedAt              *time.Time    `db:"last_used_at" json:"last_used_at,omitempty"`
	LastRotatedAt           *time.Time    `db:"last_rotated_at" json:"last_rotated_at,omitempty"`
	CreatedAt               time.Time     `db:"created_at" json:"created_at"`
}

// Expired reports whether the token's absolute expiry has passed.
// A token with no expiry never expires automatically.
func (t *ServiceToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// UsageSinceRotation returns the validation count accumulated since the last
// rotation (or since creation if the token was never rotated).
func (t *ServiceToken) UsageSinceRotation() int64 {
	return t.UsageCount - t.UsageAtLastRotation
}
