package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Authentication event types. The middleware produces login and
// token_validated events (success and failure); the token manager produces
// the token lifecycle events; the background jobs produce rotation and
// expiry_alert events.
const (
	EventLogin              = "login"
	EventTokenValidated     = "token_validated"
	EventTokenCreated       = "token_created"
	EventTokenRotated       = "token_rotated"
	EventTokenRevoked       = "token_revoked"
	EventEmergencyRevokeAll = "emergency_revoke_all"
	EventRotationSkipped    = "rotation_skipped"
	EventExpiryAlert        = "expiry_alert"
)

// ErrorDetail is the structured, non-sensitive failure detail attached to
// failed events. It must never contain a raw credential.
type ErrorDetail map[string]any

// Value implements driver.Valuer.
func (d ErrorDetail) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner.
func (d *ErrorDetail) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	case nil:
		*d = nil
		return nil
	default:
		return fmt.Errorf("unsupported error_detail column type %T", src)
	}
}

// AuthEvent is an immutable audit record of a single authentication or
// credential-lifecycle action. Events are append-only: no update or delete
// path exists anywhere in the codebase.
type AuthEvent struct {
	ID            string      `db:"id" json:"id"`
	Actor         string      `db:"actor" json:"actor"`
	EventType     string      `db:"event_type" json:"event_type"`
	Success       bool        `db:"success" json:"success"`
	SourceIP      string      `db:"source_ip" json:"source_ip,omitempty"`
	UserAgent     string      `db:"user_agent" json:"user_agent,omitempty"`
	Endpoint      string      `db:"endpoint" json:"endpoint,omitempty"`
	CorrelationID *string     `db:"correlation_id" json:"correlation_id,omitempty"`
	ErrorDetail   ErrorDetail `db:"error_detail" json:"error_detail,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
}
