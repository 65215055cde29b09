package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StringMap is an open string-to-string map stored as JSONB.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = nil
		return nil
	default:
		return fmt.Errorf("unsupported map column type %T", src)
	}
}

// UserSession tracks an interactive identity across requests. It is an
// analytics/optimization record refreshed on each validated assertion — the
// assertion itself is always the source of authentication truth, and a
// missing or stale session never blocks authentication.
type UserSession struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	UserIdentifier string    `db:"user_identifier" json:"user_identifier"`
	FirstSeenAt    time.Time `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time `db:"last_seen_at" json:"last_seen_at"`
	Preferences    StringMap `db:"preferences" json:"preferences,omitempty"`
	Metadata       StringMap `db:"metadata" json:"metadata,omitempty"`
}
