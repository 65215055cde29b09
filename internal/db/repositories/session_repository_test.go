package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var sessionCols = []string{
	"session_id", "user_identifier", "first_seen_at", "last_seen_at", "preferences", "metadata",
}

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func sampleSessionRow() *sqlmock.Rows {
	return sqlmock.NewRows(sessionCols).
		AddRow("sess-1", "alice@example.com", time.Now().Add(-time.Hour), time.Now(),
			[]byte(`{"theme":"dark"}`), []byte(`{"issuer":"https://idp.example.com"}`))
}

func newSessionRepo(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSessionRepository(sqlx.NewDb(db, "sqlmock")), mock
}

// ---------------------------------------------------------------------------
// Upsert
// ---------------------------------------------------------------------------

func TestSessionUpsert_Success(t *testing.T) {
	repo, mock := newSessionRepo(t)
	mock.ExpectExec("INSERT INTO user_sessions.*ON CONFLICT").
		WillReturnResult(sqlmock.NewResult(1, 1))

	meta := models.StringMap{"issuer": "https://idp.example.com"}
	if err := repo.Upsert(context.Background(), "alice@example.com", meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionUpsert_DBError(t *testing.T) {
	repo, mock := newSessionRepo(t)
	mock.ExpectExec("INSERT INTO user_sessions").
		WillReturnError(errDB)

	if err := repo.Upsert(context.Background(), "alice@example.com", nil); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetByUserIdentifier
// ---------------------------------------------------------------------------

func TestGetSessionByUserIdentifier_Found(t *testing.T) {
	repo, mock := newSessionRepo(t)
	mock.ExpectQuery("SELECT.*FROM user_sessions.*WHERE user_identifier").
		WithArgs("alice@example.com").
		WillReturnRows(sampleSessionRow())

	session, err := repo.GetByUserIdentifier(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session == nil {
		t.Fatal("expected session, got nil")
	}
	if session.Preferences["theme"] != "dark" {
		t.Errorf("Preferences[theme] = %s, want dark", session.Preferences["theme"])
	}
}

func TestGetSessionByUserIdentifier_NotFound(t *testing.T) {
	repo, mock := newSessionRepo(t)
	mock.ExpectQuery("SELECT.*FROM user_sessions.*WHERE user_identifier").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	session, err := repo.GetByUserIdentifier(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session != nil {
		t.Error("expected nil, got non-nil")
	}
}

// ---------------------------------------------------------------------------
// UpdatePreferences
// ---------------------------------------------------------------------------

func TestUpdatePreferences_Success(t *testing.T) {
	repo, mock := newSessionRepo(t)
	mock.ExpectExec("UPDATE user_sessions SET preferences").
		WillReturnResult(sqlmock.NewResult(0, 1))

	prefs := models.StringMap{"theme": "light"}
	if err := repo.UpdatePreferences(context.Background(), "alice@example.com", prefs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
