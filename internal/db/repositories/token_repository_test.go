package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var tokenCols = []string{
	"id", "name", "secret_hash", "previous_secret_hash", "previous_secret_expires_at",
	"metadata", "expires_at", "is_active", "usage_count", "usage_at_last_rotation",
	"last_used_at", "last_rotated_at", "created_at",
}

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

var sampleMetadata = []byte(`{"permissions":["api:read"],"owner":"platform","tags":null}`)

func sampleTokenRow() *sqlmock.Rows {
	return sqlmock.NewRows(tokenCols).
		AddRow("tok-1", "ci-deploy", "currenthash", nil, nil,
			sampleMetadata, nil, true, int64(42), int64(0), nil, nil, time.Now())
}

func emptyTokenRow() *sqlmock.Rows {
	return sqlmock.NewRows(tokenCols)
}

func newTokenRepo(t *testing.T) (*TokenRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTokenRepository(sqlx.NewDb(db, "sqlmock")), mock
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreateToken_Success(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("INSERT INTO service_tokens").
		WillReturnResult(sqlmock.NewResult(1, 1))

	token := &models.ServiceToken{
		Name:       "ci-deploy",
		SecretHash: "hash",
		Metadata:   models.TokenMetadata{Permissions: []string{"api:read"}},
	}
	if err := repo.Create(context.Background(), token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.ID == "" {
		t.Error("Create did not assign an ID")
	}
	if !token.IsActive {
		t.Error("Create did not mark the token active")
	}
}

func TestCreateToken_DuplicateName(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("INSERT INTO service_tokens").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_service_tokens_active_name"})

	token := &models.ServiceToken{Name: "ci-deploy", SecretHash: "hash"}
	err := repo.Create(context.Background(), token)
	if !errors.Is(err, auth.ErrDuplicateName) {
		t.Errorf("error = %v, want ErrDuplicateName", err)
	}
}

func TestCreateToken_SecretHashCollisionIsNotDuplicateName(t *testing.T) {
	// A unique violation on the secret hash index is an internal collision,
	// not a name conflict the caller can act on.
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("INSERT INTO service_tokens").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "idx_service_tokens_secret_hash"})

	token := &models.ServiceToken{Name: "ci-deploy", SecretHash: "hash"}
	err := repo.Create(context.Background(), token)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, auth.ErrDuplicateName) {
		t.Errorf("error = %v, must not be ErrDuplicateName", err)
	}
}

func TestCreateToken_DBError(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("INSERT INTO service_tokens").
		WillReturnError(errDB)

	token := &models.ServiceToken{Name: "ci-deploy", SecretHash: "hash"}
	if err := repo.Create(context.Background(), token); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetBySecretHash
// ---------------------------------------------------------------------------

func TestGetBySecretHash_Found(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE secret_hash").
		WithArgs("currenthash").
		WillReturnRows(sampleTokenRow())

	token, err := repo.GetBySecretHash(context.Background(), "currenthash")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == nil {
		t.Fatal("expected token, got nil")
	}
	if token.Name != "ci-deploy" {
		t.Errorf("Name = %s, want ci-deploy", token.Name)
	}
	if len(token.Metadata.Permissions) != 1 {
		t.Errorf("len(Permissions) = %d, want 1", len(token.Metadata.Permissions))
	}
}

func TestGetBySecretHash_NotFound(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE secret_hash").
		WillReturnRows(emptyTokenRow())

	token, err := repo.GetBySecretHash(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != nil {
		t.Error("expected nil, got non-nil")
	}
}

func TestGetBySecretHash_DBError(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE secret_hash").
		WillReturnError(errDB)

	if _, err := repo.GetBySecretHash(context.Background(), "anyhash"); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetByID / GetActiveByName
// ---------------------------------------------------------------------------

func TestGetTokenByID_Found(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE id").
		WithArgs("tok-1").
		WillReturnRows(sampleTokenRow())

	token, err := repo.GetByID(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == nil {
		t.Fatal("expected token, got nil")
	}
}

func TestGetTokenByID_NotFound(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE id").
		WillReturnRows(emptyTokenRow())

	token, err := repo.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != nil {
		t.Error("expected nil, got non-nil")
	}
}

func TestGetActiveByName_Found(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE name").
		WithArgs("ci-deploy").
		WillReturnRows(sampleTokenRow())

	token, err := repo.GetActiveByName(context.Background(), "ci-deploy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == nil {
		t.Fatal("expected token, got nil")
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestListTokens_Success(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*ORDER BY created_at").
		WillReturnRows(sampleTokenRow())

	tokens, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 1 {
		t.Errorf("len(tokens) = %d, want 1", len(tokens))
	}
}

func TestListTokens_Empty(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens").
		WillReturnRows(emptyTokenRow())

	tokens, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("len(tokens) = %d, want 0", len(tokens))
	}
}

// ---------------------------------------------------------------------------
// RotateSecret
// ---------------------------------------------------------------------------

func TestRotateSecret_Success(t *testing.T) {
	repo, mock := newTokenRepo(t)
	graceUntil := time.Now().Add(time.Hour)
	mock.ExpectExec("UPDATE service_tokens.*SET previous_secret_hash").
		WithArgs("tok-1", "newhash", graceUntil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RotateSecret(context.Background(), "tok-1", "newhash", &graceUntil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRotateSecret_NoGrace(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("UPDATE service_tokens.*SET previous_secret_hash").
		WithArgs("tok-1", "newhash", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.RotateSecret(context.Background(), "tok-1", "newhash", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRotateSecret_NotFound(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("UPDATE service_tokens.*SET previous_secret_hash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RotateSecret(context.Background(), "missing", "newhash", nil)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("error = %v, want ErrTokenNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Deactivate / DeactivateAll
// ---------------------------------------------------------------------------

func TestDeactivate_Changed(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("UPDATE service_tokens SET is_active = FALSE WHERE id").
		WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := repo.Deactivate(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("expected changed=true")
	}
}

func TestDeactivate_AlreadyRevoked(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("UPDATE service_tokens SET is_active = FALSE WHERE id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Deactivate(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected changed=false for already-revoked token")
	}
}

func TestDeactivateAll_Success(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE service_tokens SET is_active = FALSE WHERE is_active").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec("INSERT INTO auth_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	revoked, err := repo.DeactivateAll(context.Background(), "admin@example.com", "credential leak")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revoked != 7 {
		t.Errorf("revoked = %d, want 7", revoked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeactivateAll_EventWriteFails(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE service_tokens SET is_active = FALSE WHERE is_active").
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec("INSERT INTO auth_events").
		WillReturnError(errDB)
	mock.ExpectRollback()

	if _, err := repo.DeactivateAll(context.Background(), "admin@example.com", "drill"); err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// AddUsage
// ---------------------------------------------------------------------------

func TestAddUsage_Success(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectExec("UPDATE service_tokens.*SET usage_count = usage_count").
		WithArgs("tok-1", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AddUsage(context.Background(), map[string]int64{"tok-1": 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// FindRotationCandidates / FindExpiringWithin
// ---------------------------------------------------------------------------

func TestFindRotationCandidates_Success(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*WHERE is_active").
		WillReturnRows(sampleTokenRow())

	tokens, err := repo.FindRotationCandidates(context.Background(), 90*24*time.Hour, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 1 {
		t.Errorf("len(tokens) = %d, want 1", len(tokens))
	}
}

func TestFindExpiringWithin_Empty(t *testing.T) {
	repo, mock := newTokenRepo(t)
	mock.ExpectQuery("SELECT.*FROM service_tokens.*expires_at").
		WillReturnRows(emptyTokenRow())

	tokens, err := repo.FindExpiringWithin(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tokens) != 0 {
		t.Errorf("len(tokens) = %d, want 0", len(tokens))
	}
}
