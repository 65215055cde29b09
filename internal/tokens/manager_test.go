package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/db/models"
)

// ---------------------------------------------------------------------------
// In-memory store fake
// ---------------------------------------------------------------------------

// fakeStore mimics the repository against a map, including grace-window
// lookup semantics and the partial-unique-index behavior on name.
type fakeStore struct {
	mu     sync.Mutex
	tokens map[string]*models.ServiceToken
	events []string
	nextID int

	// failAll simulates a store outage: every call errors.
	failAll bool
}

var errStoreDown = errors.New("connection refused")

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]*models.ServiceToken)}
}

func (s *fakeStore) Create(ctx context.Context, token *models.ServiceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errStoreDown
	}
	for _, existing := range s.tokens {
		if existing.Name == token.Name && existing.IsActive {
			return fmt.Errorf("token name %q: %w", token.Name, auth.ErrDuplicateName)
		}
	}
	s.nextID++
	token.ID = fmt.Sprintf("tok-%d", s.nextID)
	token.IsActive = true
	token.CreatedAt = time.Now()
	s.tokens[token.ID] = token
	return nil
}

func (s *fakeStore) GetBySecretHash(ctx context.Context, hash string) (*models.ServiceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	for _, t := range s.tokens {
		if t.SecretHash == hash {
			cp := *t
			return &cp, nil
		}
		if t.PreviousSecretHash != nil && *t.PreviousSecretHash == hash &&
			t.PreviousSecretExpiresAt != nil && t.PreviousSecretExpiresAt.After(time.Now()) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*models.ServiceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) List(ctx context.Context) ([]*models.ServiceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	out := make([]*models.ServiceToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) RotateSecret(ctx context.Context, id, newHash string, graceUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errStoreDown
	}
	t, ok := s.tokens[id]
	if !ok || !t.IsActive {
		return errors.New("active token not found")
	}
	if graceUntil != nil {
		old := t.SecretHash
		t.PreviousSecretHash = &old
		t.PreviousSecretExpiresAt = graceUntil
	} else {
		t.PreviousSecretHash = nil
		t.PreviousSecretExpiresAt = nil
	}
	t.SecretHash = newHash
	now := time.Now()
	t.LastRotatedAt = &now
	t.UsageAtLastRotation = t.UsageCount
	return nil
}

func (s *fakeStore) Deactivate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return false, errStoreDown
	}
	t, ok := s.tokens[id]
	if !ok || !t.IsActive {
		return false, nil
	}
	t.IsActive = false
	return true, nil
}

func (s *fakeStore) DeactivateAll(ctx context.Context, actor, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, errStoreDown
	}
	var n int64
	for _, t := range s.tokens {
		if t.IsActive {
			t.IsActive = false
			n++
		}
	}
	s.events = append(s.events, models.EventEmergencyRevokeAll)
	return n, nil
}

func newTestManager(store TokenStore) *Manager {
	hasher, _ := auth.NewHasher("", "")
	return NewManager(store, hasher, nil, nil, Config{
		Prefix:      "agw_",
		GracePeriod: time.Hour,
	})
}

// ---------------------------------------------------------------------------
// Create / Validate round trip
// ---------------------------------------------------------------------------

func TestCreateValidate_RoundTrip(t *testing.T) {
	m := newTestManager(newFakeStore())

	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{Permissions: []string{"api:read"}}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(created.Secret, "agw_") {
		t.Errorf("secret %q missing prefix", created.Secret)
	}
	if created.Token.SecretHash == created.Secret {
		t.Error("token stores the plaintext secret")
	}

	principal, err := m.Validate(t.Context(), created.Secret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if principal.Kind != auth.KindService {
		t.Errorf("Kind = %s, want service", principal.Kind)
	}
	if principal.Identifier != "ci-deploy" {
		t.Errorf("Identifier = %s, want ci-deploy", principal.Identifier)
	}
	if !principal.HasPermission(auth.ScopeAPIRead) {
		t.Error("principal lost its permission")
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	m := newTestManager(newFakeStore())

	if _, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if !errors.Is(err, auth.ErrDuplicateName) {
		t.Errorf("error = %v, want ErrDuplicateName", err)
	}
}

func TestCreate_RejectsUnknownScope(t *testing.T) {
	m := newTestManager(newFakeStore())
	_, err := m.Create(t.Context(), "bad", models.TokenMetadata{Permissions: []string{"nonsense"}}, nil)
	if err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestCreate_RejectsPastExpiry(t *testing.T) {
	m := newTestManager(newFakeStore())
	past := time.Now().Add(-time.Hour)
	if _, err := m.Create(t.Context(), "old", models.TokenMetadata{}, &past); err == nil {
		t.Error("expected error for past expiration")
	}
}

// ---------------------------------------------------------------------------
// Validate failure modes
// ---------------------------------------------------------------------------

func TestValidate_UnknownSecret(t *testing.T) {
	m := newTestManager(newFakeStore())
	_, err := m.Validate(t.Context(), "agw_never-issued")
	if !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("error = %v, want ErrInvalidCredential", err)
	}
}

func TestValidate_RevocationIsAbsolute(t *testing.T) {
	m := newTestManager(newFakeStore())
	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	changed, err := m.Revoke(t.Context(), created.Token.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !changed {
		t.Error("Revoke reported no change for an active token")
	}

	if _, err := m.Validate(t.Context(), created.Secret); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("revoked secret validated: %v", err)
	}

	// Idempotent: revoking again is not an error.
	changed, err = m.Revoke(t.Context(), created.Token.ID)
	if err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if changed {
		t.Error("second Revoke reported a change")
	}
}

func TestValidate_RevokeWinsAgainstConcurrentValidation(t *testing.T) {
	// Validators hammering the secret while the revocation lands: any
	// validation that starts after Revoke has returned must fail.
	m := newTestManager(newFakeStore())
	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var revoked atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				wasRevoked := revoked.Load()
				_, err := m.Validate(context.Background(), created.Secret)
				if wasRevoked && err == nil {
					t.Error("secret validated after Revoke returned")
					return
				}
			}
		}()
	}

	changed, err := m.Revoke(t.Context(), created.Token.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !changed {
		t.Error("Revoke reported no change for an active token")
	}
	revoked.Store(true)
	wg.Wait()

	if _, err := m.Validate(t.Context(), created.Secret); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("revoked secret validated: %v", err)
	}
}

func TestValidate_ExpiredToken(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	soon := time.Now().Add(50 * time.Millisecond)
	created, err := m.Create(t.Context(), "short-lived", models.TokenMetadata{}, &soon)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Move the manager clock past the expiry instead of sleeping.
	m.now = func() time.Time { return soon.Add(time.Minute) }
	if _, err := m.Validate(t.Context(), created.Secret); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("expired secret validated: %v", err)
	}
}

func TestValidate_FailsClosedOnStoreOutage(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)
	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	store.failAll = true
	_, err = m.Validate(t.Context(), created.Secret)
	if !errors.Is(err, auth.ErrStoreUnavailable) {
		t.Errorf("error = %v, want ErrStoreUnavailable", err)
	}
	if errors.Is(err, auth.ErrInvalidCredential) {
		t.Error("outage must not be reported as an invalid credential")
	}
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

func TestRotate_PreservesIdentityWithGrace(t *testing.T) {
	m := newTestManager(newFakeStore())
	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{Permissions: []string{"api:read"}}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rotated, err := m.Rotate(t.Context(), created.Token.ID, true)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.Secret == created.Secret {
		t.Error("rotation did not change the secret")
	}
	if rotated.Token.ID != created.Token.ID {
		t.Error("rotation changed the token ID")
	}

	// Both old and new secrets validate during the grace window, and both
	// resolve to the same identity.
	for _, secret := range []string{created.Secret, rotated.Secret} {
		principal, err := m.Validate(t.Context(), secret)
		if err != nil {
			t.Fatalf("Validate after rotation: %v", err)
		}
		if principal.Identifier != "ci-deploy" {
			t.Errorf("Identifier = %s, want ci-deploy", principal.Identifier)
		}
	}
}

func TestRotate_WithoutGraceKillsOldSecret(t *testing.T) {
	m := newTestManager(newFakeStore())
	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rotated, err := m.Rotate(t.Context(), created.Token.ID, false)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := m.Validate(t.Context(), created.Secret); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("old secret validated after no-grace rotation: %v", err)
	}
	if _, err := m.Validate(t.Context(), rotated.Secret); err != nil {
		t.Errorf("new secret failed: %v", err)
	}
}

func TestRotate_RevocationCoversGraceWindow(t *testing.T) {
	m := newTestManager(newFakeStore())
	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rotated, err := m.Rotate(t.Context(), created.Token.ID, true)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := m.Revoke(t.Context(), created.Token.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	// Revocation beats the grace window: neither secret validates.
	if _, err := m.Validate(t.Context(), created.Secret); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("old secret validated after revocation: %v", err)
	}
	if _, err := m.Validate(t.Context(), rotated.Secret); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Errorf("new secret validated after revocation: %v", err)
	}
}

func TestRotate_BlockedDuringBlackout(t *testing.T) {
	store := newFakeStore()
	hasher, _ := auth.NewHasher("", "")
	policy := &RotationPolicy{
		windows:  []blackoutWindow{{start: 0, end: 24 * 60}}, // always
		location: time.UTC,
	}
	m := NewManager(store, hasher, policy, nil, Config{Prefix: "agw_", GracePeriod: time.Hour})

	created, err := m.Create(t.Context(), "ci-deploy", models.TokenMetadata{}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = m.Rotate(t.Context(), created.Token.ID, true)
	if !errors.Is(err, auth.ErrPolicyViolation) {
		t.Errorf("error = %v, want ErrPolicyViolation", err)
	}
}

// ---------------------------------------------------------------------------
// Emergency revoke
// ---------------------------------------------------------------------------

func TestEmergencyRevokeAll(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store)

	secrets := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		created, err := m.Create(t.Context(), fmt.Sprintf("svc-%d", i), models.TokenMetadata{}, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		secrets = append(secrets, created.Secret)
	}

	revoked, err := m.EmergencyRevokeAll(t.Context(), "admin@example.com", "credential leak")
	if err != nil {
		t.Fatalf("EmergencyRevokeAll: %v", err)
	}
	if revoked != 3 {
		t.Errorf("revoked = %d, want 3", revoked)
	}

	for _, secret := range secrets {
		if _, err := m.Validate(t.Context(), secret); !errors.Is(err, auth.ErrInvalidCredential) {
			t.Errorf("secret validated after emergency revoke: %v", err)
		}
	}

	// Exactly one emergency_revoke_all event, written with the revocation.
	count := 0
	for _, e := range store.events {
		if e == models.EventEmergencyRevokeAll {
			count++
		}
	}
	if count != 1 {
		t.Errorf("emergency_revoke_all events = %d, want 1", count)
	}
}
