package auth

import (
	"strings"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	secret, err := GenerateSecret("agw_")
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}

	if !strings.HasPrefix(secret, "agw_") {
		t.Errorf("secret %q missing prefix", secret)
	}
	// 32 random bytes base64url-encode to 43 characters.
	if len(secret) != len("agw_")+43 {
		t.Errorf("secret length = %d, want %d", len(secret), len("agw_")+43)
	}

	other, err := GenerateSecret("agw_")
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	if secret == other {
		t.Error("two generated secrets are identical")
	}
}

func TestHasherDeterministic(t *testing.T) {
	h, err := NewHasher("", "")
	if err != nil {
		t.Fatalf("NewHasher() error: %v", err)
	}

	a := h.Hash("agw_example")
	b := h.Hash("agw_example")
	if a != b {
		t.Errorf("hash is not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == h.Hash("agw_other") {
		t.Error("different secrets produced the same hash")
	}
}

func TestHasherPepperChangesHash(t *testing.T) {
	plain, err := NewHasher("", "")
	if err != nil {
		t.Fatalf("NewHasher() error: %v", err)
	}
	peppered, err := NewHasher("passphrase", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewHasher() error: %v", err)
	}

	if plain.Hash("agw_example") == peppered.Hash("agw_example") {
		t.Error("peppered hash equals plain hash")
	}

	// Same passphrase and salt must rederive the same key across restarts.
	again, err := NewHasher("passphrase", "0123456789abcdef")
	if err != nil {
		t.Fatalf("NewHasher() error: %v", err)
	}
	if peppered.Hash("agw_example") != again.Hash("agw_example") {
		t.Error("pepper derivation is not stable")
	}
}

func TestNewHasherRejectsShortSalt(t *testing.T) {
	if _, err := NewHasher("passphrase", "short"); err != ErrSaltTooShort {
		t.Errorf("NewHasher() error = %v, want ErrSaltTooShort", err)
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		granted  []string
		required Scope
		want     bool
	}{
		{"exact match", []string{"tokens:read"}, ScopeTokensRead, true},
		{"missing", []string{"tokens:read"}, ScopeTokensManage, false},
		{"admin wildcard", []string{"admin"}, ScopeTokensManage, true},
		{"empty", nil, ScopeAPIRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.granted, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %s) = %v, want %v", tt.granted, tt.required, got, tt.want)
			}
		})
	}
}

func TestValidateScopes(t *testing.T) {
	if err := ValidateScopes([]string{"tokens:read", "admin"}); err != nil {
		t.Errorf("ValidateScopes() rejected valid scopes: %v", err)
	}
	if err := ValidateScopes([]string{"tokens:read", "bogus:scope"}); err == nil {
		t.Error("ValidateScopes() accepted an unknown scope")
	}
}

func TestPrincipalHasPermission(t *testing.T) {
	p := &Principal{Kind: KindService, Identifier: "ci", Permissions: []string{"api:read"}}
	if !p.HasPermission(ScopeAPIRead) {
		t.Error("principal should have api:read")
	}
	if p.HasPermission(ScopeTokensManage) {
		t.Error("principal should not have tokens:manage")
	}
}
