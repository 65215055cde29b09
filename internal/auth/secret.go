// Package auth - secret.go handles service-secret generation and hashing.
//
// Secrets are hashed with a deterministic, unsalted construction because the
// hash is the indexed lookup key: validation must be a single indexed query
// plus one hash computation to stay inside the latency budget. An adaptive
// salted hash (bcrypt/argon2) would require scanning candidate rows and
// costs hundreds of milliseconds per comparison, so it is not usable here.
// Since generated secrets carry 256 bits of entropy, offline brute force of
// the plain hash is already infeasible; the optional HMAC pepper additionally
// protects deployments that import weaker externally-minted secrets.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SecretLength is the length of the random part of a secret in bytes.
	SecretLength = 32

	// pepperIterations is the PBKDF2 work factor for deriving the HMAC
	// key from the configured passphrase. Derivation happens once at
	// startup, so a high count is free.
	pepperIterations = 210000
)

// ErrSaltTooShort is returned when the pepper salt is fewer than 16 bytes,
// which would weaken PBKDF2 key derivation.
var ErrSaltTooShort = errors.New("auth: pepper salt must be at least 16 bytes")

// GenerateSecret creates a new random service secret with the given prefix.
// The returned value is shown to the caller exactly once and never stored.
func GenerateSecret(prefix string) (string, error) {
	randomBytes := make([]byte, SecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return prefix + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// Hasher computes the deterministic secret hash stored in (and looked up
// from) the secret_hash column.
type Hasher struct {
	pepper []byte
}

// NewHasher creates a Hasher. With an empty passphrase the hash is plain
// SHA-256; otherwise it is HMAC-SHA256 keyed with a PBKDF2-derived pepper.
func NewHasher(passphrase, salt string) (*Hasher, error) {
	if passphrase == "" {
		return &Hasher{}, nil
	}
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(salt), pepperIterations, 32, sha256.New)
	return &Hasher{pepper: key}, nil
}

// Hash returns the hex-encoded hash of a secret.
func (h *Hasher) Hash(secret string) string {
	if h.pepper == nil {
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}

	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}
