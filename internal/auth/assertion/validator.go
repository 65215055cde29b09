// Package assertion verifies upstream-signed identity assertions for
// interactive users. The edge proxy performs the login ceremony and injects
// a signed assertion header; this package only checks the signature and
// claims. Validation is stateless: the only state is the cached public-key
// set held by the configured KeyResolver, so assertions keep validating even
// when the credential store is down.
package assertion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/auth-gateway/auth-gateway/internal/auth"
)

// KeyResolver maps a key ID from an assertion header to a verification key.
// Implementations cache keys and refresh them out of band.
type KeyResolver interface {
	// ResolveKey returns the public key for the given key ID. An empty
	// kid is legal when the issuer signs with a single unnamed key.
	ResolveKey(kid string) (any, error)
}

// Config carries the validator's verification policy. Algorithm allow-list
// and clock-skew tolerance are configuration rather than code so a
// deployment can tighten them without a rebuild, and so an attacker cannot
// downgrade the algorithm by tampering with the assertion header.
type Config struct {
	Issuer           string
	Audience         string
	AllowedAlgs      []string
	ClockSkew        time.Duration
	PermissionsClaim string
}

// Validator verifies identity assertions against a key set.
type Validator struct {
	cfg      Config
	resolver KeyResolver
	opts     []jwt.ParserOption
}

// Assertion is the verified content of an identity assertion.
type Assertion struct {
	UserIdentifier string
	Permissions    []string
	Issuer         string
	ExpiresAt      time.Time
}

// NewValidator creates a Validator. The algorithm allow-list must be
// non-empty: accepting whatever algorithm the header names would let a
// forger pick the weakest one the library supports.
func NewValidator(cfg Config, resolver KeyResolver) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("assertion: issuer is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		return nil, errors.New("assertion: algorithm allow-list is required")
	}
	if resolver == nil {
		return nil, errors.New("assertion: key resolver is required")
	}
	if cfg.PermissionsClaim == "" {
		cfg.PermissionsClaim = "permissions"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.AllowedAlgs),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Validator{cfg: cfg, resolver: resolver, opts: opts}, nil
}

// Validate verifies the raw assertion and returns its verified content.
// Every failure mode (bad signature, wrong issuer or audience, expired,
// disallowed algorithm, unknown key) wraps auth.ErrInvalidCredential so the
// middleware can collapse them into one opaque rejection.
func (v *Validator) Validate(ctx context.Context, raw string) (*Assertion, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty assertion: %w", auth.ErrInvalidCredential)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid assertion: %v: %w", err, auth.ErrInvalidCredential)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid assertion: %w", auth.ErrInvalidCredential)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("assertion missing subject: %w", auth.ErrInvalidCredential)
	}

	result := &Assertion{
		UserIdentifier: subject,
		Permissions:    extractPermissions(claims, v.cfg.PermissionsClaim),
		Issuer:         v.cfg.Issuer,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
	}
	return result, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	key, err := v.resolver.ResolveKey(kid)
	if err != nil {
		return nil, fmt.Errorf("resolve key %q: %w", kid, err)
	}
	return key, nil
}

// extractPermissions reads the permissions claim, accepting either a JSON
// array of strings or a single space-delimited string (the two encodings
// upstream identity providers emit).
func extractPermissions(claims jwt.MapClaims, claimName string) []string {
	raw, ok := claims[claimName]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []any:
		perms := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				perms = append(perms, s)
			}
		}
		return perms
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	default:
		return nil
	}
}
