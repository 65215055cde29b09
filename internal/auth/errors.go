// Package auth provides authentication primitives for the gateway: secret
// generation and hashing, the permission scope vocabulary, the error
// taxonomy, and the Principal type attached to authenticated requests.
// See internal/middleware/auth.go for the request-time authentication logic
// that uses these primitives.
package auth

import "errors"

// The error taxonomy. Hot-path errors (ErrInvalidCredential,
// ErrStoreUnavailable) are caught at the middleware boundary and converted
// to a uniform, opaque authentication failure. Management-surface errors
// (ErrDuplicateName, ErrPolicyViolation) propagate to the caller with enough
// detail to correct the request.
var (
	// ErrInvalidCredential covers bad, unknown, expired, and revoked
	// secrets or assertions. Callers must never distinguish these cases
	// in user-facing output, to prevent credential enumeration.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrStoreUnavailable means the credential store could not be
	// reached or timed out. Service-token validation fails closed on it.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrDuplicateName is returned when creating a token whose name
	// collides with an existing active token.
	ErrDuplicateName = errors.New("token name already in use")

	// ErrPolicyViolation is returned for operations forbidden by policy,
	// such as rotation during a configured blackout window.
	ErrPolicyViolation = errors.New("operation violates policy")
)
