package auth

// PrincipalKind distinguishes interactive users from automation clients.
type PrincipalKind string

const (
	// KindUser marks a principal authenticated via identity assertion.
	KindUser PrincipalKind = "user"
	// KindService marks a principal authenticated via service token.
	KindService PrincipalKind = "service"
)

// Principal is the authenticated identity attached to a request after
// successful validation. For service principals Identifier is the token
// name; for users it is the asserted user identifier.
type Principal struct {
	Kind        PrincipalKind `json:"kind"`
	Identifier  string        `json:"identifier"`
	Permissions []string      `json:"permissions"`
}

// HasPermission reports whether the principal carries the required scope,
// honoring the admin wildcard.
func (p *Principal) HasPermission(required Scope) bool {
	return HasScope(p.Permissions, required)
}
