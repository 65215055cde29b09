// Package auth - scopes.go defines permission scope constants and provides
// HasScope, HasAnyScope, and ValidateScopes helpers for scope checking.
package auth

import "fmt"

// Scope represents a permission/scope type
type Scope string

const (
	// General API access scopes
	ScopeAPIRead  Scope = "api:read"
	ScopeAPIWrite Scope = "api:write"

	// Token management scopes
	ScopeTokensRead   Scope = "tokens:read"   // List tokens and view usage history
	ScopeTokensManage Scope = "tokens:manage" // Create, rotate, revoke, emergency-revoke

	// Audit log scopes
	ScopeAuditRead Scope = "audit:read"

	// Admin scope (wildcard - all permissions)
	ScopeAdmin Scope = "admin"
)

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopeAPIRead,
		ScopeAPIWrite,
		ScopeTokensRead,
		ScopeTokensManage,
		ScopeAuditRead,
		ScopeAdmin,
	}
}

// ValidScopes returns a map of valid scope strings
func ValidScopes() map[string]bool {
	validScopes := make(map[string]bool)
	for _, scope := range AllScopes() {
		validScopes[string(scope)] = true
	}
	return validScopes
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	validScopes := ValidScopes()

	for _, scope := range scopes {
		if !validScopes[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}

	return nil
}

// HasScope checks if the granted scopes include a required scope.
// The admin scope acts as a wildcard.
func HasScope(granted []string, required Scope) bool {
	requiredStr := string(required)

	for _, scope := range granted {
		if scope == requiredStr {
			return true
		}
		if scope == string(ScopeAdmin) {
			return true
		}
	}

	return false
}

// HasAnyScope checks if the granted scopes include at least one of the
// required scopes.
func HasAnyScope(granted []string, required ...Scope) bool {
	for _, req := range required {
		if HasScope(granted, req) {
			return true
		}
	}
	return false
}
