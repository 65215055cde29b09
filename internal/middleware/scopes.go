package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/auth-gateway/auth-gateway/internal/auth"
)

// RequireScope enforces that the authenticated principal holds the given
// permission. It must run after the authentication middleware; an absent
// principal is treated as unauthenticated rather than forbidden so the
// response stays consistent with the auth layer's opaque 401.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := GetPrincipal(c)
		if principal == nil {
			reject(c)
			return
		}
		if !principal.HasPermission(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// RequireAnyScope passes when the principal holds at least one of the given
// permissions. Used for endpoints readable by more than one role.
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := GetPrincipal(c)
		if principal == nil {
			reject(c)
			return
		}
		for _, s := range scopes {
			if principal.HasPermission(s) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "insufficient permissions",
		})
	}
}
