package authz

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Middleware enforces the permission matrix on Gin routes. It expects an
// upstream auth middleware to have set user_id and user_role.
type Middleware struct {
	Authorizer Authorizer
}

func NewMiddleware(authorizer Authorizer) *Middleware {
	return &Middleware{Authorizer: authorizer}
}

// RequirePermission aborts with 403 unless the authenticated user's role
// permits the action. API key callers carry the member role.
func (m *Middleware) RequirePermission(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("user_role")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			c.Abort()
			return
		}

		roleStr, _ := role.(string)
		if !HasPermission(Role(roleStr), action) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}
