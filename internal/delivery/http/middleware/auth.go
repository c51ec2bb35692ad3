package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys and trusted headers set by the platform gateway. Authentication
// itself happens upstream; this service trusts the forwarded identity.
const (
	UserIDKey   = "user_id"
	UserRoleKey = "user_role"

	userIDHeader   = "X-User-ID"
	userRoleHeader = "X-User-Role"

	roleAdmin = "admin"
)

// Identity extracts the gateway-forwarded user identity. Requests without one
// are rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing user identity",
			})
			return
		}

		c.Set(UserIDKey, userID)
		c.Set(UserRoleKey, c.GetHeader(userRoleHeader))
		c.Next()
	}
}

// RequireAdmin gates the operator endpoints.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(UserRoleKey) != roleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Admin privileges required",
			})
			return
		}
		c.Next()
	}
}

// IsAdmin reports whether the current request carries the admin role.
func IsAdmin(c *gin.Context) bool {
	return c.GetString(UserRoleKey) == roleAdmin
}
