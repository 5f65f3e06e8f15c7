package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys set by the middleware.
const (
	ContextUserID  = "auth_user_id"
	ContextManager = "auth_manager"
)

// Middleware returns a gin middleware that requires a valid token and stores
// its claims on the request context.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.VerifyRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextManager, claims.Manager)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" when auth is disabled.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ContextUserID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsManager reports whether the authenticated caller holds the manage
// capability.
func IsManager(c *gin.Context) bool {
	if v, ok := c.Get(ContextManager); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
