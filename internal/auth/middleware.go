package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	contextKeyPrincipalID = "principal_id"
	contextKeyRole        = "principal_role"
	contextKeyDisplay     = "principal_display_name"
)

// Middleware rejects requests without a valid bearer token and stores the
// principal in the gin context for handlers downstream.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := ValidateToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or malformed token"})
			}
			c.Abort()
			return
		}

		c.Set(contextKeyPrincipalID, claims.PrincipalID)
		c.Set(contextKeyRole, claims.Role)
		c.Set(contextKeyDisplay, claims.DisplayName)
		c.Next()
	}
}

// RequireRole guards mentor-only routes.
func RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(contextKeyRole)
		if !exists || role != requiredRole {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// PrincipalID returns the authenticated principal's id.
func PrincipalID(c *gin.Context) (string, bool) {
	value, exists := c.Get(contextKeyPrincipalID)
	if !exists {
		return "", false
	}
	principalID, ok := value.(string)
	if !ok || principalID == "" {
		return "", false
	}
	return principalID, true
}

// Role returns the authenticated principal's role.
func Role(c *gin.Context) (string, bool) {
	value, exists := c.Get(contextKeyRole)
	if !exists {
		return "", false
	}
	role, ok := value.(string)
	return role, ok
}
