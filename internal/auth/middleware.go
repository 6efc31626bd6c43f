package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccount is the key for storing the authenticated account email
	ContextKeyAccount = "authAccount"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey and authAccount in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccount, key.Account)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership middleware requires auth AND that the authenticated
// account matches the :email URL param.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, exists := c.Get(ContextKeyAPIKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		target := strings.ToLower(c.Param(paramName))

		apiKey, ok := key.(*APIKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Invalid authentication state",
			})
			return
		}
		if !strings.EqualFold(apiKey.Account, target) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this account.",
			})
			return
		}

		c.Next()
	}
}

// RequireAdmin gates operator endpoints. With ADMIN_SECRET set the
// X-Admin-Secret header must match; without it (demo mode) any
// authenticated request passes.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("ADMIN_SECRET")
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "API key required.",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// GetAuthenticatedAccount returns the authenticated account's email.
func GetAuthenticatedAccount(c *gin.Context) string {
	account, exists := c.Get(ContextKeyAccount)
	if !exists {
		return ""
	}
	return account.(string)
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
