package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ayodele/kobohold/internal/validation"
)

// Handler provides HTTP endpoints for registration and key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up the public registration route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.Register)
}

// RegisterProtectedRoutes sets up key management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys", h.CreateKey)
	r.DELETE("/keys/:keyId", h.RevokeKey)
	r.GET("/me", h.GetCurrentAccount)
}

// RegisterRequest registers an account and issues its first API key.
type RegisterRequest struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name"`
}

// Register handles POST /v1/accounts
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	email := validation.SanitizeEmail(req.Email)
	if !validation.IsValidEmail(email) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "email address is not valid",
		})
		return
	}
	if req.Name == "" {
		req.Name = "Default key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), email, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to register account",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": key.Account,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated account.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating an additional key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates a new API key for the authenticated account.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Account, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key owned by the authenticated account.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Account); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// GetCurrentAccount returns info about the authenticated account.
func (h *Handler) GetCurrentAccount(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   key.Account,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
