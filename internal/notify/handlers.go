package notify

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayodele/kobohold/internal/idgen"
	"github.com/ayodele/kobohold/internal/security"
	"github.com/ayodele/kobohold/internal/validation"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up subscription management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:email/webhooks", h.CreateSubscription)
	r.GET("/accounts/:email/webhooks", h.ListSubscriptions)
	r.DELETE("/accounts/:email/webhooks/:webhookId", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers a webhook URL for event types.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/accounts/:email/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !ValidEventType(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event_type",
				"message": "unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		Account:   validation.SanitizeEmail(c.Param("email")),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "HMAC-SHA256(payload, secret), hex encoded",
			"header":    "X-Kobohold-Signature",
		},
	})
}

// ListSubscriptions handles GET /v1/accounts/:email/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByAccount(c.Request.Context(), validation.SanitizeEmail(c.Param("email")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/accounts/:email/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err == nil && sub.Account != validation.SanitizeEmail(c.Param("email")) {
		err = ErrSubscriptionNotFound
	}
	if err == nil {
		err = h.store.Delete(c.Request.Context(), id)
	}
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
