package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the processor's hex HMAC-SHA256 of the body.
const SignatureHeader = "X-Kobohold-Signature"

// Handler provides the capture webhook endpoint.
type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates a new gateway webhook handler.
func NewHandler(service *Service, secret string) *Handler {
	return &Handler{service: service, secret: secret}
}

// RegisterRoutes sets up the webhook intake route. The route is
// HMAC-authenticated, not Bearer-authenticated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/webhook", h.HandleWebhook)
}

// HandleWebhook handles POST /v1/gateway/webhook
//
// Replies 200 on replays so the processor stops retrying.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unreadable body",
		})
		return
	}

	// An empty secret means unsigned demo mode; config.Validate refuses
	// that combination in production.
	if h.secret != "" && !VerifySignature(body, c.GetHeader(SignatureHeader), h.secret) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": ErrInvalidSignature.Error(),
		})
		return
	}

	var payload CapturePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	capture, replay, err := h.service.ProcessCapture(c.Request.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "capture_failed",
				"message": err.Error(),
			})
		}
		return
	}

	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"capture": capture,
		"replay":  replay,
	})
}
