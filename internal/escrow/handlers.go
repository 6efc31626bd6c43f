package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow records and transitions.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:bookingId", h.GetEscrow)
	r.GET("/escrows/:bookingId/countdown", h.GetCountdown)
	r.GET("/accounts/:email/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected escrow transition routes.
// The caller account comes from the auth middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:bookingId/request-payment", h.RequestPayment)
	r.POST("/escrows/:bookingId/confirm", h.Confirm)
	r.POST("/escrows/:bookingId/decline", h.Decline)
	r.POST("/escrows/:bookingId/refund", h.Refund)
}

// GetEscrow handles GET /v1/escrows/:bookingId
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		respondError(c, err)
		return
	}

	now := h.service.Now()
	c.JSON(http.StatusOK, gin.H{
		"escrow":           rec,
		"actions":          h.service.ActionsFor(rec, now),
		"remainingSeconds": int64(RemainingTime(rec, now).Seconds()),
	})
}

// GetCountdown handles GET /v1/escrows/:bookingId/countdown
//
// A cheap endpoint for polling clients: just the status and the seconds
// left on the confirmation deadline.
func (h *Handler) GetCountdown(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookingId":        rec.BookingID,
		"status":           rec.Status,
		"remainingSeconds": int64(RemainingTime(rec, h.service.Now()).Seconds()),
	})
}

// ListEscrows handles GET /v1/accounts/:email/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.service.ListByAccount(c.Request.Context(), c.Param("email"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// RequestPayment handles POST /v1/escrows/:bookingId/request-payment
func (h *Handler) RequestPayment(c *gin.Context) {
	rec, err := h.service.RequestPayment(c.Request.Context(), c.Param("bookingId"), c.GetString("authAccount"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":           rec,
		"remainingSeconds": int64(RemainingTime(rec, h.service.Now()).Seconds()),
	})
}

// Confirm handles POST /v1/escrows/:bookingId/confirm
func (h *Handler) Confirm(c *gin.Context) {
	rec, err := h.service.Confirm(c.Request.Context(), c.Param("bookingId"), c.GetString("authAccount"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// Decline handles POST /v1/escrows/:bookingId/decline
func (h *Handler) Decline(c *gin.Context) {
	var req DeclineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	rec, err := h.service.Decline(c.Request.Context(), c.Param("bookingId"), c.GetString("authAccount"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// Refund handles POST /v1/escrows/:bookingId/refund
func (h *Handler) Refund(c *gin.Context) {
	rec, err := h.service.RequestRefund(c.Request.Context(), c.Param("bookingId"), c.GetString("authAccount"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// respondError maps service errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	var transition *InvalidTransitionError
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrRecordExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": transition.Error(),
			"status":  transition.Current,
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
