package booking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for bookings.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bookings/:id", h.GetBooking)
	r.GET("/accounts/:email/bookings", h.ListBookings)
}

// RegisterProtectedRoutes sets up protected booking routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// The authenticated account books for itself.
	if caller := c.GetString("authAccount"); caller != "" {
		req.GuestAccount = caller
	}

	b, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDates):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"booking":      b,
		"totalDisplay": b.Total.Format(),
	})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
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

	c.JSON(http.StatusOK, gin.H{
		"booking":      b,
		"totalDisplay": b.Total.Format(),
	})
}

// ListBookings handles GET /v1/accounts/:email/bookings
func (h *Handler) ListBookings(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	bookings, err := h.service.ListByAccount(c.Request.Context(), c.Param("email"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"count":    len(bookings),
	})
}
