package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ayodele/kobohold/internal/money"
)

// Handler provides HTTP endpoints for wallet reads.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:email/balance", h.GetBalance)
	r.GET("/accounts/:email/ledger", h.GetLedger)
}

// RegisterProtectedRoutes sets up protected wallet routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:email/reconcile", h.Reconcile)
}

// RegisterAdminRoutes sets up operator-only wallet routes. Callers gate
// these with the admin middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/accounts/:email/deposit", h.Deposit)
	r.POST("/admin/accounts/:email/withdraw", h.Withdraw)
}

// GetBalance handles GET /v1/accounts/:email/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.Balance(c.Request.Context(), c.Param("email"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":          bal,
		"availableDisplay": bal.Available.Format(),
	})
}

// GetLedger handles GET /v1/accounts/:email/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, next, hasMore, err := h.ledger.History(c.Request.Context(), c.Param("email"), c.Query("cursor"), limit)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if err.Error() == "invalid cursor" {
			status = http.StatusBadRequest
			code = "invalid_cursor"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"count":       len(entries),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// MovementRequest is the body for admin deposits and withdrawals.
// Amount is a decimal naira string (e.g. "5500.00").
type MovementRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /v1/admin/accounts/:email/deposit
func (h *Handler) Deposit(c *gin.Context) {
	h.movement(c, KindDeposit)
}

// Withdraw handles POST /v1/admin/accounts/:email/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	h.movement(c, KindWithdrawal)
}

func (h *Handler) movement(c *gin.Context, kind Kind) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive naira value",
		})
		return
	}

	var entry *Entry
	if kind == KindWithdrawal {
		entry, err = h.ledger.Debit(c.Request.Context(), c.Param("email"), amount, kind, req.Reference)
	} else {
		entry, err = h.ledger.Credit(c.Request.Context(), c.Param("email"), amount, kind, req.Reference)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": err.Error(),
			})
		case errors.Is(err, ErrDuplicateReference):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_reference",
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
		"entry":         entry,
		"amountDisplay": entry.Amount.Format(),
	})
}

// Reconcile handles POST /v1/accounts/:email/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), c.Param("email"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
