package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/ledger"
)

// Handlers provides HTTP handlers for token purchases.
type Handlers struct {
	service *Service
}

// NewHandlers creates payment handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

type checkoutRequest struct {
	Tokens int64 `json:"tokens" binding:"required"`
}

// CreateCheckout starts a token purchase.
// POST /v1/payments/checkout
func (h *Handlers) CreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	co, err := h.service.CreateCheckout(c.Request.Context(), c.GetString("user_id"), req.Tokens)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, co)
}

// Webhook receives Stripe event deliveries. Unauthenticated, verified
// by signature.
// POST /v1/payments/webhook
func (h *Handlers) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "failed to read webhook body",
		})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
	case errors.Is(err, ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "payments are not configured",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "payment operation failed",
		})
	}
}
