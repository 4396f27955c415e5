package withdrawal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/identity"
)

// Handlers provides HTTP handlers for withdrawals.
type Handlers struct {
	service *Service
}

// NewHandlers creates withdrawal handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

type requestBody struct {
	Tokens          int64  `json:"tokens" binding:"required"`
	PaymentMethodID string `json:"paymentMethodId" binding:"required"`
	Notes           string `json:"notes"`
}

// Request creates a withdrawal request. Withdrawals are a provider
// feature; seekers spend tokens, they do not cash them out.
// POST /v1/withdrawals
func (h *Handlers) Request(c *gin.Context) {
	user, _ := identity.GetAuthenticatedUser(c)
	if user.Role != identity.RoleProvider {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "only providers can request withdrawals",
		})
		return
	}

	var req requestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Tokens <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tokens must be positive",
		})
		return
	}

	w, err := h.service.Request(c.Request.Context(), user.ID, req.Tokens, req.PaymentMethodID, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// Get returns a withdrawal. Users only see their own.
// GET /v1/withdrawals/:id
func (h *Handlers) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	user, _ := identity.GetAuthenticatedUser(c)
	if w.UserID != user.ID && !identity.IsStaff(user.Role) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not your withdrawal",
		})
		return
	}
	c.JSON(http.StatusOK, w)
}

// List returns the authenticated user's withdrawals, or a status queue
// for staff.
// GET /v1/withdrawals?status=PENDING&limit=50
func (h *Handlers) List(c *gin.Context) {
	user, _ := identity.GetAuthenticatedUser(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var (
		withdrawals []*Withdrawal
		err         error
	)
	if status := c.Query("status"); status != "" && identity.IsStaff(user.Role) {
		withdrawals, err = h.service.ListByStatus(c.Request.Context(), Status(status), limit)
	} else {
		withdrawals, err = h.service.ListByUser(c.Request.Context(), user.ID, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if withdrawals == nil {
		withdrawals = []*Withdrawal{}
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawals": withdrawals,
		"count":       len(withdrawals),
	})
}

// Cancel withdraws a pending request.
// POST /v1/withdrawals/:id/cancel
func (h *Handlers) Cancel(c *gin.Context) {
	w, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Approve marks a pending withdrawal as approved (staff only, enforced
// by route middleware).
// POST /v1/withdrawals/:id/approve
func (h *Handlers) Approve(c *gin.Context) {
	w, err := h.service.Approve(c.Request.Context(), c.Param("id"), c.GetString("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type rejectBody struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject declines a pending withdrawal and refunds the tokens.
// POST /v1/withdrawals/:id/reject
func (h *Handlers) Reject(c *gin.Context) {
	var req rejectBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	w, err := h.service.Reject(c.Request.Context(), c.Param("id"), c.GetString("user_id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// Process marks an approved withdrawal as handed off to the bank.
// POST /v1/withdrawals/:id/process
func (h *Handlers) Process(c *gin.Context) {
	w, err := h.service.Process(c.Request.Context(), c.Param("id"), c.GetString("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type completeBody struct {
	BankRef string `json:"bankRef" binding:"required"`
}

// Complete records the bank payout of an approved withdrawal.
// POST /v1/withdrawals/:id/complete
func (h *Handlers) Complete(c *gin.Context) {
	var req completeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	w, err := h.service.Complete(c.Request.Context(), c.Param("id"), c.GetString("user_id"), req.BankRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "withdrawal not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not authorized for this withdrawal operation",
		})
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "wallet balance too low for this withdrawal",
		})
	case errors.Is(err, ErrBelowMinimum):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "withdrawal operation failed",
		})
	}
}
