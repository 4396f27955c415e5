package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/pagination"
)

// Handlers provides HTTP handlers for wallet and transaction queries.
type Handlers struct {
	ledger *Ledger
}

// NewHandlers creates ledger handlers.
func NewHandlers(l *Ledger) *Handlers {
	return &Handlers{ledger: l}
}

// GetWallet returns the authenticated user's wallet.
// GET /v1/wallet
func (h *Handlers) GetWallet(c *gin.Context) {
	userID := c.GetString("user_id")

	w, err := h.ledger.GetWallet(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load wallet",
		})
		return
	}

	c.JSON(http.StatusOK, w)
}

// GetHistory returns the authenticated user's recent transactions.
// GET /v1/wallet/transactions?limit=50&cursor=...
func (h *Handlers) GetHistory(c *gin.Context) {
	userID := c.GetString("user_id")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	entries, next, hasMore, err := h.ledger.HistoryPage(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "invalid cursor",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load transactions",
		})
		return
	}
	if entries == nil {
		entries = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"count":        len(entries),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// GetUserWallet returns any user's wallet (staff only, enforced by route middleware).
// GET /v1/admin/wallets/:id
func (h *Handlers) GetUserWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load wallet",
		})
		return
	}

	c.JSON(http.StatusOK, w)
}

// Reconcile replays a user's ledger history and reports whether the
// derived balances match the stored wallet (staff only).
// POST /v1/admin/reconcile/:id
func (h *Handlers) Reconcile(c *gin.Context) {
	report, err := h.ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "reconciliation failed",
		})
		return
	}

	c.JSON(http.StatusOK, report)
}
