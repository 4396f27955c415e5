package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handlers provides HTTP handlers for webhook subscriptions.
type Handlers struct {
	dispatcher *Dispatcher
}

// NewHandlers creates webhook subscription handlers.
func NewHandlers(d *Dispatcher) *Handlers {
	return &Handlers{dispatcher: d}
}

type subscribeRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required,min=1"`
}

// Subscribe registers a webhook endpoint. The signing secret appears
// only in this response.
// POST /v1/webhooks
func (h *Handlers) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub, secret, err := h.dispatcher.Subscribe(c.Request.Context(), c.GetString("user_id"), req.URL, req.Events)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret,
		"warning":      "Store this secret now. It will not be shown again.",
	})
}

// List returns the authenticated user's subscriptions.
// GET /v1/webhooks
func (h *Handlers) List(c *gin.Context) {
	subs, err := h.dispatcher.ListByUser(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// Unsubscribe removes a subscription.
// DELETE /v1/webhooks/:id
func (h *Handlers) Unsubscribe(c *gin.Context) {
	if err := h.dispatcher.Unsubscribe(c.Request.Context(), c.Param("id"), c.GetString("user_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "subscription not found",
		})
	case errors.Is(err, ErrInvalidURL), errors.Is(err, ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "webhook operation failed",
		})
	}
}
