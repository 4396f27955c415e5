package ticket

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/identity"
)

// Handlers provides HTTP handlers for support tickets.
type Handlers struct {
	service *Service
}

// NewHandlers creates ticket handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

func actorFrom(c *gin.Context) Actor {
	user, _ := identity.GetAuthenticatedUser(c)
	return Actor{ID: user.ID, Staff: identity.IsStaff(user.Role)}
}

type createRequest struct {
	Subject   string `json:"subject" binding:"required,max=256"`
	Category  string `json:"category"`
	Priority  string `json:"priority"`
	BookingID string `json:"bookingId"`
	Body      string `json:"body" binding:"required"`
}

// Create opens a ticket.
// POST /v1/tickets
func (h *Handlers) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), c.GetString("user_id"), CreateParams{
		Subject:   req.Subject,
		Category:  Category(req.Category),
		Priority:  Priority(req.Priority),
		BookingID: req.BookingID,
		Body:      req.Body,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Get returns a ticket with its thread. Users only see their own.
// GET /v1/tickets/:id
func (h *Handlers) Get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	user, _ := identity.GetAuthenticatedUser(c)
	if t.UserID != user.ID && !identity.IsStaff(user.Role) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not your ticket",
		})
		return
	}
	c.JSON(http.StatusOK, t)
}

// List returns the authenticated user's tickets, or a status queue for
// staff.
// GET /v1/tickets?status=OPEN&limit=50
func (h *Handlers) List(c *gin.Context) {
	user, _ := identity.GetAuthenticatedUser(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var (
		tickets []*Ticket
		err     error
	)
	if status := c.Query("status"); status != "" && identity.IsStaff(user.Role) {
		tickets, err = h.service.ListByStatus(c.Request.Context(), Status(status), limit)
	} else {
		tickets, err = h.service.ListByUser(c.Request.Context(), user.ID, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if tickets == nil {
		tickets = []*Ticket{}
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

type replyRequest struct {
	Body string `json:"body" binding:"required"`
}

// Reply posts a message to the thread.
// POST /v1/tickets/:id/reply
func (h *Handlers) Reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	t, err := h.service.Reply(c.Request.Context(), c.Param("id"), actorFrom(c), req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type assignRequest struct {
	AssigneeID string `json:"assigneeId" binding:"required"`
}

// Assign routes a ticket to a staff member.
// POST /v1/tickets/:id/assign
func (h *Handlers) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	t, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.AssigneeID, actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Resolve marks a ticket as resolved.
// POST /v1/tickets/:id/resolve
func (h *Handlers) Resolve(c *gin.Context) {
	t, err := h.service.Resolve(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Close finishes a ticket.
// POST /v1/tickets/:id/close
func (h *Handlers) Close(c *gin.Context) {
	t, err := h.service.Close(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTicketNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "ticket not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not authorized for this ticket operation",
		})
	case errors.Is(err, ErrTicketClosed), errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "ticket operation failed",
		})
	}
}
