package booking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/identity"
)

// Handlers provides HTTP handlers for bookings.
type Handlers struct {
	service *Service
}

// NewHandlers creates booking handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

func actorFrom(c *gin.Context) Actor {
	user, _ := identity.GetAuthenticatedUser(c)
	return Actor{ID: user.ID, Staff: identity.IsStaff(user.Role)}
}

// Create creates a new booking with the authenticated user as seeker.
// POST /v1/bookings
func (h *Handlers) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	user, _ := identity.GetAuthenticatedUser(c)
	b, err := h.service.Create(c.Request.Context(), user.ID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// Get returns a booking. Only the parties and staff may view it.
// GET /v1/bookings/:id
func (h *Handlers) Get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	actor := actorFrom(c)
	if actor.ID != b.SeekerID && actor.ID != b.ProviderID && !actor.Staff {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "you are not a party to this booking",
		})
		return
	}
	c.JSON(http.StatusOK, b)
}

// List returns the authenticated user's bookings.
// GET /v1/bookings?limit=50
func (h *Handlers) List(c *gin.Context) {
	user, _ := identity.GetAuthenticatedUser(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	bookings, err := h.service.ListByUser(c.Request.Context(), user.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if bookings == nil {
		bookings = []*Booking{}
	}
	c.JSON(http.StatusOK, gin.H{
		"bookings": bookings,
		"count":    len(bookings),
	})
}

type statusRequest struct {
	Action string `json:"action" binding:"required"`
	Note   string `json:"note"`
}

// UpdateStatus applies a lifecycle action to a booking.
// POST /v1/bookings/:id/status
func (h *Handlers) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	action := Action(req.Action)
	switch action {
	case ActionConfirm, ActionStart, ActionComplete, ActionCancel:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_action",
			"message": "action must be one of: confirm, start, complete, cancel",
		})
		return
	}

	b, err := h.service.Transition(c.Request.Context(), c.Param("id"), action, actorFrom(c), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// writeError maps domain errors onto the API error taxonomy.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "booking not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not authorized for this booking operation",
		})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "booking is not in a state that allows this action",
		})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "seeker wallet cannot cover the booking price",
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidType),
		errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrSamePartyBooking):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "booking operation failed",
		})
	}
}
