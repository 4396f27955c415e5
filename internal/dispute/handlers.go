package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/booking"
	"github.com/tokenbook/tokenbook/internal/identity"
)

// Handlers provides HTTP handlers for disputes.
type Handlers struct {
	service *Service
}

// NewHandlers creates dispute handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

func actorFrom(c *gin.Context) Actor {
	user, _ := identity.GetAuthenticatedUser(c)
	return Actor{
		ID:      user.ID,
		Staff:   identity.IsStaff(user.Role),
		Manager: identity.AtLeast(user.Role, identity.RoleManager),
	}
}

type fileRequest struct {
	BookingID string   `json:"bookingId" binding:"required"`
	Type      string   `json:"type"`
	Reason    string   `json:"reason" binding:"required"`
	Evidence  []string `json:"evidence"`
}

// File opens a dispute on a booking.
// POST /v1/disputes
func (h *Handlers) File(c *gin.Context) {
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	user, _ := identity.GetAuthenticatedUser(c)
	d, err := h.service.File(c.Request.Context(), req.BookingID, user.ID, Type(req.Type), req.Reason, req.Evidence)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// Get returns a dispute.
// GET /v1/disputes/:id
func (h *Handlers) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// List returns the authenticated user's disputes, or a status queue for staff.
// GET /v1/disputes?status=OPEN&limit=50
func (h *Handlers) List(c *gin.Context) {
	user, _ := identity.GetAuthenticatedUser(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var (
		disputes []*Dispute
		err      error
	)
	if status := c.Query("status"); status != "" && identity.IsStaff(user.Role) {
		disputes, err = h.service.ListByStatus(c.Request.Context(), Status(status), limit)
	} else {
		disputes, err = h.service.ListByUser(c.Request.Context(), user.ID, limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

type assignRequest struct {
	AssigneeID string `json:"assigneeId" binding:"required"`
}

// Assign puts a dispute under review.
// POST /v1/disputes/:id/assign
func (h *Handlers) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.AssigneeID, actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Resolve settles a dispute with a refund/release split.
// POST /v1/disputes/:id/resolve
func (h *Handlers) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type appealRequest struct {
	Note string `json:"note" binding:"required"`
}

// Appeal contests a resolution.
// POST /v1/disputes/:id/appeal
func (h *Handlers) Appeal(c *gin.Context) {
	var req appealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	user, _ := identity.GetAuthenticatedUser(c)
	d, err := h.service.Appeal(c.Request.Context(), c.Param("id"), user.ID, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type closeRequest struct {
	Note string `json:"note"`
}

// CloseAppeal finishes an appealed dispute (managers only).
// POST /v1/disputes/:id/close
func (h *Handlers) CloseAppeal(c *gin.Context) {
	var req closeRequest
	_ = c.ShouldBindJSON(&req)

	d, err := h.service.CloseAppeal(c.Request.Context(), c.Param("id"), actorFrom(c), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "dispute or booking not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not authorized for this dispute operation",
		})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyDisputed),
		errors.Is(err, booking.ErrInvalidTransition), errors.Is(err, booking.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidSplit), errors.Is(err, ErrAppealWindow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "dispute operation failed",
		})
	}
}
