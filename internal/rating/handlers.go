package rating

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/booking"
)

// Handlers provides HTTP handlers for ratings.
type Handlers struct {
	service *Service
}

// NewHandlers creates rating handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

type createRequest struct {
	BookingID string `json:"bookingId" binding:"required"`
	Stars     int    `json:"stars" binding:"required"`
	Comment   string `json:"comment"`
}

// Create rates the other party of a completed booking.
// POST /v1/ratings
func (h *Handlers) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), req.BookingID, c.GetString("user_id"), req.Stars, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

type respondRequest struct {
	Response string `json:"response" binding:"required"`
}

// Respond attaches the rated party's response.
// POST /v1/ratings/:id/respond
func (h *Handlers) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	r, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("user_id"), req.Response)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListForUser returns the ratings a user has received, with a summary.
// GET /v1/users/:id/ratings
func (h *Handlers) ListForUser(c *gin.Context) {
	userID := c.Param("id")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	ratings, err := h.service.ListForUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	summary, err := h.service.SummaryFor(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if ratings == nil {
		ratings = []*Rating{}
	}
	c.JSON(http.StatusOK, gin.H{
		"ratings": ratings,
		"summary": summary,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRatingNotFound), errors.Is(err, booking.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "rating or booking not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "not authorized for this rating operation",
		})
	case errors.Is(err, ErrAlreadyRated), errors.Is(err, ErrAlreadyResponded), errors.Is(err, ErrBookingNotRatable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidStars):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "rating operation failed",
		})
	}
}
