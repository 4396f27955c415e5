package identity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokenbook/tokenbook/internal/validation"
)

// Handlers provides HTTP handlers for user accounts.
type Handlers struct {
	service *Service
}

// NewHandlers creates identity handlers.
func NewHandlers(s *Service) *Handlers {
	return &Handlers{service: s}
}

type registerRequest struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
	Role  string `json:"role" binding:"required"`
}

// Register creates a new user account and returns the API key once.
// POST /v1/users/register
func (h *Handlers) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("name", req.Name, 255),
		validation.MaxLength("email", req.Email, 255),
		validation.OneOf("role", req.Role, RoleSeeker, RoleProvider),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	user, rawKey, err := h.service.Register(c.Request.Context(),
		validation.SanitizeString(req.Name, 255), req.Email, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEmail):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_email",
				"message": "email already registered",
			})
		case errors.Is(err, ErrInvalidRole):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_role",
				"message": "role must be SEEKER or PROVIDER",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "registration failed",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    user,
		"apiKey":  rawKey,
		"warning": "Store this API key now. It will not be shown again.",
	})
}

// Me returns the authenticated user.
// GET /v1/users/me
func (h *Handlers) Me(c *gin.Context) {
	user, _ := GetAuthenticatedUser(c)
	c.JSON(http.StatusOK, user)
}

// GetUser returns a user by ID (self or staff).
// GET /v1/users/:id
func (h *Handlers) GetUser(c *gin.Context) {
	user, err := h.service.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "user not found",
		})
		return
	}
	c.JSON(http.StatusOK, user)
}

type roleRequest struct {
	Role string `json:"role" binding:"required"`
}

// SetRole changes a user's role.
// PUT /v1/admin/users/:id/role
func (h *Handlers) SetRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	user, err := h.service.SetRole(c.Request.Context(), c.Param("id"), req.Role)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
		case errors.Is(err, ErrInvalidRole):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role", "message": "unknown role"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "update failed"})
		}
		return
	}
	c.JSON(http.StatusOK, user)
}

type verifyRequest struct {
	Flag string `json:"flag" binding:"required"` // email, phone, age, id
}

// Verify marks a verification flag on a user.
// POST /v1/admin/users/:id/verify
func (h *Handlers) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	user, err := h.service.Verify(c.Request.Context(), c.Param("id"), req.Flag)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

// RotateKey issues a new API key for the authenticated user.
// POST /v1/users/me/keys
func (h *Handlers) RotateKey(c *gin.Context) {
	user, _ := GetAuthenticatedUser(c)

	rawKey, err := h.service.IssueKey(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to issue key",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"warning": "Store this API key now. It will not be shown again.",
	})
}
