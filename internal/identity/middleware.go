package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUser is the gin context key for the authenticated *User
	ContextKeyUser = "authUser"
	// ContextKeyUserID is the gin context key for the authenticated user ID
	ContextKeyUserID = "user_id"
	// ContextKeyRole is the gin context key for the authenticated user's role
	ContextKeyRole = "user_role"
)

// Middleware extracts and validates the API key from the request.
// Sets the user, user_id, and user_role in context if valid.
func Middleware(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			user, err := s.Authenticate(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyUser, user)
				c.Set(ContextKeyUserID, user.ID)
				c.Set(ContextKeyRole, user.Role)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without valid authentication.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUser); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer tk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated requests below the minimum role.
func RequireRole(min string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetAuthenticatedUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !AtLeast(user.Role, min) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "insufficient role for this operation",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfOrStaff requires the :id param to match the authenticated
// user, unless the caller is staff.
func RequireSelfOrStaff(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetAuthenticatedUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if user.ID != c.Param(paramName) && !IsStaff(user.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "you do not have access to this resource",
			})
			return
		}
		c.Next()
	}
}

// GetAuthenticatedUser returns the authenticated user from context.
func GetAuthenticatedUser(c *gin.Context) (*User, bool) {
	v, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil, false
	}
	user, ok := v.(*User)
	return user, ok
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyUser)
	return exists
}
