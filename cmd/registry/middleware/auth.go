package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aerugo/aerugo/internal/auth"
	"github.com/aerugo/aerugo/pkg/types"
)

const userContextKey = "user"

// AuthMiddleware requires a valid credential: a bearer JWT, HTTP basic
// credentials (docker login), or an API key header. Requests without one are
// rejected with the challenge header docker clients expect.
func AuthMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user := authenticate(c, authService); user != nil {
			c.Set(userContextKey, user)
			c.Next()
			return
		}

		c.Header("WWW-Authenticate", `Basic realm="registry"`)
		c.JSON(http.StatusUnauthorized, gin.H{
			"errors": []gin.H{{"code": "UNAUTHORIZED", "message": "authentication required"}},
		})
		c.Abort()
	}
}

// OptionalAuthMiddleware attaches the user when a credential is present but
// lets anonymous requests through; pull endpoints use it.
func OptionalAuthMiddleware(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user := authenticate(c, authService); user != nil {
			c.Set(userContextKey, user)
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, authService *auth.Service) *types.User {
	authHeader := c.GetHeader("Authorization")

	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		if user, err := authService.ValidateToken(c.Request.Context(), token); err == nil {
			return user
		}
		return nil
	}

	if strings.HasPrefix(authHeader, "Basic ") {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			return nil
		}
		if user, err := authService.VerifyPassword(c.Request.Context(), username, password); err == nil {
			return user
		}
		return nil
	}

	if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
		if user, _, err := authService.ValidateAPIKey(c.Request.Context(), apiKey); err == nil {
			return user
		}
	}

	return nil
}

// GetUserFromContext extracts the authenticated user from gin context
func GetUserFromContext(c *gin.Context) (*types.User, bool) {
	user, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}
	typedUser, ok := user.(*types.User)
	return typedUser, ok
}
