package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/cmd/registry/middleware"
	"github.com/aerugo/aerugo/internal/auth"
	"github.com/aerugo/aerugo/pkg/types"
)

func handleRegister(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, user)
	}
}

func handleLogin(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		token, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.JSON(http.StatusOK, token)
	}
}

// handleToken serves the docker token auth flow: basic credentials in, bearer
// token out. The service and scope query parameters are accepted but access
// is decided per-request, not encoded in the token.
func handleToken(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="registry"`)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "basic credentials required"})
			return
		}

		user, err := authService.VerifyPassword(c.Request.Context(), username, password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		token, err := authService.Login(c.Request.Context(), &types.LoginRequest{Username: username, Password: password})
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		log.Debug().Str("username", user.Username).Msg("issued registry token")

		c.JSON(http.StatusOK, gin.H{
			"token":      token.Token,
			"expires_in": int(time.Until(token.ExpiresAt).Seconds()),
			"issued_at":  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleCreateAPIKey(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, exists := middleware.GetUserFromContext(c)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		apiKey, plaintext, err := authService.CreateAPIKey(c.Request.Context(), user.ID, req.Name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create API key"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":   apiKey.ID,
			"name": apiKey.Name,
			"key":  plaintext,
		})
	}
}

func handleRevokeAPIKey(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, exists := middleware.GetUserFromContext(c)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		keyID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
			return
		}

		if err := authService.RevokeAPIKey(c.Request.Context(), keyID, user.ID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}

		c.Status(http.StatusNoContent)
	}
}
