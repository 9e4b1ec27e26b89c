package routes

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/internal/registry"
)

// repositoryName extracts the repository name from the wildcard parameter.
// Gin wildcards keep the leading slash.
func repositoryName(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("name"), "/")
}

func handleBlobGet(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		dgst := c.Param("digest")

		reader, blob, err := registryService.GetBlob(c.Request.Context(), dgst)
		if err != nil {
			handleServiceError(c, err, notFoundBlob)
			return
		}
		defer reader.Close()

		c.Header("Docker-Content-Digest", blob.Digest)
		c.Header("Content-Length", fmt.Sprintf("%d", blob.Size))
		c.Status(http.StatusOK)

		if _, err := io.Copy(c.Writer, reader); err != nil {
			log.Error().Err(err).Str("digest", blob.Digest).Msg("failed to stream blob")
		}
	}
}

func handleBlobHead(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		dgst := c.Param("digest")

		blob, err := registryService.StatBlob(c.Request.Context(), dgst)
		if err != nil {
			handleServiceError(c, err, notFoundBlob)
			return
		}

		c.Header("Docker-Content-Digest", blob.Digest)
		c.Header("Content-Length", fmt.Sprintf("%d", blob.Size))
		c.Status(http.StatusOK)
	}
}

func handleBlobDelete(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		dgst := c.Param("digest")

		if err := registryService.DeleteBlob(c.Request.Context(), dgst); err != nil {
			handleServiceError(c, err, notFoundBlob)
			return
		}
		c.Status(http.StatusAccepted)
	}
}
