package routes

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/internal/registry"
)

// manifest payloads are bounded; anything larger is not a manifest
const maxManifestBytes = 4 << 20

func handleManifestGet(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		reference := c.Param("reference")

		manifest, err := registryService.GetManifest(c.Request.Context(), name, reference)
		if err != nil {
			handleServiceError(c, err, notFoundManifest)
			return
		}

		c.Header("Docker-Content-Digest", manifest.Digest)
		c.Header("Content-Length", fmt.Sprintf("%d", manifest.Size))
		c.Data(http.StatusOK, manifest.MediaType, manifest.Payload)
	}
}

func handleManifestHead(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		reference := c.Param("reference")

		manifest, err := registryService.GetManifest(c.Request.Context(), name, reference)
		if err != nil {
			handleServiceError(c, err, notFoundManifest)
			return
		}

		c.Header("Docker-Content-Digest", manifest.Digest)
		c.Header("Content-Type", manifest.MediaType)
		c.Header("Content-Length", fmt.Sprintf("%d", manifest.Size))
		c.Status(http.StatusOK)
	}
}

func handleManifestPut(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		reference := c.Param("reference")

		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxManifestBytes+1))
		if err != nil {
			writeError(c, http.StatusBadRequest, codeManifestInvalid, "failed to read manifest body", nil)
			return
		}
		if len(payload) > maxManifestBytes {
			writeError(c, http.StatusBadRequest, codeManifestInvalid, "manifest payload too large", nil)
			return
		}

		manifest, err := registryService.PutManifest(c.Request.Context(), name, reference, c.GetHeader("Content-Type"), payload)
		if err != nil {
			handleServiceError(c, err, notFoundManifest)
			return
		}

		c.Header("Location", fmt.Sprintf("/v2/%s/manifests/%s", name, manifest.Digest))
		c.Header("Docker-Content-Digest", manifest.Digest)
		c.Status(http.StatusCreated)

		log.Info().
			Str("repository", name).
			Str("reference", reference).
			Str("digest", manifest.Digest).
			Msg("manifest pushed")
	}
}

func handleManifestDelete(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		reference := c.Param("reference")

		if err := registryService.DeleteManifest(c.Request.Context(), name, reference); err != nil {
			handleServiceError(c, err, notFoundManifest)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func handleTagsList(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		last, limit := paginationParams(c)

		tags, err := registryService.ListTags(c.Request.Context(), name, last, limit)
		if err != nil {
			handleServiceError(c, err, notFoundName)
			return
		}

		c.JSON(http.StatusOK, gin.H{"name": name, "tags": tags})
	}
}

func handleCatalog(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		last, limit := paginationParams(c)

		repositories, err := registryService.Catalog(c.Request.Context(), last, limit)
		if err != nil {
			handleServiceError(c, err, notFoundName)
			return
		}

		c.JSON(http.StatusOK, gin.H{"repositories": repositories})
	}
}

func paginationParams(c *gin.Context) (string, int) {
	last := c.Query("last")
	limit := 100
	if n := c.Query("n"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return last, limit
}
