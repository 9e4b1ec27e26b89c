package routes

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/internal/registry"
)

// handleBlobUploadStart opens a chunked upload session. Two query-parameter
// fast paths short-circuit the session entirely: ?mount=&from= attempts a
// cross-repository mount, and ?digest= performs a monolithic single-request
// upload of the whole body.
func handleBlobUploadStart(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)

		if mountDigest := c.Query("mount"); mountDigest != "" {
			blob, err := registryService.MountBlob(c.Request.Context(), name, mountDigest)
			if err == nil {
				c.Header("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, blob.Digest))
				c.Header("Docker-Content-Digest", blob.Digest)
				c.Status(http.StatusCreated)
				return
			}
			// Mount miss falls through to a regular upload session per the
			// distribution protocol
			log.Debug().Err(err).Str("digest", mountDigest).Msg("cross-repository mount missed")
		}

		session, err := registryService.StartUpload(c.Request.Context(), name)
		if err != nil {
			handleServiceError(c, err, notFoundName)
			return
		}

		if dgst := c.Query("digest"); dgst != "" {
			blob, err := registryService.FinalizeUpload(c.Request.Context(), session.ID, dgst, c.Request.Body)
			if err != nil {
				handleServiceError(c, err, notFoundUpload)
				return
			}
			c.Header("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, blob.Digest))
			c.Header("Docker-Content-Digest", blob.Digest)
			c.Status(http.StatusCreated)
			return
		}

		c.Header("Location", uploadLocation(name, session.ID))
		c.Header("Docker-Upload-UUID", session.ID.String())
		c.Header("Range", "0-0")
		c.Status(http.StatusAccepted)
	}
}

func handleBlobUploadChunk(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		sessionID, ok := parseSessionID(c)
		if !ok {
			return
		}

		start, ok := parseContentRangeStart(c)
		if !ok {
			return
		}

		session, err := registryService.AppendChunk(c.Request.Context(), sessionID, start, c.Request.Body)
		if err != nil {
			handleServiceError(c, err, notFoundUpload)
			return
		}

		c.Header("Location", uploadLocation(name, session.ID))
		c.Header("Docker-Upload-UUID", session.ID.String())
		c.Header("Range", fmt.Sprintf("0-%d", committedEnd(session.Offset)))
		c.Status(http.StatusAccepted)
	}
}

func handleBlobUploadComplete(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		sessionID, ok := parseSessionID(c)
		if !ok {
			return
		}

		dgst := c.Query("digest")
		if dgst == "" {
			writeError(c, http.StatusBadRequest, codeDigestInvalid, "digest query parameter required", nil)
			return
		}

		// The final PUT may carry trailing content; a zero-length body is a
		// bare close
		var finalChunk = c.Request.Body
		if c.Request.ContentLength == 0 {
			finalChunk = nil
		}

		blob, err := registryService.FinalizeUpload(c.Request.Context(), sessionID, dgst, finalChunk)
		if err != nil {
			handleServiceError(c, err, notFoundUpload)
			return
		}

		c.Header("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, blob.Digest))
		c.Header("Docker-Content-Digest", blob.Digest)
		c.Status(http.StatusCreated)
	}
}

func handleBlobUploadCancel(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, ok := parseSessionID(c)
		if !ok {
			return
		}

		if err := registryService.CancelUpload(c.Request.Context(), sessionID); err != nil {
			handleServiceError(c, err, notFoundUpload)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func handleBlobUploadStatus(registryService *registry.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := repositoryName(c)
		sessionID, ok := parseSessionID(c)
		if !ok {
			return
		}

		session, err := registryService.UploadStatus(c.Request.Context(), sessionID)
		if err != nil {
			handleServiceError(c, err, notFoundUpload)
			return
		}

		c.Header("Location", uploadLocation(name, session.ID))
		c.Header("Docker-Upload-UUID", session.ID.String())
		c.Header("Range", fmt.Sprintf("0-%d", committedEnd(session.Offset)))
		c.Status(http.StatusNoContent)
	}
}

func uploadLocation(name string, sessionID uuid.UUID) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, sessionID)
}

func parseSessionID(c *gin.Context) (uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		writeError(c, http.StatusNotFound, codeBlobUploadUnknown, "unknown upload session", nil)
		return uuid.Nil, false
	}
	return sessionID, true
}

// parseContentRangeStart reads the chunk's declared start offset from the
// Content-Range header ("start-end"). Absent header means the client streams
// without declaring offsets; -1 signals that to the session manager.
func parseContentRangeStart(c *gin.Context) (int64, bool) {
	contentRange := c.GetHeader("Content-Range")
	if contentRange == "" {
		return -1, true
	}

	startStr, _, found := strings.Cut(contentRange, "-")
	if !found {
		writeError(c, http.StatusBadRequest, codeBlobUploadInvalid, "malformed Content-Range header", nil)
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		writeError(c, http.StatusBadRequest, codeBlobUploadInvalid, "malformed Content-Range header", nil)
		return 0, false
	}
	return start, true
}
