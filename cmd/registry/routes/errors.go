package routes

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/internal/registry"
)

// apiError is one entry of the v2 error envelope
type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
}

// v2 error codes
const (
	codeBlobUnknown         = "BLOB_UNKNOWN"
	codeBlobUploadInvalid   = "BLOB_UPLOAD_INVALID"
	codeBlobUploadUnknown   = "BLOB_UPLOAD_UNKNOWN"
	codeDigestInvalid       = "DIGEST_INVALID"
	codeManifestBlobUnknown = "MANIFEST_BLOB_UNKNOWN"
	codeManifestInvalid     = "MANIFEST_INVALID"
	codeManifestUnknown     = "MANIFEST_UNKNOWN"
	codeNameInvalid         = "NAME_INVALID"
	codeNameUnknown         = "NAME_UNKNOWN"
	codeTagInvalid          = "TAG_INVALID"
	codeUnsupported         = "UNSUPPORTED"
	codeDenied              = "DENIED"
	codeTooManyRequests     = "TOOMANYREQUESTS"
	codeUnknown             = "UNKNOWN"
)

func writeError(c *gin.Context, status int, code, message string, detail interface{}) {
	c.JSON(status, errorEnvelope{Errors: []apiError{{Code: code, Message: message, Detail: detail}}})
}

// notFoundCode distinguishes the v2 unknown-entity codes by endpoint family
type notFoundCode string

const (
	notFoundBlob     notFoundCode = codeBlobUnknown
	notFoundManifest notFoundCode = codeManifestUnknown
	notFoundUpload   notFoundCode = codeBlobUploadUnknown
	notFoundName     notFoundCode = codeNameUnknown
)

// handleServiceError translates registry service errors into the v2 error
// envelope. nfCode selects the unknown-entity code for ErrNotFound since the
// wire format distinguishes missing blobs, manifests and upload sessions.
func handleServiceError(c *gin.Context, err error, nfCode notFoundCode) {
	var rangeErr *registry.RangeMismatchError
	switch {
	case errors.As(err, &rangeErr):
		// Resumable clients read the committed offset from Range and retry
		c.Header("Range", fmt.Sprintf("0-%d", committedEnd(rangeErr.CurrentOffset)))
		writeError(c, http.StatusRequestedRangeNotSatisfiable, codeBlobUploadInvalid,
			"chunk offset does not match upload offset", gin.H{"offset": rangeErr.CurrentOffset})

	case errors.Is(err, registry.ErrNotFound):
		writeError(c, http.StatusNotFound, string(nfCode), "not found", nil)

	case errors.Is(err, registry.ErrDigestInvalid):
		writeError(c, http.StatusBadRequest, codeDigestInvalid, "invalid digest", nil)

	case errors.Is(err, registry.ErrDigestMismatch):
		writeError(c, http.StatusBadRequest, codeDigestInvalid, "provided digest did not match uploaded content", nil)

	case errors.Is(err, registry.ErrNameInvalid):
		writeError(c, http.StatusBadRequest, codeNameInvalid, "invalid repository name", nil)

	case errors.Is(err, registry.ErrTagInvalid):
		writeError(c, http.StatusBadRequest, codeTagInvalid, "invalid tag", nil)

	case errors.Is(err, registry.ErrManifestReferenceMissing):
		writeError(c, http.StatusBadRequest, codeManifestBlobUnknown, "manifest references unknown content", gin.H{"cause": err.Error()})

	case errors.Is(err, registry.ErrManifestInvalid):
		writeError(c, http.StatusBadRequest, codeManifestInvalid, "invalid manifest", gin.H{"cause": err.Error()})

	case errors.Is(err, registry.ErrMediaTypeUnsupported):
		writeError(c, http.StatusBadRequest, codeUnsupported, "unsupported manifest media type", nil)

	case errors.Is(err, registry.ErrSessionBusy):
		writeError(c, http.StatusConflict, codeBlobUploadInvalid, "upload session is busy", nil)

	case errors.Is(err, registry.ErrSessionInvalid):
		writeError(c, http.StatusBadRequest, codeBlobUploadInvalid, "upload session is no longer usable", nil)

	case errors.Is(err, registry.ErrGCActive):
		writeError(c, http.StatusConflict, codeTooManyRequests, "garbage collection already running", nil)

	default:
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("unhandled registry error")
		writeError(c, http.StatusInternalServerError, codeUnknown, "internal error", nil)
	}
}

// committedEnd renders an inclusive range end for a cumulative offset; an
// empty upload reports 0-0
func committedEnd(offset int64) int64 {
	if offset <= 0 {
		return 0
	}
	return offset - 1
}
