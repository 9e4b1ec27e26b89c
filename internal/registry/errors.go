package registry

import (
	"errors"
	"fmt"
)

// Error taxonomy of the registry core. Handlers map these onto the Docker V2
// error envelope; everything else surfaces as an internal error. No failure
// is fatal to the process, all are scoped to one request or session.
var (
	// ErrNotFound covers unknown repositories, digests and tags
	ErrNotFound = errors.New("not found")

	// ErrDigestMismatch is an integrity failure: the uploaded content does
	// not hash to the declared digest. The upload is discarded.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrDigestInvalid means the supplied digest string is malformed
	ErrDigestInvalid = errors.New("invalid digest")

	// ErrRangeMismatch is an out-of-order chunk; the client must resync from
	// the reported offset
	ErrRangeMismatch = errors.New("range mismatch")

	// ErrManifestReferenceMissing means a manifest references a blob or child
	// manifest that does not exist; nothing is persisted
	ErrManifestReferenceMissing = errors.New("manifest references missing content")

	// ErrManifestInvalid means the manifest payload could not be parsed for
	// its media type
	ErrManifestInvalid = errors.New("invalid manifest")

	// ErrMediaTypeUnsupported means the manifest media type is outside the
	// supported variant set
	ErrMediaTypeUnsupported = errors.New("unsupported manifest media type")

	// ErrSessionBusy is transient lock contention on an upload session; the
	// caller should retry with backoff
	ErrSessionBusy = errors.New("upload session busy")

	// ErrSessionInvalid means the session exists but cannot accept the
	// operation (wrong state or expired)
	ErrSessionInvalid = errors.New("upload session invalid")

	// ErrNameInvalid means the repository name fails the path-component
	// grammar
	ErrNameInvalid = errors.New("invalid repository name")

	// ErrTagInvalid means the tag name is malformed
	ErrTagInvalid = errors.New("invalid tag")

	// ErrGCActive means another garbage collection run holds the registry
	// lock; the run is skipped, not queued
	ErrGCActive = errors.New("garbage collection already running")
)

// RangeMismatchError carries the session's current offset so the client can
// resynchronize. Matches ErrRangeMismatch under errors.Is.
type RangeMismatchError struct {
	CurrentOffset int64
}

func (e *RangeMismatchError) Error() string {
	return fmt.Sprintf("range mismatch: next chunk must start at offset %d", e.CurrentOffset)
}

func (e *RangeMismatchError) Is(target error) bool {
	return target == ErrRangeMismatch
}
