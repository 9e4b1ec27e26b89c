package registry

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/types"
)

// assembleInPlace completes the session's multipart object the way a finalize
// does just before the digest check, simulating a node that crashed at that
// point
func assembleInPlace(t *testing.T, svc *Service, session *types.UploadSession) {
	t.Helper()
	parts := make([]storage.Part, 0, len(session.Parts))
	for _, p := range session.Parts {
		parts = append(parts, storage.Part{Number: p.Number, ETag: p.ETag, Size: p.Size})
	}
	require.NoError(t, svc.storage.CompleteMultipart(context.Background(), session.StoragePath, session.MultipartID, parts))
}

func TestStartUpload(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	assert.Equal(t, types.UploadStateOpen, session.State)
	assert.Equal(t, int64(0), session.Offset)
	assert.True(t, session.ExpiresAt.After(time.Now()))
}

func TestStartUpload_InvalidName(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.StartUpload(context.Background(), "UPPERCASE/Bad")
	assert.ErrorIs(t, err, ErrNameInvalid)
}

func TestChunkedUploadAndFinalize(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	session, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("ab"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), session.Offset)

	session, err = svc.AppendChunk(ctx, session.ID, 2, strings.NewReader("cd"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), session.Offset)

	want := digest.Canonical.FromString("abcd")
	blob, err := svc.FinalizeUpload(ctx, session.ID, want.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, want.String(), blob.Digest)
	assert.Equal(t, int64(4), blob.Size)

	// Session is gone after finalize
	_, err = svc.UploadStatus(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Content is retrievable by digest
	reader, got, err := svc.GetBlob(ctx, want.String())
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(content))
	assert.Equal(t, want.String(), got.Digest)
}

func TestAppendChunk_RangeMismatchDoesNotAdvance(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	_, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("ab"))
	require.NoError(t, err)

	// Wrong start offset fails and reports the committed offset
	_, err = svc.AppendChunk(ctx, session.ID, 5, strings.NewReader("cd"))
	require.ErrorIs(t, err, ErrRangeMismatch)

	var rangeErr *RangeMismatchError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, int64(2), rangeErr.CurrentOffset)

	// The failed chunk did not advance the session
	status, err := svc.UploadStatus(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.Offset)

	// The correct offset still works
	_, err = svc.AppendChunk(ctx, session.ID, 2, strings.NewReader("cd"))
	assert.NoError(t, err)
}

func TestAppendChunk_UndeclaredOffset(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	session, err = svc.AppendChunk(ctx, session.ID, -1, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), session.Offset)
}

func TestFinalizeUpload_DigestMismatchDestroysUpload(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	_, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("content"))
	require.NoError(t, err)

	wrong := digest.Canonical.FromString("something else")
	_, err = svc.FinalizeUpload(ctx, session.ID, wrong.String(), nil)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	// No blob row was created and the session is gone
	_, err = svc.StatBlob(ctx, wrong.String())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.UploadStatus(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeUpload_InvalidDigest(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	_, err = svc.FinalizeUpload(ctx, session.ID, "not-a-digest", nil)
	assert.ErrorIs(t, err, ErrDigestInvalid)
}

func TestFinalizeUpload_WithFinalChunk(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	_, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("ab"))
	require.NoError(t, err)

	want := digest.Canonical.FromString("abcd")
	blob, err := svc.FinalizeUpload(ctx, session.ID, want.String(), strings.NewReader("cd"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), blob.Size)
}

func TestFinalizeUpload_EmptyBlob(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	want := digest.Canonical.FromString("")
	blob, err := svc.FinalizeUpload(ctx, session.ID, want.String(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), blob.Size)
}

func TestFinalizeUpload_DeduplicatesByDigest(t *testing.T) {
	svc, meta := setupTestService(t)
	ctx := context.Background()

	want := digest.Canonical.FromString("shared content")

	first, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)
	_, err = svc.AppendChunk(ctx, first.ID, 0, strings.NewReader("shared content"))
	require.NoError(t, err)
	blobA, err := svc.FinalizeUpload(ctx, first.ID, want.String(), nil)
	require.NoError(t, err)

	second, err := svc.StartUpload(ctx, "library/debian")
	require.NoError(t, err)
	_, err = svc.AppendChunk(ctx, second.ID, 0, strings.NewReader("shared content"))
	require.NoError(t, err)
	blobB, err := svc.FinalizeUpload(ctx, second.ID, want.String(), nil)
	require.NoError(t, err)

	// Both uploads converge on one stored blob
	assert.Equal(t, blobA.ID, blobB.ID)

	blobs, err := meta.ListBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestAppendChunk_SessionBusy(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	// Simulate a concurrent holder of the session lock
	lease, err := svc.locks.Acquire(ctx, lockKeySession(session.ID), time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrSessionBusy)
}

func TestCancelUpload_Idempotent(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	require.NoError(t, svc.CancelUpload(ctx, session.ID))
	require.NoError(t, svc.CancelUpload(ctx, session.ID))

	_, err = svc.UploadStatus(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// A cancelled session refuses further chunks
	_, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("ab"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelUpload_RemovesAssembledObject(t *testing.T) {
	svc, meta := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)
	session, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("partial"))
	require.NoError(t, err)

	assembleInPlace(t, svc, session)
	session.State = types.UploadStateFinalizing
	require.NoError(t, meta.UpdateSession(ctx, session))

	require.NoError(t, svc.CancelUpload(ctx, session.ID))

	// Aborting the multipart alone would leave the assembled object behind
	exists, err := svc.storage.Exists(ctx, session.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepExpiredUploads_RemovesAssembledObject(t *testing.T) {
	svc, meta := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)
	session, err = svc.AppendChunk(ctx, session.ID, 0, strings.NewReader("partial"))
	require.NoError(t, err)

	assembleInPlace(t, svc, session)
	session.State = types.UploadStateFinalizing
	session.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, meta.UpdateSession(ctx, session))

	reaped, err := svc.SweepExpiredUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	exists, err := svc.storage.Exists(ctx, session.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSweepExpiredUploads(t *testing.T) {
	svc, meta := setupTestService(t)
	ctx := context.Background()

	fresh, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	stale, err := svc.StartUpload(ctx, "library/debian")
	require.NoError(t, err)

	// Force the second session past its TTL
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, meta.UpdateSession(ctx, stale))

	reaped, err := svc.SweepExpiredUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = svc.UploadStatus(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.UploadStatus(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepExpiredUploads_SkipsLockedSessions(t *testing.T) {
	svc, meta := setupTestService(t)
	ctx := context.Background()

	session, err := svc.StartUpload(ctx, "library/alpine")
	require.NoError(t, err)

	session.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, meta.UpdateSession(ctx, session))

	// A finalize in flight holds the session lock; the sweep must not touch it
	lease, err := svc.locks.Acquire(ctx, lockKeySession(session.ID), time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	reaped, err := svc.SweepExpiredUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	_, err = svc.UploadStatus(ctx, session.ID)
	assert.NoError(t, err)
}
