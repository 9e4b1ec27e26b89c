package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/types"
)

// StartUpload creates a new chunked upload session for a repository. Session
// ids are generated, never derived from node identity, so concurrent begins
// on different nodes cannot collide.
func (s *Service) StartUpload(ctx context.Context, repoName string) (*types.UploadSession, error) {
	if err := validateRepositoryName(repoName); err != nil {
		return nil, err
	}

	repo, err := s.meta.GetOrCreateRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &types.UploadSession{
		ID:           uuid.New(),
		RepositoryID: repo.ID,
		State:        types.UploadStateOpen,
		Offset:       0,
		StartedAt:    now,
		ExpiresAt:    now.Add(s.cfg.UploadSessionTTL),
	}
	session.StoragePath = uploadPath(session.ID)

	multipartID, err := s.storage.CreateMultipart(ctx, session.StoragePath)
	if err != nil {
		return nil, err
	}
	session.MultipartID = multipartID

	if err := s.meta.CreateSession(ctx, session); err != nil {
		// Backing-store-first write order: a failed metadata write leaves at
		// most an orphan multipart, reclaimed here.
		if abortErr := s.storage.AbortMultipart(ctx, session.StoragePath, multipartID); abortErr != nil {
			log.Warn().Err(abortErr).Str("session_id", session.ID.String()).Msg("failed to abort orphan multipart upload")
		}
		return nil, err
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("repository", repoName).
		Time("expires_at", session.ExpiresAt).
		Msg("started blob upload session")

	return session, nil
}

// AppendChunk appends one chunk to an upload session. start is the declared
// starting offset of the chunk, or -1 when the client did not declare one.
// Chunks must be strictly sequential and gapless: a declared start that does
// not equal the session's cumulative offset fails with a RangeMismatchError
// and does not advance the offset. Concurrent appends to one session are
// serialized by a per-session lease lock; the loser fails with ErrSessionBusy.
func (s *Service) AppendChunk(ctx context.Context, sessionID uuid.UUID, start int64, content io.Reader) (*types.UploadSession, error) {
	lease, err := s.acquireSessionLock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	session, err := s.getOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if start >= 0 && start != session.Offset {
		return nil, &RangeMismatchError{CurrentOffset: session.Offset}
	}

	if err := s.appendPart(ctx, session, content); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID.String()).
		Int64("offset", session.Offset).
		Msg("appended chunk to upload session")

	return session, nil
}

// appendPart writes one part to the backing multipart object and advances the
// session offset only after the write is acknowledged durable. Callers hold
// the session lock.
func (s *Service) appendPart(ctx context.Context, session *types.UploadSession, content io.Reader) error {
	partNumber := len(session.Parts) + 1
	counter := &countingReader{r: content}

	etag, err := s.storage.UploadPart(ctx, session.StoragePath, session.MultipartID, partNumber, counter)
	if err != nil {
		return err
	}

	session.Parts = append(session.Parts, types.Part{
		Number: partNumber,
		ETag:   etag,
		Size:   counter.n,
	})
	session.Offset += counter.n

	return s.meta.UpdateSession(ctx, session)
}

// FinalizeUpload closes the upload, verifies the assembled content against
// the expected digest and records the blob. On digest mismatch the partial
// object and session are destroyed and no blob row is created. On a
// deduplication hit the freshly uploaded bytes are discarded and the
// existing blob is returned.
func (s *Service) FinalizeUpload(ctx context.Context, sessionID uuid.UUID, expectedDigest string, finalChunk io.Reader) (*types.Blob, error) {
	dgst, err := parseDigest(expectedDigest)
	if err != nil {
		return nil, err
	}

	lease, err := s.acquireSessionLock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	session, err := s.getOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if finalChunk != nil {
		if err := s.appendPart(ctx, session, finalChunk); err != nil {
			return nil, err
		}
	}

	session.State = types.UploadStateFinalizing
	if err := s.meta.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := s.assembleUpload(ctx, session); err != nil {
		return nil, err
	}

	size, verified, err := s.verifyUpload(ctx, session, dgst)
	if err != nil {
		return nil, err
	}
	if !verified {
		// Integrity failure: discard everything, surface the mismatch
		if err := s.storage.Delete(ctx, session.StoragePath); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to delete mismatched upload object")
		}
		if err := s.meta.DeleteSession(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to delete mismatched upload session")
		}
		return nil, ErrDigestMismatch
	}

	blob, err := s.recordBlob(ctx, session, dgst, size)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Delete(ctx, cacheKeyBlob(dgst.String())); err != nil {
		log.Warn().Err(err).Str("digest", dgst.String()).Msg("failed to invalidate blob cache entry")
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("digest", dgst.String()).
		Int64("size", size).
		Msg("completed blob upload")

	return blob, nil
}

// assembleUpload completes the backing multipart object. A session with no
// parts is a legal zero-length blob: the empty multipart is aborted and an
// empty object written in its place.
func (s *Service) assembleUpload(ctx context.Context, session *types.UploadSession) error {
	if len(session.Parts) == 0 {
		if err := s.storage.AbortMultipart(ctx, session.StoragePath, session.MultipartID); err != nil {
			return err
		}
		return s.storage.Store(ctx, session.StoragePath, bytes.NewReader(nil), "application/octet-stream")
	}

	parts := make([]storage.Part, 0, len(session.Parts))
	for _, p := range session.Parts {
		parts = append(parts, storage.Part{Number: p.Number, ETag: p.ETag, Size: p.Size})
	}
	return s.storage.CompleteMultipart(ctx, session.StoragePath, session.MultipartID, parts)
}

// verifyUpload streams the assembled object through a digest verifier
func (s *Service) verifyUpload(ctx context.Context, session *types.UploadSession, dgst digest.Digest) (int64, bool, error) {
	reader, err := s.storage.Retrieve(ctx, session.StoragePath)
	if err != nil {
		return 0, false, err
	}
	defer reader.Close()

	verifier := dgst.Verifier()
	size, err := io.Copy(verifier, reader)
	if err != nil {
		return 0, false, err
	}
	return size, verifier.Verified(), nil
}

// recordBlob moves the verified object to its content address and records the
// blob row in the same transaction that deletes the session. Racing finalizes
// of the same digest converge: exactly one insert wins, the other observes
// the dedup path.
func (s *Service) recordBlob(ctx context.Context, session *types.UploadSession, dgst digest.Digest, size int64) (*types.Blob, error) {
	existing, err := s.meta.GetBlobByDigest(ctx, dgst.String())
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if existing != nil {
		// Dedup hit: content-addressing guarantees byte-identical content,
		// the fresh copy is discarded
		if err := s.storage.Delete(ctx, session.StoragePath); err != nil {
			log.Warn().Err(err).Str("digest", dgst.String()).Msg("failed to delete duplicate upload object")
		}
		if err := s.meta.CompleteSession(ctx, session.ID, nil, false); err != nil {
			return nil, err
		}
		return existing, nil
	}

	// Bytes become durable at the content address before the metadata commit
	if err := s.storage.Move(ctx, session.StoragePath, blobPath(dgst)); err != nil {
		return nil, err
	}

	blob := &types.Blob{
		Digest:      dgst.String(),
		Size:        size,
		StoragePath: blobPath(dgst),
	}
	err = s.meta.CompleteSession(ctx, session.ID, blob, true)
	if err != nil {
		if isDuplicateKey(err) {
			// Lost the insert race; the winner's content is byte-identical
			if winner, getErr := s.meta.GetBlobByDigest(ctx, dgst.String()); getErr == nil {
				if delErr := s.meta.DeleteSession(ctx, session.ID); delErr != nil {
					log.Warn().Err(delErr).Str("session_id", session.ID.String()).Msg("failed to delete session after lost dedup race")
				}
				return winner, nil
			}
		}
		return nil, err
	}
	return blob, nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// CancelUpload destroys an upload session and its partial content; idempotent
func (s *Service) CancelUpload(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.meta.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if err := s.storage.AbortMultipart(ctx, session.StoragePath, session.MultipartID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to abort multipart on cancel")
	}
	// A session interrupted mid-finalize already assembled its object; abort
	// alone cannot reclaim that
	if err := s.storage.Delete(ctx, session.StoragePath); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to delete partial upload object")
	}
	if err := s.meta.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	log.Info().Str("session_id", sessionID.String()).Msg("cancelled blob upload session")
	return nil
}

// UploadStatus returns the session's current cumulative offset for resumable
// clients
func (s *Service) UploadStatus(ctx context.Context, sessionID uuid.UUID) (*types.UploadSession, error) {
	session, err := s.meta.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// SweepExpiredUploads reaps sessions past their TTL: partial backing-store
// objects and session rows are deleted. The sweep takes each session's lock
// first so it never destroys a finalize in flight; contended sessions are
// skipped for this pass.
func (s *Service) SweepExpiredUploads(ctx context.Context) (int, error) {
	sessions, err := s.meta.ListExpiredSessions(ctx, time.Now(), 0)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, session := range sessions {
		lease, err := s.locks.Acquire(ctx, lockKeySession(session.ID), s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, common.ErrLockHeld) {
				continue
			}
			return reaped, err
		}

		if err := s.storage.AbortMultipart(ctx, session.StoragePath, session.MultipartID); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to abort expired multipart upload")
		}
		if err := s.storage.Delete(ctx, session.StoragePath); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("failed to delete expired upload object")
		}
		if err := s.meta.DeleteSession(ctx, session.ID); err != nil {
			lease.Release(ctx)
			return reaped, err
		}
		lease.Release(ctx)
		reaped++

		log.Info().Str("session_id", session.ID.String()).Msg("reaped expired upload session")
	}

	return reaped, nil
}

// SweepLoop runs the expired-session sweep on an interval until ctx is done
func (s *Service) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepExpiredUploads(ctx); err != nil {
				log.Error().Err(err).Msg("upload session sweep failed")
			} else if n > 0 {
				log.Info().Int("count", n).Msg("swept expired upload sessions")
			}
		}
	}
}

// acquireSessionLock maps lock contention to ErrSessionBusy
func (s *Service) acquireSessionLock(ctx context.Context, sessionID uuid.UUID) (Lease, error) {
	lease, err := s.locks.Acquire(ctx, lockKeySession(sessionID), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, common.ErrLockHeld) {
			return nil, ErrSessionBusy
		}
		return nil, err
	}
	return lease, nil
}

// getOpenSession loads a session that must be open and unexpired
func (s *Service) getOpenSession(ctx context.Context, sessionID uuid.UUID) (*types.UploadSession, error) {
	session, err := s.meta.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if session.State != types.UploadStateOpen {
		return nil, ErrSessionInvalid
	}
	if session.Expired(time.Now()) {
		return nil, ErrSessionInvalid
	}
	return session, nil
}

// countingReader counts bytes as they stream to the backing store
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
