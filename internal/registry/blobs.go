package registry

import (
	"context"
	"errors"
	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/aerugo/aerugo/pkg/types"
)

// StatBlob returns existence and size for a blob digest. Serves the HEAD
// path clients use for cross-mount and dedup checks before attempting an
// upload, so reads go through the cache layer.
func (s *Service) StatBlob(ctx context.Context, digestStr string) (*types.Blob, error) {
	dgst, err := parseDigest(digestStr)
	if err != nil {
		return nil, err
	}

	var cached types.Blob
	found, err := s.cache.Get(ctx, cacheKeyBlob(dgst.String()), &cached)
	if err != nil {
		log.Warn().Err(err).Str("digest", dgst.String()).Msg("blob cache read failed")
	} else if found {
		return &cached, nil
	}

	blob, err := s.meta.GetBlobByDigest(ctx, dgst.String())
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := s.cache.Set(ctx, cacheKeyBlob(dgst.String()), blob, s.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Str("digest", dgst.String()).Msg("blob cache write failed")
	}

	return blob, nil
}

// GetBlob streams blob content by digest. The backing-store read is
// idempotent and retried a bounded number of times with backoff.
func (s *Service) GetBlob(ctx context.Context, digestStr string) (io.ReadCloser, *types.Blob, error) {
	blob, err := s.StatBlob(ctx, digestStr)
	if err != nil {
		return nil, nil, err
	}

	var reader io.ReadCloser
	op := func() error {
		var retrieveErr error
		reader, retrieveErr = s.storage.Retrieve(ctx, blob.StoragePath)
		return retrieveErr
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(s.cfg.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, nil, err
	}

	return reader, blob, nil
}

// DeleteBlob removes the blob row and its backing object. The metadata row
// goes first: a crash mid-delete leaves an orphan object for the garbage
// collector, never a row pointing at missing bytes.
func (s *Service) DeleteBlob(ctx context.Context, digestStr string) error {
	blob, err := s.StatBlob(ctx, digestStr)
	if err != nil {
		return err
	}

	if err := s.meta.DeleteBlob(ctx, blob.Digest); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, cacheKeyBlob(blob.Digest)); err != nil {
		log.Warn().Err(err).Str("digest", blob.Digest).Msg("failed to invalidate blob cache entry")
	}
	if err := s.storage.Delete(ctx, blob.StoragePath); err != nil {
		log.Warn().Err(err).Str("digest", blob.Digest).Msg("failed to delete blob object")
	}

	log.Info().Str("digest", blob.Digest).Msg("deleted blob")
	return nil
}

// MountBlob serves the cross-repository mount fast path. Blobs are global
// and content-addressed, so a mount only has to confirm the blob exists and
// ensure the target repository row; no bytes move.
func (s *Service) MountBlob(ctx context.Context, targetRepo, digestStr string) (*types.Blob, error) {
	if err := validateRepositoryName(targetRepo); err != nil {
		return nil, err
	}

	blob, err := s.StatBlob(ctx, digestStr)
	if err != nil {
		return nil, err
	}

	if _, err := s.meta.GetOrCreateRepository(ctx, targetRepo); err != nil {
		return nil, err
	}

	log.Info().
		Str("repository", targetRepo).
		Str("digest", blob.Digest).
		Msg("mounted blob")

	return blob, nil
}
