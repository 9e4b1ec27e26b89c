package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/pkg/types"
)

// GCOptions controls a garbage collection run
type GCOptions struct {
	// DryRun counts candidates without deleting anything
	DryRun bool
	// GracePeriod protects recently written rows from a racing push that has
	// stored metadata but not yet tagged; zero falls back to the configured
	// default
	GracePeriod time.Duration
}

// GCResult summarizes a garbage collection run
type GCResult struct {
	ManifestsMarked  int
	BlobsMarked      int
	ManifestsDeleted int
	BlobsDeleted     int
	UploadsDeleted   int
}

// RunGC performs a mark-and-sweep over the shared metadata store. The mark
// phase computes the closure reachable from any tag through manifests, child
// manifests and blobs; the sweep deletes unreachable rows and their backing
// objects once they are older than the grace period.
//
// At most one run executes across all nodes: the registry-wide lock is taken
// for the duration and renewed while the run progresses. A contended lock
// skips the run (ErrGCActive), it is not queued.
func (s *Service) RunGC(ctx context.Context, opts GCOptions) (*GCResult, error) {
	lease, err := s.locks.Acquire(ctx, lockKeyGC, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, common.ErrLockHeld) {
			return nil, ErrGCActive
		}
		return nil, err
	}
	defer lease.Release(ctx)

	stopRenewal := s.renewWhileRunning(ctx, lease)
	defer stopRenewal()

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = s.cfg.GCGracePeriod
	}
	cutoff := time.Now().Add(-grace)

	tags, err := s.meta.ListAllTags(ctx)
	if err != nil {
		return nil, err
	}
	manifests, err := s.meta.ListManifests(ctx)
	if err != nil {
		return nil, err
	}

	marked := mark(tags, manifests, cutoff)

	result := &GCResult{
		ManifestsMarked: len(marked.manifests),
		BlobsMarked:     len(marked.blobs),
	}

	for _, manifest := range manifests {
		if _, ok := marked.manifests[manifestKey(manifest.RepositoryID, manifest.Digest)]; ok {
			continue
		}
		if !opts.DryRun {
			if err := s.meta.DeleteManifest(ctx, manifest.RepositoryID, manifest.Digest); err != nil {
				log.Warn().Err(err).Str("digest", manifest.Digest).Msg("failed to delete unreachable manifest")
				continue
			}
		}
		result.ManifestsDeleted++
	}

	blobs, err := s.meta.ListBlobs(ctx)
	if err != nil {
		return result, err
	}

	for _, blob := range blobs {
		if _, ok := marked.blobs[blob.Digest]; ok {
			continue
		}
		if blob.CreatedAt.After(cutoff) {
			continue
		}
		if !opts.DryRun {
			// Metadata row first: a crash here leaves an orphan object, never
			// a row pointing at missing bytes
			if err := s.meta.DeleteBlob(ctx, blob.Digest); err != nil {
				log.Warn().Err(err).Str("digest", blob.Digest).Msg("failed to delete unreferenced blob row")
				continue
			}
			if err := s.cache.Delete(ctx, cacheKeyBlob(blob.Digest)); err != nil {
				log.Warn().Err(err).Str("digest", blob.Digest).Msg("failed to invalidate blob cache entry")
			}
			if err := s.storage.Delete(ctx, blob.StoragePath); err != nil {
				log.Warn().Err(err).Str("digest", blob.Digest).Msg("failed to delete unreferenced blob object")
			}
		}
		result.BlobsDeleted++
	}

	if err := s.sweepOrphanedUploads(ctx, opts.DryRun, result); err != nil {
		return result, err
	}

	log.Info().
		Bool("dry_run", opts.DryRun).
		Int("manifests_marked", result.ManifestsMarked).
		Int("manifests_deleted", result.ManifestsDeleted).
		Int("blobs_deleted", result.BlobsDeleted).
		Int("uploads_deleted", result.UploadsDeleted).
		Msg("garbage collection run complete")

	return result, nil
}

// sweepOrphanedUploads reclaims assembled upload objects whose session row is
// gone, left behind by a crash between assembly and commit. An object backed
// by a live session row belongs to an in-flight finalize or the session
// sweeper and is skipped.
func (s *Service) sweepOrphanedUploads(ctx context.Context, dryRun bool, result *GCResult) error {
	objects, err := s.storage.List(ctx, "uploads")
	if err != nil {
		return err
	}

	for _, objectPath := range objects {
		if id, ok := sessionIDFromPath(objectPath); ok {
			_, err := s.meta.GetSession(ctx, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if !dryRun {
			if err := s.storage.Delete(ctx, objectPath); err != nil {
				log.Warn().Err(err).Str("path", objectPath).Msg("failed to delete orphaned upload object")
				continue
			}
			log.Info().Str("path", objectPath).Msg("reaped orphaned upload object")
		}
		result.UploadsDeleted++
	}
	return nil
}

// sessionIDFromPath recovers the session id from an upload object path
func sessionIDFromPath(path string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimPrefix(path, "uploads/"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// markSet is the pinned portion of the manifest graph: everything the sweep
// must leave alone
type markSet struct {
	manifests map[string]struct{}
	blobs     map[string]struct{}
}

// mark walks the manifest graph and returns the pinned closure. Roots are all
// tags plus every unreachable manifest still inside the grace window: an
// in-grace manifest survives the run, so its child manifests and blobs must
// survive with it or a racing tag push would find a dangling reference.
func mark(tags []types.Tag, manifests []types.Manifest, cutoff time.Time) *markSet {
	byKey := make(map[string]*types.Manifest, len(manifests))
	for i := range manifests {
		m := &manifests[i]
		byKey[manifestKey(m.RepositoryID, m.Digest)] = m
	}

	set := &markSet{
		manifests: make(map[string]struct{}),
		blobs:     make(map[string]struct{}),
	}

	var walk func(repositoryID uuid.UUID, dgst string)
	walk = func(repositoryID uuid.UUID, dgst string) {
		key := manifestKey(repositoryID, dgst)
		if _, seen := set.manifests[key]; seen {
			return
		}
		m, ok := byKey[key]
		if !ok {
			return
		}
		set.manifests[key] = struct{}{}

		refs, err := parseManifest(m.MediaType, m.Payload)
		if err != nil {
			// A stored manifest that no longer parses still pins nothing
			// extra; it was validated on write
			log.Warn().Err(err).Str("digest", dgst).Msg("failed to parse stored manifest during mark")
			return
		}
		for _, blobDgst := range refs.blobs {
			set.blobs[blobDgst.String()] = struct{}{}
		}
		for _, childDgst := range refs.manifests {
			walk(repositoryID, childDgst.String())
		}
	}

	for _, tag := range tags {
		walk(tag.RepositoryID, tag.ManifestDigest)
	}

	// Grace roots are collected before walking so slice order cannot decide
	// whether a child gets pinned
	var graceRoots []*types.Manifest
	for i := range manifests {
		m := &manifests[i]
		if _, ok := set.manifests[manifestKey(m.RepositoryID, m.Digest)]; ok {
			continue
		}
		if m.CreatedAt.After(cutoff) {
			graceRoots = append(graceRoots, m)
		}
	}
	for _, m := range graceRoots {
		walk(m.RepositoryID, m.Digest)
	}

	return set
}

func manifestKey(repositoryID uuid.UUID, digest string) string {
	return repositoryID.String() + "@" + digest
}

// renewWhileRunning keeps the GC lease alive for the duration of a run
func (s *Service) renewWhileRunning(ctx context.Context, lease Lease) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(ctx, s.cfg.LockTTL); err != nil {
					log.Warn().Err(err).Msg("failed to renew gc lock lease")
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}
