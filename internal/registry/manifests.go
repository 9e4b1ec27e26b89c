package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/aerugo/aerugo/pkg/types"
)

// Docker scheduled these under their own vendor tree before OCI standardized
// the layout; both families share the same wire shape.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// manifestReferences is the outcome of the shared validation contract over
// the closed manifest variant set: the digests a manifest requires to exist.
type manifestReferences struct {
	blobs     []digest.Digest
	manifests []digest.Digest
}

// parseManifest validates payload against its media type and extracts the
// referenced digests. Single image manifests reference blobs (config plus
// layers); lists and indexes reference child manifests.
func parseManifest(mediaType string, payload []byte) (*manifestReferences, error) {
	if mediaType == "" {
		mediaType = sniffMediaType(payload)
	}

	switch mediaType {
	case ociv1.MediaTypeImageManifest, mediaTypeDockerManifest:
		var m ociv1.Manifest
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
		if m.Config.Digest == "" {
			return nil, fmt.Errorf("%w: missing config descriptor", ErrManifestInvalid)
		}
		refs := &manifestReferences{}
		if err := appendRef(&refs.blobs, m.Config.Digest); err != nil {
			return nil, err
		}
		for _, layer := range m.Layers {
			if err := appendRef(&refs.blobs, layer.Digest); err != nil {
				return nil, err
			}
		}
		return refs, nil

	case ociv1.MediaTypeImageIndex, mediaTypeDockerManifestList:
		var idx ociv1.Index
		if err := json.Unmarshal(payload, &idx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
		refs := &manifestReferences{}
		for _, desc := range idx.Manifests {
			if err := appendRef(&refs.manifests, desc.Digest); err != nil {
				return nil, err
			}
		}
		return refs, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrMediaTypeUnsupported, mediaType)
	}
}

func appendRef(dst *[]digest.Digest, dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("%w: bad reference digest %q", ErrManifestInvalid, dgst)
	}
	*dst = append(*dst, dgst)
	return nil
}

// sniffMediaType reads the embedded mediaType field when the client did not
// declare one; older docker clients omit the header on schema2 pushes.
func sniffMediaType(payload []byte) string {
	var probe struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.MediaType != "" {
		return probe.MediaType
	}
	return mediaTypeDockerManifest
}

// PutManifest validates and persists a manifest pushed by tag or digest. The
// manifest digest is computed from the exact payload bytes. Every referenced
// blob and child manifest must already exist or the write is rejected with
// ErrManifestReferenceMissing and nothing is persisted. Re-pushing the same
// digest is a no-op returning the existing record.
func (s *Service) PutManifest(ctx context.Context, repoName, ref, mediaType string, payload []byte) (*types.Manifest, error) {
	if err := validateRepositoryName(repoName); err != nil {
		return nil, err
	}

	dgst := digest.Canonical.FromBytes(payload)

	var tagName string
	if strings.Contains(ref, ":") {
		declared, err := parseDigest(ref)
		if err != nil {
			return nil, err
		}
		if declared != dgst {
			return nil, fmt.Errorf("%w: declared %s, computed %s", ErrDigestMismatch, declared, dgst)
		}
	} else {
		if err := validateTagName(ref); err != nil {
			return nil, err
		}
		tagName = ref
	}

	refs, err := parseManifest(mediaType, payload)
	if err != nil {
		return nil, err
	}
	if mediaType == "" {
		mediaType = sniffMediaType(payload)
	}

	repo, err := s.meta.GetOrCreateRepository(ctx, repoName)
	if err != nil {
		return nil, err
	}

	if err := s.verifyReferences(ctx, repo.ID, refs); err != nil {
		return nil, err
	}

	manifest := &types.Manifest{
		RepositoryID: repo.ID,
		Digest:       dgst.String(),
		MediaType:    mediaType,
		Payload:      payload,
		Size:         int64(len(payload)),
	}
	if err := s.meta.PutManifest(ctx, manifest, tagName); err != nil {
		return nil, err
	}

	if tagName != "" {
		if err := s.cache.Delete(ctx, cacheKeyTag(repo.ID, tagName)); err != nil {
			log.Warn().Err(err).Str("tag", tagName).Msg("failed to invalidate tag cache entry")
		}
	}

	log.Info().
		Str("repository", repoName).
		Str("digest", dgst.String()).
		Str("media_type", mediaType).
		Str("tag", tagName).
		Msg("stored manifest")

	return manifest, nil
}

// verifyReferences checks that every referenced digest resolves to an
// existing blob or manifest. Blob existence checks ride the cache layer.
func (s *Service) verifyReferences(ctx context.Context, repositoryID uuid.UUID, refs *manifestReferences) error {
	for _, dgst := range refs.blobs {
		if _, err := s.StatBlob(ctx, dgst.String()); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: blob %s", ErrManifestReferenceMissing, dgst)
			}
			return err
		}
	}
	for _, dgst := range refs.manifests {
		exists, err := s.meta.ManifestExists(ctx, repositoryID, dgst.String())
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: manifest %s", ErrManifestReferenceMissing, dgst)
		}
	}
	return nil
}

// GetManifest retrieves a manifest by tag or digest. Tag resolution is
// cache-accelerated with a bounded staleness window.
func (s *Service) GetManifest(ctx context.Context, repoName, ref string) (*types.Manifest, error) {
	repo, err := s.meta.GetRepository(ctx, repoName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	dgstStr, err := s.resolveReference(ctx, repo.ID, ref)
	if err != nil {
		return nil, err
	}

	manifest, err := s.meta.GetManifest(ctx, repo.ID, dgstStr)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return manifest, nil
}

// resolveReference turns a tag or digest reference into a digest string
func (s *Service) resolveReference(ctx context.Context, repositoryID uuid.UUID, ref string) (string, error) {
	if strings.Contains(ref, ":") {
		dgst, err := parseDigest(ref)
		if err != nil {
			return "", err
		}
		return dgst.String(), nil
	}

	if err := validateTagName(ref); err != nil {
		return "", err
	}

	key := cacheKeyTag(repositoryID, ref)
	var cached string
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		log.Warn().Err(err).Str("tag", ref).Msg("tag cache read failed")
	} else if found {
		return cached, nil
	}

	tag, err := s.meta.ResolveTag(ctx, repositoryID, ref)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	if err := s.cache.Set(ctx, key, tag.ManifestDigest, s.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Str("tag", ref).Msg("tag cache write failed")
	}
	return tag.ManifestDigest, nil
}

// DeleteManifest removes a manifest or tag. Deleting by tag removes only the
// tag mapping; deleting by digest removes the manifest row outright. Blobs
// are never cascade-deleted, they become garbage collector candidates once
// unreferenced.
func (s *Service) DeleteManifest(ctx context.Context, repoName, ref string) error {
	repo, err := s.meta.GetRepository(ctx, repoName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	if !strings.Contains(ref, ":") {
		if err := validateTagName(ref); err != nil {
			return err
		}
		if err := s.meta.DeleteTag(ctx, repo.ID, ref); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := s.cache.Delete(ctx, cacheKeyTag(repo.ID, ref)); err != nil {
			log.Warn().Err(err).Str("tag", ref).Msg("failed to invalidate tag cache entry")
		}
		log.Info().Str("repository", repoName).Str("tag", ref).Msg("deleted tag")
		return nil
	}

	dgst, err := parseDigest(ref)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteManifest(ctx, repo.ID, dgst.String()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}

	log.Info().Str("repository", repoName).Str("digest", dgst.String()).Msg("deleted manifest")
	return nil
}

// ListTags returns tag names for a repository with catalog-style pagination
func (s *Service) ListTags(ctx context.Context, repoName, last string, limit int) ([]string, error) {
	repo, err := s.meta.GetRepository(ctx, repoName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.meta.ListTags(ctx, repo.ID, last, limit)
}

// Catalog returns repository names with pagination
func (s *Service) Catalog(ctx context.Context, last string, limit int) ([]string, error) {
	return s.meta.ListRepositories(ctx, last, limit)
}
