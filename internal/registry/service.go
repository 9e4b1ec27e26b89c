package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/distribution/reference"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/internal/metadata"
	"github.com/aerugo/aerugo/internal/storage"
	"github.com/aerugo/aerugo/pkg/config"
)

// Cache is the read-through accelerator for hot metadata lookups. Entries are
// best-effort with a bounded TTL; the metadata store stays authoritative.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Lease is a held distributed lock with a TTL the holder must renew during
// long operations.
type Lease interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker acquires lease-based distributed locks for cross-node mutual
// exclusion. Acquire does not block: contention returns common.ErrLockHeld.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// redisLocker adapts common.Cache lock primitives to the Locker interface
type redisLocker struct {
	cache *common.Cache
}

// NewRedisLocker returns a Locker backed by the shared Redis cache
func NewRedisLocker(cache *common.Cache) Locker {
	return &redisLocker{cache: cache}
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lock, err := l.cache.AcquireLock(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Service is the registry core: upload session management, blob and manifest
// serving, and garbage collection over the shared metadata store, cache and
// blob storage. Nodes are stateless; all coordination passes through the
// stores.
type Service struct {
	meta    *metadata.Store
	cache   Cache
	locks   Locker
	storage storage.BlobStorage
	cfg     *config.RegistryConfig
}

// NewService creates the registry core service
func NewService(meta *metadata.Store, cache Cache, locks Locker, blobs storage.BlobStorage, cfg *config.RegistryConfig) *Service {
	return &Service{
		meta:    meta,
		cache:   cache,
		locks:   locks,
		storage: blobs,
		cfg:     cfg,
	}
}

// validateRepositoryName checks the registry path-component grammar
func validateRepositoryName(name string) error {
	if _, err := reference.WithName(name); err != nil {
		return fmt.Errorf("%w: %s", ErrNameInvalid, name)
	}
	return nil
}

// validateTagName checks the tag grammar
func validateTagName(tag string) error {
	if !reference.TagRegexp.MatchString(tag) {
		return fmt.Errorf("%w: %s", ErrTagInvalid, tag)
	}
	return nil
}

// parseDigest validates a digest string
func parseDigest(s string) (digest.Digest, error) {
	dgst, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDigestInvalid, s)
	}
	return dgst, nil
}

// blobPath is the backing-store key for verified blob content
func blobPath(dgst digest.Digest) string {
	return fmt.Sprintf("blobs/%s/%s", dgst.Algorithm(), dgst.Hex())
}

// uploadPath is the backing-store key for in-flight upload content
func uploadPath(sessionID uuid.UUID) string {
	return fmt.Sprintf("uploads/%s", sessionID)
}

// Cache and lock key layout
func cacheKeyBlob(dgst string) string {
	return "blob:" + dgst
}

func cacheKeyTag(repositoryID uuid.UUID, name string) string {
	return fmt.Sprintf("tag:%s:%s", repositoryID, name)
}

func lockKeySession(sessionID uuid.UUID) string {
	return fmt.Sprintf("locks:upload:%s", sessionID)
}

const lockKeyGC = "locks:gc"
