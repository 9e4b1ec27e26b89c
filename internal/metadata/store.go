package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aerugo/aerugo/internal/common"
	"github.com/aerugo/aerugo/pkg/types"
)

// Store is the transactional adapter over the shared metadata database.
// All registry nodes operate on the same rows; no node caches authoritative
// state. Mutations run inside common.Database.WithTransaction so transient
// conflicts between racing nodes are retried.
type Store struct {
	db *common.Database
}

// NewStore creates a metadata store over the shared database
func NewStore(db *common.Database) *Store {
	return &Store{db: db}
}

// Repositories

// GetOrCreateRepository returns the repository row for name, creating it if
// missing. Racing creates from different nodes converge on one row.
func (s *Store) GetOrCreateRepository(ctx context.Context, name string) (*types.Repository, error) {
	var repo types.Repository
	err := s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Where(types.Repository{Name: name}).FirstOrCreate(&repo).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get or create repository %s: %w", name, err)
	}
	return &repo, nil
}

// GetRepository returns the repository row for name
func (s *Store) GetRepository(ctx context.Context, name string) (*types.Repository, error) {
	var repo types.Repository
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&repo).Error; err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepositories returns repository names after last, up to limit
func (s *Store) ListRepositories(ctx context.Context, last string, limit int) ([]string, error) {
	var names []string
	q := s.db.WithContext(ctx).Model(&types.Repository{}).Order("name")
	if last != "" {
		q = q.Where("name > ?", last)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	return names, nil
}

// Blobs

// GetBlobByDigest returns the blob row for a content digest
func (s *Store) GetBlobByDigest(ctx context.Context, digest string) (*types.Blob, error) {
	var blob types.Blob
	if err := s.db.WithContext(ctx).Where("digest = ?", digest).First(&blob).Error; err != nil {
		return nil, err
	}
	return &blob, nil
}

// BlobExists reports whether a blob row exists for the digest
func (s *Store) BlobExists(ctx context.Context, digest string) (bool, error) {
	_, err := s.GetBlobByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteBlob removes a blob row by digest
func (s *Store) DeleteBlob(ctx context.Context, digest string) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Where("digest = ?", digest).Delete(&types.Blob{}).Error
	})
}

// ListBlobs returns all blob rows, used by the garbage collector sweep
func (s *Store) ListBlobs(ctx context.Context) ([]types.Blob, error) {
	var blobs []types.Blob
	if err := s.db.WithContext(ctx).Find(&blobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	return blobs, nil
}

// Manifests

// GetManifest returns the manifest row for (repository, digest)
func (s *Store) GetManifest(ctx context.Context, repositoryID uuid.UUID, digest string) (*types.Manifest, error) {
	var manifest types.Manifest
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND digest = ?", repositoryID, digest).
		First(&manifest).Error
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ManifestExists reports whether a manifest row exists for (repository, digest)
func (s *Store) ManifestExists(ctx context.Context, repositoryID uuid.UUID, digest string) (bool, error) {
	_, err := s.GetManifest(ctx, repositoryID, digest)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PutManifest inserts the manifest row and, when tagName is non-empty,
// upserts the tag mapping in the same transaction. Re-pushing an existing
// (repository, digest) pair is a no-op for the manifest row, and two nodes
// racing the first push converge on whichever insert won.
func (s *Store) PutManifest(ctx context.Context, manifest *types.Manifest, tagName string) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}, {Name: "digest"}},
			DoNothing: true,
		}).Create(manifest)
		if res.Error != nil {
			return fmt.Errorf("failed to create manifest: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// The row already existed; adopt it
			var existing types.Manifest
			err := tx.Where("repository_id = ? AND digest = ?", manifest.RepositoryID, manifest.Digest).
				First(&existing).Error
			if err != nil {
				return err
			}
			*manifest = existing
		}

		if tagName == "" {
			return nil
		}

		tag := types.Tag{
			RepositoryID:   manifest.RepositoryID,
			Name:           tagName,
			ManifestDigest: manifest.Digest,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"manifest_digest", "updated_at"}),
		}).Create(&tag).Error
	})
}

// DeleteManifest removes the manifest row for (repository, digest). Tags
// pointing at it are removed with it; referenced blobs are untouched.
func (s *Store) DeleteManifest(ctx context.Context, repositoryID uuid.UUID, digest string) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("repository_id = ? AND digest = ?", repositoryID, digest).
			Delete(&types.Manifest{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("repository_id = ? AND manifest_digest = ?", repositoryID, digest).
			Delete(&types.Tag{}).Error
	})
}

// ListManifests returns all manifest rows, used by the garbage collector
func (s *Store) ListManifests(ctx context.Context) ([]types.Manifest, error) {
	var manifests []types.Manifest
	if err := s.db.WithContext(ctx).Find(&manifests).Error; err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	return manifests, nil
}

// Tags

// ResolveTag returns the tag row for (repository, name)
func (s *Store) ResolveTag(ctx context.Context, repositoryID uuid.UUID, name string) (*types.Tag, error) {
	var tag types.Tag
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND name = ?", repositoryID, name).
		First(&tag).Error
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// DeleteTag removes only the tag mapping; the manifest it points at survives
func (s *Store) DeleteTag(ctx context.Context, repositoryID uuid.UUID, name string) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Where("repository_id = ? AND name = ?", repositoryID, name).
			Delete(&types.Tag{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ListTags returns tag names for a repository after last, up to limit
func (s *Store) ListTags(ctx context.Context, repositoryID uuid.UUID, last string, limit int) ([]string, error) {
	var names []string
	q := s.db.WithContext(ctx).Model(&types.Tag{}).
		Where("repository_id = ?", repositoryID).
		Order("name")
	if last != "" {
		q = q.Where("name > ?", last)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return names, nil
}

// ListAllTags returns every tag row, the garbage collector mark roots
func (s *Store) ListAllTags(ctx context.Context) ([]types.Tag, error) {
	var tags []types.Tag
	if err := s.db.WithContext(ctx).Find(&tags).Error; err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	return tags, nil
}

// Upload sessions

// CreateSession persists a new upload session row
func (s *Store) CreateSession(ctx context.Context, session *types.UploadSession) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(session).Error
	})
}

// GetSession returns the upload session row by id
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*types.UploadSession, error) {
	var session types.UploadSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateSession persists the session's mutable fields
func (s *Store) UpdateSession(ctx context.Context, session *types.UploadSession) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&types.UploadSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]interface{}{
				"state":      session.State,
				"offset":     session.Offset,
				"parts":      session.Parts,
				"expires_at": session.ExpiresAt,
			}).Error
	})
}

// DeleteSession removes an upload session row; idempotent
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Where("id = ?", id).Delete(&types.UploadSession{}).Error
	})
}

// CompleteSession atomically records the finalize outcome: the blob row is
// created (unless the dedup path found an existing one) and the session row
// deleted in the same transaction, so no observer sees one without the other.
func (s *Store) CompleteSession(ctx context.Context, sessionID uuid.UUID, blob *types.Blob, createBlob bool) error {
	return s.db.WithTransaction(ctx, func(tx *gorm.DB) error {
		if createBlob {
			if err := tx.Create(blob).Error; err != nil {
				return fmt.Errorf("failed to create blob: %w", err)
			}
		}
		return tx.Where("id = ?", sessionID).Delete(&types.UploadSession{}).Error
	})
}

// ListExpiredSessions returns sessions whose TTL elapsed before now
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]types.UploadSession, error) {
	var sessions []types.UploadSession
	q := s.db.WithContext(ctx).Where("expires_at < ?", now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return sessions, nil
}
