package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UploadState is the lifecycle state of an upload session. Transitions are
// guarded by the session manager: open -> finalizing -> closed, open ->
// expired. A session row is deleted on close, cancel or sweep, so closed and
// expired are observable only transiently.
type UploadState string

const (
	UploadStateOpen       UploadState = "open"
	UploadStateFinalizing UploadState = "finalizing"
	UploadStateClosed     UploadState = "closed"
	UploadStateExpired    UploadState = "expired"
)

// Part records one completed multipart chunk of an upload session.
type Part struct {
	Number int    `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// PartList is a JSON-serialized list of multipart chunks, stored on the
// upload session row so any node can resume or finalize the upload.
type PartList []Part

// Value implements the driver.Valuer interface for GORM
func (p PartList) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan implements the sql.Scanner interface for GORM
func (p *PartList) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into PartList", value)
	}

	return json.Unmarshal(bytes, p)
}

// Repository represents a namespaced image repository (e.g. org/image).
// Rows are shared across all registry nodes; no node owns them.
type Repository struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the repository ID
func (r *Repository) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Blob represents content-addressed blob metadata. Blobs are global: the same
// digest is stored once and shared by every repository that references it.
// A row exists only after the content has been digest-verified in the backing
// store.
type Blob struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	Digest      string    `json:"digest" gorm:"uniqueIndex;not null"`
	Size        int64     `json:"size" gorm:"not null"`
	StoragePath string    `json:"storage_path" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}

// BeforeCreate generates a UUID for the blob ID
func (b *Blob) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// Manifest represents an image manifest or manifest list/index, identified by
// the digest of its exact payload bytes within one repository.
type Manifest struct {
	ID           uuid.UUID  `json:"id" gorm:"primaryKey"`
	RepositoryID uuid.UUID  `json:"repository_id" gorm:"not null;index;uniqueIndex:idx_manifest_repo_digest"`
	Digest       string     `json:"digest" gorm:"not null;uniqueIndex:idx_manifest_repo_digest"`
	MediaType    string     `json:"media_type" gorm:"not null"`
	Payload      []byte     `json:"-" gorm:"not null"`
	Size         int64      `json:"size" gorm:"not null"`
	CreatedAt    time.Time  `json:"created_at"`
	Repository   Repository `json:"-" gorm:"foreignKey:RepositoryID"`
}

// BeforeCreate generates a UUID for the manifest ID
func (m *Manifest) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// Tag is a mutable mapping from (repository, name) to a manifest digest.
// Overwriting a tag repoints the mapping; the old manifest row survives.
type Tag struct {
	ID             uuid.UUID  `json:"id" gorm:"primaryKey"`
	RepositoryID   uuid.UUID  `json:"repository_id" gorm:"not null;index;uniqueIndex:idx_tag_repo_name"`
	Name           string     `json:"name" gorm:"not null;uniqueIndex:idx_tag_repo_name"`
	ManifestDigest string     `json:"manifest_digest" gorm:"not null"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Repository     Repository `json:"-" gorm:"foreignKey:RepositoryID"`
}

// BeforeCreate generates a UUID for the tag ID
func (t *Tag) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// UploadSession tracks a chunked, resumable blob upload. The row is the single
// source of truth for the cumulative offset and the backing-store multipart
// handle, so any node can serve the next chunk.
type UploadSession struct {
	ID           uuid.UUID   `json:"id" gorm:"primaryKey"`
	RepositoryID uuid.UUID   `json:"repository_id" gorm:"not null;index"`
	State        UploadState `json:"state" gorm:"not null;default:open"`
	Offset       int64       `json:"offset" gorm:"not null;default:0"`
	StoragePath  string      `json:"-" gorm:"not null"`
	MultipartID  string      `json:"-" gorm:"not null"`
	Parts        PartList    `json:"-" gorm:"type:jsonb"`
	StartedAt    time.Time   `json:"started_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ExpiresAt    time.Time   `json:"expires_at" gorm:"index"`
	Repository   Repository  `json:"-" gorm:"foreignKey:RepositoryID"`
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Expired reports whether the session TTL has elapsed.
func (s *UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// User represents a user at the auth boundary
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	IsAdmin   bool      `json:"is_admin" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// APIKey represents an API key for programmatic access
type APIKey struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey"`
	UserID     uuid.UUID  `json:"user_id" gorm:"not null"`
	Name       string     `json:"name" gorm:"not null"`
	KeyHash    string     `json:"-" gorm:"not null"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	IsActive   bool       `json:"is_active" gorm:"default:true"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	User       User       `json:"user" gorm:"foreignKey:UserID"`
}

// BeforeCreate generates a UUID for the API key ID
func (a *APIKey) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthToken represents an issued JWT token
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}
