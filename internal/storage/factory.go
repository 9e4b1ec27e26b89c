package storage

import (
	"fmt"

	"github.com/aerugo/aerugo/pkg/config"
)

// NewStorage creates a storage backend from configuration
func NewStorage(cfg *config.StorageConfig) (BlobStorage, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStorage(cfg.LocalPath)
	case "s3":
		return NewS3Storage(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
