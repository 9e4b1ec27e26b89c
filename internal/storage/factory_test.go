package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerugo/aerugo/pkg/config"
)

func TestNewStorage_Local(t *testing.T) {
	storage, err := NewStorage(&config.StorageConfig{
		Type:      "local",
		LocalPath: t.TempDir(),
	})
	require.NoError(t, err)

	_, ok := storage.(*LocalStorage)
	assert.True(t, ok)
}

func TestNewStorage_S3(t *testing.T) {
	storage, err := NewStorage(&config.StorageConfig{
		Type:           "s3",
		Bucket:         "test-bucket",
		Region:         "us-east-1",
		Endpoint:       "http://localhost:9000",
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	_, ok := storage.(*S3Storage)
	assert.True(t, ok)
}

func TestNewStorage_Unsupported(t *testing.T) {
	_, err := NewStorage(&config.StorageConfig{Type: "ftp"})
	assert.Error(t, err)
}
