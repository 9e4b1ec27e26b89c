package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const multipartDir = "_multipart"

// LocalStorage implements BlobStorage on the local filesystem. Intended for
// single-node development and tests; production deployments use S3.
type LocalStorage struct {
	basePath string
	mutex    sync.RWMutex // For concurrent access safety
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Store saves content to the local filesystem with atomic writes
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	return ls.writeAtomic(path, content)
}

// writeAtomic writes content through a temp file and renames it into place.
// Callers must hold the write lock.
func (ls *LocalStorage) writeAtomic(path string, content io.Reader) error {
	fullPath := filepath.Join(ls.basePath, path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create directory")
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	// Ensure cleanup of temp file on failure
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	bytesWritten, err := io.Copy(tempFile, content)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write content to temporary file")
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	tempFile.Close()

	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	log.Debug().
		Str("path", path).
		Int64("bytes_written", bytesWritten).
		Msg("file stored")

	return nil
}

// Retrieve gets content from the local filesystem
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file not found")
			return nil, fmt.Errorf("file not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open file")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes content from the local filesystem; deleting a missing path
// is not an error
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("file already deleted or does not exist")
			return nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	log.Debug().Str("path", path).Msg("file deleted")
	return nil
}

// Exists checks if content exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check file existence")
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// GetSize returns the size of content in the local filesystem
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("file not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to get file info")
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}

	return info.Size(), nil
}

// List returns paths matching the prefix in the local filesystem
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	searchPath := filepath.Join(ls.basePath, prefix)
	var paths []string

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if !info.IsDir() {
			relPath, err := filepath.Rel(ls.basePath, path)
			if err != nil {
				return err
			}
			paths = append(paths, relPath)
		}

		return nil
	})

	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return paths, nil
}

// Move relocates content via rename
func (ls *LocalStorage) Move(ctx context.Context, from, to string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fromPath := filepath.Join(ls.basePath, from)
	toPath := filepath.Join(ls.basePath, to)

	if err := os.MkdirAll(filepath.Dir(toPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.Rename(fromPath, toPath); err != nil {
		log.Error().Err(err).Str("from", from).Str("to", to).Msg("failed to move file")
		return fmt.Errorf("failed to move file: %w", err)
	}

	log.Debug().Str("from", from).Str("to", to).Msg("file moved")
	return nil
}

// CreateMultipart starts a chunked upload staged under a private directory
func (ls *LocalStorage) CreateMultipart(ctx context.Context, path string) (string, error) {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	uploadID := uuid.New().String()
	stagingDir := filepath.Join(ls.basePath, multipartDir, uploadID)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create multipart staging directory: %w", err)
	}

	log.Debug().Str("path", path).Str("upload_id", uploadID).Msg("multipart upload created")
	return uploadID, nil
}

// UploadPart writes one part to the staging directory; the etag is the
// sha256 of the part content
func (ls *LocalStorage) UploadPart(ctx context.Context, path, uploadID string, partNumber int, content io.Reader) (string, error) {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	stagingDir := filepath.Join(ls.basePath, multipartDir, uploadID)
	if _, err := os.Stat(stagingDir); err != nil {
		return "", fmt.Errorf("multipart upload not found: %s", uploadID)
	}

	partPath := filepath.Join(stagingDir, fmt.Sprintf("%06d", partNumber))
	partFile, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("failed to create part file: %w", err)
	}
	defer partFile.Close()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(partFile, hasher), content); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("failed to write part: %w", err)
	}
	if err := partFile.Sync(); err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("failed to sync part: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CompleteMultipart concatenates the staged parts into the final object
func (ls *LocalStorage) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	stagingDir := filepath.Join(ls.basePath, multipartDir, uploadID)
	if _, err := os.Stat(stagingDir); err != nil {
		return fmt.Errorf("multipart upload not found: %s", uploadID)
	}

	ordered := make([]Part, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	readers := make([]io.Reader, 0, len(ordered))
	files := make([]*os.File, 0, len(ordered))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, part := range ordered {
		f, err := os.Open(filepath.Join(stagingDir, fmt.Sprintf("%06d", part.Number)))
		if err != nil {
			return fmt.Errorf("failed to open part %d: %w", part.Number, err)
		}
		files = append(files, f)
		readers = append(readers, f)
	}

	if err := ls.writeAtomic(path, io.MultiReader(readers...)); err != nil {
		return err
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to remove multipart staging directory")
	}

	log.Debug().Str("path", path).Str("upload_id", uploadID).Int("parts", len(parts)).Msg("multipart upload completed")
	return nil
}

// AbortMultipart discards the staging directory; aborting an unknown upload
// is not an error
func (ls *LocalStorage) AbortMultipart(ctx context.Context, path, uploadID string) error {
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	stagingDir := filepath.Join(ls.basePath, multipartDir, uploadID)
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	log.Debug().Str("path", path).Str("upload_id", uploadID).Msg("multipart upload aborted")
	return nil
}
