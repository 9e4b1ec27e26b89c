package storage

import (
	"context"
	"io"
)

// Part identifies one completed chunk of a multipart upload.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// BlobStorage defines the interface for blob content storage. Implementations
// must make Store durable before returning: the registry records metadata only
// after the backing store has acknowledged the write.
type BlobStorage interface {
	// Store saves content at the given path
	Store(ctx context.Context, path string, content io.Reader, contentType string) error

	// Retrieve gets content from the given path
	Retrieve(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes content at the given path
	Delete(ctx context.Context, path string) error

	// Exists checks if content exists at the given path
	Exists(ctx context.Context, path string) (bool, error)

	// GetSize returns the size of content at the given path
	GetSize(ctx context.Context, path string) (int64, error)

	// List returns paths matching the prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Move relocates content from one path to another
	Move(ctx context.Context, from, to string) error

	// CreateMultipart starts a chunked upload targeting path and returns an
	// opaque upload handle
	CreateMultipart(ctx context.Context, path string) (string, error)

	// UploadPart appends one durable chunk to a multipart upload and returns
	// its entity tag
	UploadPart(ctx context.Context, path, uploadID string, partNumber int, content io.Reader) (string, error)

	// CompleteMultipart assembles the uploaded parts into the final object
	CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) error

	// AbortMultipart discards a multipart upload and its parts
	AbortMultipart(ctx context.Context, path, uploadID string) error
}
