package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog/log"

	"github.com/aerugo/aerugo/pkg/config"
)

// S3Storage implements BlobStorage on an S3-compatible object store. Works
// against AWS S3 and MinIO-style endpoints (path-style addressing).
type S3Storage struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Storage creates a new S3 storage instance
func NewS3Storage(cfg *config.StorageConfig) (*S3Storage, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.ForcePathStyle).
		WithMaxRetries(3)

	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	client := s3.New(sess)

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("s3 storage initialized")

	return &S3Storage{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
	}, nil
}

// Store saves content to S3
func (s *S3Storage) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to store object")
		return fmt.Errorf("failed to store object: %w", err)
	}
	return nil
}

// Retrieve gets content from S3
func (s *S3Storage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to retrieve object")
		return nil, fmt.Errorf("failed to retrieve object: %w", err)
	}
	return out.Body, nil
}

// Delete removes content from S3; deleting a missing key is not an error
func (s *S3Storage) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// Exists checks if content exists in S3
func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// GetSize returns the size of content in S3
func (s *S3Storage) GetSize(ctx context.Context, path string) (int64, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("file not found: %s", path)
		}
		return 0, fmt.Errorf("failed to get object info: %w", err)
	}
	return aws.Int64Value(out.ContentLength), nil
}

// List returns keys matching the prefix
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list objects")
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	return keys, nil
}

// Move relocates content via server-side copy then delete
func (s *S3Storage) Move(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(to),
		CopySource: aws.String(s.bucket + "/" + from),
	})
	if err != nil {
		log.Error().Err(err).Str("from", from).Str("to", to).Msg("failed to copy object")
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return s.Delete(ctx, from)
}

// CreateMultipart starts an S3 multipart upload
func (s *S3Storage) CreateMultipart(ctx context.Context, path string) (string, error) {
	out, err := s.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to create multipart upload")
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return aws.StringValue(out.UploadId), nil
}

// UploadPart uploads one chunk of a multipart upload. S3 requires every part
// except the last to be at least 5 MiB; the wire protocol leaves chunk sizing
// to the client.
func (s *S3Storage) UploadPart(ctx context.Context, path, uploadID string, partNumber int, content io.Reader) (string, error) {
	// UploadPart needs a seekable body for signing
	buf, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("failed to read part content: %w", err)
	}

	out, err := s.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(path),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int64(int64(partNumber)),
		Body:       bytes.NewReader(buf),
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Int("part", partNumber).Msg("failed to upload part")
		return "", fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	return aws.StringValue(out.ETag), nil
}

// CompleteMultipart assembles the uploaded parts into the final object
func (s *S3Storage) CompleteMultipart(ctx context.Context, path, uploadID string, parts []Part) error {
	completed := make([]*s3.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, &s3.CompletedPart{
			PartNumber: aws.Int64(int64(part.Number)),
			ETag:       aws.String(part.ETag),
		})
	}

	_, err := s.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(path),
		UploadId: aws.String(uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to complete multipart upload")
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

// AbortMultipart discards a multipart upload; aborting an unknown upload is
// not an error
func (s *S3Storage) AbortMultipart(ctx context.Context, path, uploadID string) error {
	_, err := s.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(path),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchUpload, "NotFound":
			return true
		}
	}
	return strings.Contains(err.Error(), "404")
}
