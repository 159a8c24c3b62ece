// Package documents stores supporting documents and proof-of-work
// files in object storage.
package documents

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/config"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/pkg/utils"
)

// Store wraps a minio bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to object storage and ensures the bucket exists.
func NewStore(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Store{client: client, bucket: cfg.MinioBucket}, nil
}

// Upload stores a file under a key scoped to its owning record and
// returns the document descriptor.
func (s *Store) Upload(ctx context.Context, ownerKey, filename, contentType string, reader io.Reader, size int64) (*models.Document, error) {
	filename = utils.SanitizeFilename(filename)
	if !utils.AllowedDocumentExtension(filename) {
		return nil, apperr.Validationf("file type not allowed: %s", path.Ext(filename))
	}
	if contentType == "" {
		contentType = utils.ContentTypeFor(filename)
	}

	storageKey := fmt.Sprintf("%s/%s/%s%s",
		ownerKey, time.Now().Format("2006/01/02"), uuid.New().String(), path.Ext(filename))

	_, err := s.client.PutObject(ctx, s.bucket, storageKey, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"original-name": filename,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}

	return &models.Document{
		FileName:   filename,
		StorageKey: storageKey,
		FileType:   contentType,
		FileSize:   size,
		UploadedAt: time.Now(),
	}, nil
}

// Download streams a stored document.
func (s *Store) Download(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, storageKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return obj, nil
}

// Delete removes a stored document.
func (s *Store) Delete(ctx context.Context, storageKey string) error {
	return s.client.RemoveObject(ctx, s.bucket, storageKey, minio.RemoveObjectOptions{})
}

// PresignedURL returns a time-limited download link.
func (s *Store) PresignedURL(ctx context.Context, storageKey string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, storageKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign document url: %w", err)
	}
	return u.String(), nil
}
