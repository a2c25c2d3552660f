package blobstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"

	"github.com/inkline/orderforwarder/internal/config"
)

// GCSStore keeps uploads in a Cloud Storage bucket; links are V4 signed URLs.
type GCSStore struct {
	client  *storage.Client
	bucket  string
	linkTTL time.Duration
}

// NewGCSStore creates a GCS-backed store (Application Default Credentials).
func NewGCSStore(ctx context.Context, cfg config.GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, linkTTL: cfg.LinkTTL}, nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte, path string) (Placement, error) {
	key := objectKey(path)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = http.DetectContentType(data)

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Placement{}, fmt.Errorf("gcs write failed for %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return Placement{}, fmt.Errorf("gcs close failed for %s: %w", key, err)
	}
	return Placement{Path: "/" + key}, nil
}

func (s *GCSStore) CreateLink(_ context.Context, path string) (string, error) {
	url, err := s.client.Bucket(s.bucket).SignedURL(objectKey(path), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(s.linkTTL),
	})
	if err != nil {
		return "", fmt.Errorf("gcs sign failed: %w", err)
	}
	return url, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
