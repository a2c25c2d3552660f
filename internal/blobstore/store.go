// Package blobstore places uploaded files into external storage.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inkline/orderforwarder/internal/config"
)

// Placement is where Put left the bytes
type Placement struct {
	Path string
}

// Store is the blob store collaborator of the upload extractor.
// CreateLink may fail while Put succeeded; callers degrade to no link.
type Store interface {
	Put(ctx context.Context, data []byte, path string) (Placement, error)
	CreateLink(ctx context.Context, path string) (string, error)
}

// New builds the configured backend. It returns a nil Store and no error when the
// backend has no credentials, which disables upload placement.
func New(ctx context.Context, cfg config.BlobConfig, timeout time.Duration, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "dropbox":
		if !cfg.Dropbox.Enabled() {
			logger.Warn("Dropbox credentials missing, uploads will stay inline")
			return nil, nil
		}
		return NewDropboxClient(cfg.Dropbox, timeout, logger), nil
	case "s3":
		if cfg.S3.Bucket == "" {
			logger.Warn("S3_BUCKET not set, uploads will stay inline")
			return nil, nil
		}
		store, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "gcs":
		if cfg.GCS.Bucket == "" {
			logger.Warn("GCS_BUCKET not set, uploads will stay inline")
			return nil, nil
		}
		store, err := NewGCSStore(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
