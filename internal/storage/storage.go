package storage

import (
	"context"
	"fmt"

	appconfig "moments-media/config"
	"moments-media/internal/domain/upload"
	"moments-media/pkg/logger"
)

// Backend is an object store the upload pipeline can write to.
type Backend interface {
	UploadFile(ctx context.Context, obj upload.StorageObject) (upload.StoredObject, error)
}

// New builds the backend selected by STORAGE_BACKEND ("s3" or "local").
func New(ctx context.Context, cfg *appconfig.Config, l *logger.Logger) (Backend, error) {
	switch cfg.StorageBackend {
	case "", "s3":
		return NewS3Storage(ctx, S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PublicBase: cfg.S3PublicBase,
			CDNBase:    cfg.CDNBaseURL,
		}, l)
	case "local":
		return NewLocalStorage(cfg.LocalStoragePath, cfg.LocalStorageBaseURL, l)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
