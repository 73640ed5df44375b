package repository

import (
	"context"
	"time"

	"moments-media/internal/domain/upload"

	"github.com/google/uuid"
)

type MediaRepository interface {
	Create(ctx context.Context, record *upload.Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*upload.Record, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]upload.Record, error)
	StorageUsed(ctx context.Context, userID uuid.UUID) (int64, error)
	CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
}

type SettingsRepository interface {
	LoadUploadSettings(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}
