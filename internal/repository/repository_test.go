package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}

func TestMetadataRoundTrip(t *testing.T) {
	raw, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = encodeMetadata(map[string]any{"codec": "h264", "isTranscoded": true})
	require.NoError(t, err)
	md, err := decodeMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, "h264", md["codec"])
	assert.Equal(t, true, md["isTranscoded"])

	_, err = decodeMetadata([]byte("{"))
	assert.Error(t, err)
}

// openTestDB connects to MEDIA_TEST_DATABASE_URL, skipping when it is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MEDIA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEDIA_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, DropSchema(ctx, db))
	require.NoError(t, InitSchema(ctx, db))
	require.NoError(t, InitSchema(ctx, db))
	return db
}

func TestMediaRepositoryPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewMediaRepository(db)
	user := uuid.New()
	post := uuid.New()

	record := &upload.Record{
		UserID:       user,
		PostID:       &post,
		Type:         upload.TypeImage,
		Filename:     "photo.webp",
		MimeType:     "image/webp",
		StorageKey:   "uploads/k/photo.webp",
		URL:          "https://bucket/uploads/k/photo.webp",
		Hash:         upload.Fingerprint([]byte("x")),
		Size:         1200,
		OriginalSize: 5000,
		Width:        800,
		Height:       600,
		Status:       upload.StatusCompleted,
		Metadata:     map[string]any{"lossless": false},
	}
	require.NoError(t, repo.Create(ctx, record))
	require.NotEqual(t, uuid.Nil, record.ID)

	got, err := repo.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StorageKey, got.StorageKey)
	require.NotNil(t, got.PostID)
	assert.Equal(t, post, *got.PostID)
	assert.Equal(t, false, got.Metadata["lossless"])

	assert.ErrorIs(t, repo.Create(ctx, record), media_errors.ErrAlreadyExists)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, media_errors.ErrNotFound)

	used, err := repo.StorageUsed(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), used)

	count, err := repo.CountSince(ctx, user, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	list, err := repo.ListByUser(ctx, user, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSettingsRepositoryPostgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSettingsRepository(db)

	require.NoError(t, repo.Set(ctx, "UPLOAD_MAX_PER_USER", "4"))
	require.NoError(t, repo.Set(ctx, "UPLOAD_MAX_PER_USER", "5"))

	settings, err := repo.LoadUploadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"UPLOAD_MAX_PER_USER": "5"}, settings)
}
