package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"

	"github.com/google/uuid"
)

const mediaColumns = `id, user_id, post_id, media_type, filename, mime_type, storage_key, url, cdn_url, etag,
        content_hash, size_bytes, original_size_bytes, width, height, duration_seconds, thumbnail_url, status, metadata, created_at`

type mediaRepository struct {
	db DBTX
}

func NewMediaRepository(db DBTX) MediaRepository {
	return &mediaRepository{db: db}
}

func (r *mediaRepository) Create(ctx context.Context, record *upload.Record) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("encode media metadata: %w", err)
	}
	var postID uuid.NullUUID
	if record.PostID != nil {
		postID = uuid.NullUUID{UUID: *record.PostID, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
        INSERT INTO media_records (`+mediaColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
    `,
		record.ID,
		record.UserID,
		postID,
		string(record.Type),
		record.Filename,
		record.MimeType,
		record.StorageKey,
		record.URL,
		nullString(record.CDNURL),
		nullString(record.ETag),
		record.Hash,
		record.Size,
		record.OriginalSize,
		record.Width,
		record.Height,
		record.Duration,
		nullString(record.ThumbnailURL),
		string(record.Status),
		metadata,
		record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("media record %s: %w", record.ID, media_errors.ErrAlreadyExists)
		}
		return fmt.Errorf("insert media record: %w", err)
	}
	return nil
}

func (r *mediaRepository) GetByID(ctx context.Context, id uuid.UUID) (*upload.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, media_errors.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

func (r *mediaRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]upload.Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT `+mediaColumns+`
        FROM media_records
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []upload.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// StorageUsed sums the stored bytes of the user's completed uploads.
func (r *mediaRepository) StorageUsed(ctx context.Context, userID uuid.UUID) (int64, error) {
	var used int64
	err := r.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(size_bytes), 0)
        FROM media_records
        WHERE user_id = $1 AND status = $2
    `, userID, string(upload.StatusCompleted)).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("sum storage used: %w", err)
	}
	return used, nil
}

func (r *mediaRepository) CountSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*)
        FROM media_records
        WHERE user_id = $1 AND created_at >= $2
    `, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count uploads: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*upload.Record, error) {
	var (
		record       upload.Record
		postID       uuid.NullUUID
		mediaType    string
		status       string
		cdnURL       sql.NullString
		etag         sql.NullString
		thumbnailURL sql.NullString
		metadata     []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&postID,
		&mediaType,
		&record.Filename,
		&record.MimeType,
		&record.StorageKey,
		&record.URL,
		&cdnURL,
		&etag,
		&record.Hash,
		&record.Size,
		&record.OriginalSize,
		&record.Width,
		&record.Height,
		&record.Duration,
		&thumbnailURL,
		&status,
		&metadata,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	if postID.Valid {
		id := postID.UUID
		record.PostID = &id
	}
	record.Type = upload.Type(mediaType)
	record.Status = upload.Status(status)
	record.CDNURL = cdnURL.String
	record.ETag = etag.String
	record.ThumbnailURL = thumbnailURL.String
	md, err := decodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("decode media metadata: %w", err)
	}
	record.Metadata = md
	return &record, nil
}
