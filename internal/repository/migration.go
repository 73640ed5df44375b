package repository

import (
	"context"
	"fmt"
)

// Tables lists the tables owned by this service, in creation order.
var Tables = []string{"media_records", "upload_settings"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS media_records (
		id                  UUID PRIMARY KEY,
		user_id             UUID NOT NULL,
		post_id             UUID,
		media_type          TEXT NOT NULL,
		filename            TEXT NOT NULL,
		mime_type           TEXT NOT NULL,
		storage_key         TEXT NOT NULL,
		url                 TEXT NOT NULL,
		cdn_url             TEXT,
		etag                TEXT,
		content_hash        CHAR(64) NOT NULL,
		size_bytes          BIGINT NOT NULL,
		original_size_bytes BIGINT NOT NULL,
		width               INTEGER NOT NULL DEFAULT 0,
		height              INTEGER NOT NULL DEFAULT 0,
		duration_seconds    DOUBLE PRECISION NOT NULL DEFAULT 0,
		thumbnail_url       TEXT,
		status              TEXT NOT NULL,
		metadata            JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_media_records_user_created ON media_records (user_id, created_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_media_records_hash ON media_records (content_hash);`,
	`CREATE TABLE IF NOT EXISTS upload_settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

// InitSchema creates the service tables. It is safe to run repeatedly.
func InitSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}

// DropSchema removes every service table.
func DropSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for i := len(Tables) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+Tables[i]+` CASCADE`); err != nil {
				return fmt.Errorf("failed to drop %s: %w", Tables[i], err)
			}
		}
		return nil
	})
}
