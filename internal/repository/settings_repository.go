package repository

import (
	"context"
	"fmt"
	"time"
)

type settingsRepository struct {
	db DBTX
}

func NewSettingsRepository(db DBTX) SettingsRepository {
	return &settingsRepository{db: db}
}

// LoadUploadSettings returns the persisted key/value overrides for the upload
// configuration.
func (r *settingsRepository) LoadUploadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM upload_settings`)
	if err != nil {
		return nil, fmt.Errorf("query upload settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (r *settingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO upload_settings (key, value, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
    `, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("upsert upload setting %s: %w", key, err)
	}
	return nil
}
