package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"moments-media/internal/domain/upload"
	"moments-media/pkg/logger"

	"go.uber.org/zap"
)

// LocalStorage keeps objects on the local filesystem. It is meant for
// development and tests.
type LocalStorage struct {
	root    string
	baseURL string
	log     *logger.Logger
}

func NewLocalStorage(root, baseURL string, l *logger.Logger) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStorage{root: abs, baseURL: baseURL, log: l.Named("local_storage")}, nil
}

func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) UploadFile(ctx context.Context, obj upload.StorageObject) (upload.StoredObject, error) {
	path, err := s.pathFor(obj.Key)
	if err != nil {
		return upload.StoredObject{}, err
	}
	if err := ctx.Err(); err != nil {
		return upload.StoredObject{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return upload.StoredObject{}, fmt.Errorf("create object dir: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, obj.Data, 0o644); err != nil {
		return upload.StoredObject{}, fmt.Errorf("write object %s: %w", obj.Key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return upload.StoredObject{}, fmt.Errorf("commit object %s: %w", obj.Key, err)
	}

	sum := md5.Sum(obj.Data)
	s.log.Debug(ctx, "object written", zap.String("object", obj.Key), zap.Int("bytes", len(obj.Data)))
	url := joinURL(s.baseURL, obj.Key)
	return upload.StoredObject{URL: url, CDNURL: url, ETag: hex.EncodeToString(sum[:])}, nil
}

func (s *LocalStorage) pathFor(key string) (string, error) {
	if key == "" {
		return "", errors.New("object key is required")
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes the storage root", key)
	}
	return path, nil
}
