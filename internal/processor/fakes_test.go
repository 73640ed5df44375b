package processor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"moments-media/internal/domain/upload"
	"moments-media/internal/tempfile"
	"moments-media/pkg/logger"

	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string]upload.StorageObject
	calls   int
	err     error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string]upload.StorageObject)}
}

func (s *memStorage) UploadFile(_ context.Context, obj upload.StorageObject) (upload.StoredObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return upload.StoredObject{}, s.err
	}
	s.objects[obj.Key] = obj
	return upload.StoredObject{
		URL:    "https://bucket.test/" + obj.Key,
		CDNURL: "https://cdn.test/" + obj.Key,
		ETag:   "etag-" + obj.Key,
	}, nil
}

func (s *memStorage) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

type memRecords struct {
	mu      sync.Mutex
	records []*upload.Record
	err     error
}

func (r *memRecords) Create(_ context.Context, record *upload.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, record)
	return nil
}

func (r *memRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// passthroughEncoder hands the PNG intermediate back so results stay decodable.
type passthroughEncoder struct {
	mu       sync.Mutex
	settings []WebPSettings
	err      error
}

func (e *passthroughEncoder) EncodeWebP(_ context.Context, src []byte, _ string, settings WebPSettings, _, _ int, _ string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = append(e.settings, settings)
	if e.err != nil {
		return nil, e.err
	}
	return append([]byte(nil), src...), nil
}

type fakeTool struct {
	metadata    upload.VideoMetadata
	probeErr    error
	transcoded  []byte
	transcodes  int
	frameErr    error
	blockUntil  <-chan struct{}
	mu          sync.Mutex
	frameOffset time.Duration
}

func (f *fakeTool) Probe(_ context.Context, _ string) (upload.VideoMetadata, error) {
	if f.probeErr != nil {
		return upload.VideoMetadata{}, f.probeErr
	}
	return f.metadata, nil
}

func (f *fakeTool) Transcode(ctx context.Context, _, output string, _ upload.H264Config, _ float64, progress func(int)) error {
	f.mu.Lock()
	f.transcodes++
	f.mu.Unlock()
	if f.blockUntil != nil {
		select {
		case <-f.blockUntil:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	return os.WriteFile(output, f.transcoded, 0o600)
}

func (f *fakeTool) ExtractFrame(_ context.Context, _, output string, offset time.Duration, _ int) error {
	if f.frameErr != nil {
		return f.frameErr
	}
	f.mu.Lock()
	f.frameOffset = offset
	f.mu.Unlock()
	return os.WriteFile(output, jpegBytes(nil, 8, 8), 0o600)
}

func newTempManager(t *testing.T) *tempfile.Manager {
	t.Helper()
	m, err := tempfile.NewManager(tempfile.Config{Root: t.TempDir(), MaxAge: time.Hour}, logger.NewNop())
	require.NoError(t, err)
	return m
}

func pngBytes(t *testing.T, w, h int, alpha bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if alpha && x == 0 {
				a = 10
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: a})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil && t != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

var errBoom = errors.New("boom")
