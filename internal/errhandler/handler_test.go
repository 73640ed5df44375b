package errhandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"moments-media/internal/domain/upload"
	"moments-media/internal/session"
	"moments-media/internal/tempfile"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"validation marker", media_errors.Detailf(media_errors.ErrValidation, "too wide"), CategoryValidation},
		{"corrupt marker", fmt.Errorf("probe: %w", media_errors.ErrFileCorrupt), CategoryValidation},
		{"storage marker", fmt.Errorf("put: %w", media_errors.ErrStorage), CategoryStorage},
		{"storage text", errors.New("S3 PutObject returned 500"), CategoryStorage},
		{"processing text", errors.New("ffmpeg exited with status 1"), CategoryProcessing},
		{"network op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, CategoryNetwork},
		{"network text", errors.New("dial tcp 10.0.0.1:443: connection refused"), CategoryNetwork},
		{"deadline", fmt.Errorf("probe: %w", context.DeadlineExceeded), CategoryTimeout},
		{"timeout text", errors.New("operation timed out"), CategoryTimeout},
		{"rate limited", fmt.Errorf("%w: 3 active", media_errors.ErrRateLimited), CategoryResource},
		{"disk full text", errors.New("write /tmp/x: no space left on device"), CategoryResource},
		{"permission", fmt.Errorf("open: %w", os.ErrPermission), CategoryPermission},
		{"forbidden text", errors.New("access denied for bucket policy"), CategoryStorage},
		{"unknown", errors.New("something odd"), CategorySystem},
		{"nil", nil, CategorySystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Category)
		})
	}
}

func TestMarkerBeatsMessagePattern(t *testing.T) {
	err := fmt.Errorf("invalid bucket response: %w", media_errors.ErrStorage)
	assert.Equal(t, CategoryStorage, Classify(err).Category)
}

func TestRetryPolicy(t *testing.T) {
	assert.Equal(t, 2*time.Second, Classify(errors.New("network down")).RetryDelay)
	assert.Equal(t, 5*time.Second, Classify(media_errors.ErrStorage).RetryDelay)
	assert.Equal(t, 30*time.Second, Classify(media_errors.ErrRateLimited).RetryDelay)
	assert.False(t, Classify(media_errors.ErrValidation).Retryable)
	assert.False(t, Classify(media_errors.ErrForbidden).Retryable)
	assert.False(t, Classify(errors.New("???")).Retryable)
}

func TestRetryAttemptsHint(t *testing.T) {
	ctx := context.Background()
	h := New(nil, nil, logger.NewNop(), WithRetryAttempts(3))

	storage := h.HandleUploadError(ctx, fmt.Errorf("%w: put object", media_errors.ErrStorage), Context{})
	assert.True(t, storage.Retryable)
	assert.Equal(t, 3, storage.MaxAttempts)

	bad := h.HandleUploadError(ctx, media_errors.ErrValidation, Context{})
	assert.Zero(t, bad.MaxAttempts)

	plain := New(nil, nil, logger.NewNop()).HandleUploadError(ctx, media_errors.ErrStorage, Context{})
	assert.Zero(t, plain.MaxAttempts)
}

func TestHTTPMapping(t *testing.T) {
	h := New(nil, nil, logger.NewNop())
	ctx := context.Background()

	bad := h.HandleUploadError(ctx, media_errors.Detailf(media_errors.ErrValidation, "image width 9000px exceeds the 8192px limit"), Context{})
	assert.Equal(t, http.StatusBadRequest, bad.Status)
	assert.Equal(t, "image width 9000px exceeds the 8192px limit", bad.Message)

	forbidden := h.HandleUploadError(ctx, media_errors.ErrForbidden, Context{})
	assert.Equal(t, http.StatusForbidden, forbidden.Status)

	limited := h.HandleUploadError(ctx, media_errors.ErrRateLimited, Context{})
	assert.Equal(t, http.StatusTooManyRequests, limited.Status)
	assert.Equal(t, 30*time.Second, limited.RetryAfter)

	retry := h.HandleUploadError(ctx, errors.New("ffmpeg crashed"), Context{})
	assert.Equal(t, http.StatusServiceUnavailable, retry.Status)
	assert.True(t, retry.Retryable)
	assert.NotContains(t, retry.Message, "ffmpeg")

	internal := h.HandleUploadError(ctx, errors.New("nil map"), Context{})
	assert.Equal(t, http.StatusInternalServerError, internal.Status)
}

// failingCleaner fails one selected step on purpose.
type failingCleaner struct {
	inner      *tempfile.Manager
	failPath   string
	panicOnSet bool
}

func (f *failingCleaner) CleanupFile(path string) bool {
	ok := f.inner.CleanupFile(path)
	if path == f.failPath {
		return false
	}
	return ok
}

func (f *failingCleaner) CleanupSessionFiles(sessionID string) int {
	if f.panicOnSet {
		panic("session sweep exploded")
	}
	return f.inner.CleanupSessionFiles(sessionID)
}

func TestCleanupOnFailureRegardlessOfFailingStep(t *testing.T) {
	scenarios := []struct {
		name       string
		failFirst  bool
		panicOnSet bool
		custom     func(context.Context) error
	}{
		{name: "all steps succeed"},
		{name: "temp file step reports failure", failFirst: true},
		{name: "session files step panics", panicOnSet: true},
		{name: "custom cleanup fails", custom: func(context.Context) error { return errors.New("custom broke") }},
		{name: "custom cleanup panics", custom: func(context.Context) error { panic("custom panic") }},
	}
	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			temp, err := tempfile.NewManager(tempfile.Config{Root: t.TempDir()}, logger.NewNop())
			require.NoError(t, err)
			sessions := session.NewManager(session.Config{MaxConcurrent: 10, MaxPerUser: 3, GracePeriod: time.Minute}, logger.NewNop())

			user := uuid.New()
			sid, err := sessions.Create(user, "clip.mp4", 3, "video", upload.StrategyDirect)
			require.NoError(t, err)

			var listed []string
			for i := 0; i < 3; i++ {
				p, err := temp.CreateWithData("work", "bin", "transcode", sid.String(), []byte("abc"))
				require.NoError(t, err)
				listed = append(listed, p)
			}

			cleaner := &failingCleaner{inner: temp, panicOnSet: sc.panicOnSet}
			if sc.failFirst {
				cleaner.failPath = listed[0]
			}
			h := New(sessions, cleaner, logger.NewNop())

			original := fmt.Errorf("transcode: %w", media_errors.ErrProcessing)
			apiErr := h.HandleUploadError(context.Background(), original, Context{
				Operation: "process",
				SessionID: sid,
				UserID:    user,
				TempFiles: listed,
				Cleanup:   sc.custom,
			})

			require.NotNil(t, apiErr)
			assert.ErrorIs(t, apiErr, media_errors.ErrProcessing)
			for _, p := range listed {
				_, statErr := os.Stat(p)
				assert.True(t, os.IsNotExist(statErr), p)
			}
			_, exists := sessions.Get(sid)
			assert.False(t, exists)
			assert.Zero(t, sessions.Stats().Active)
		})
	}
}

func TestCleanupStepsAllRun(t *testing.T) {
	h := New(nil, nil, logger.NewNop())
	var mu sync.Mutex
	calls := 0
	_ = h.HandleUploadError(context.Background(), errors.New("x"), Context{
		Cleanup: func(context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	})
	assert.Equal(t, 1, calls)
}

func TestWrapHandlesExactlyOnce(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := New(nil, nil, logger.FromZap(zap.New(core)))
	cleanups := 0
	ec := Context{Cleanup: func(context.Context) error { cleanups++; return nil }}

	err := h.Wrap(context.Background(), ec, func(ctx context.Context) error {
		return h.Wrap(ctx, ec, func(context.Context) error {
			return fmt.Errorf("upload: %w", media_errors.ErrStorage)
		})
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, media_errors.ErrStorage)
	assert.Equal(t, 1, cleanups)
	assert.Equal(t, 1, logs.FilterMessage("upload failed").Len())
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(err))
}

func TestWrapValue(t *testing.T) {
	h := New(nil, nil, logger.NewNop())
	v, err := WrapValue(context.Background(), h, Context{}, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = WrapValue(context.Background(), h, Context{}, func(context.Context) (int, error) {
		return 0, media_errors.ErrValidation
	})
	assert.Equal(t, http.StatusBadRequest, StatusFor(err))
}
