package processor

import (
	"context"
	"errors"
	"testing"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textRequest(user uuid.UUID, body string) upload.Request {
	return upload.Request{
		Data:     []byte(body),
		Filename: "notes.txt",
		MimeType: "text/plain",
		UserID:   user,
	}
}

func newDocumentPipeline() (*Pipeline, *memStorage, *memRecords, Processor) {
	storage := newMemStorage()
	records := &memRecords{}
	return NewPipeline(storage, records, logger.NewNop()), storage, records, NewDocumentProcessor(config.DefaultUploadConfig(), logger.NewNop())
}

func TestPipelineStorageKeyIsContentAddressed(t *testing.T) {
	pl, _, records, p := newDocumentPipeline()
	user := uuid.New()
	req := textRequest(user, "hello\nworld\n")

	first, err := pl.Run(context.Background(), p, req, RunOptions{})
	require.NoError(t, err)
	second, err := pl.Run(context.Background(), p, req, RunOptions{})
	require.NoError(t, err)

	hash := upload.Fingerprint(req.Data)
	assert.Equal(t, upload.StorageKey(user, hash, "notes.txt"), first.StorageKey)
	assert.Equal(t, first.StorageKey, second.StorageKey)
	assert.Equal(t, hash, first.Hash)
	assert.NotEqual(t, first.RecordID, second.RecordID)
	assert.Equal(t, 2, records.count())

	other, err := pl.Run(context.Background(), p, textRequest(user, "hello\nworld!\n"), RunOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.StorageKey, other.StorageKey)
}

func TestPipelineResultAndProgress(t *testing.T) {
	pl, storage, records, p := newDocumentPipeline()
	var progress []int
	sid := uuid.New()

	res, err := pl.Run(context.Background(), p, textRequest(uuid.New(), "a\nb\nc"), RunOptions{
		SessionID: sid,
		Progress:  func(pct int) { progress = append(progress, pct) },
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, upload.StatusCompleted, res.Status)
	assert.Equal(t, "https://cdn.test/"+res.StorageKey, res.CDNURL)
	assert.Equal(t, int64(5), res.ProcessedSize)
	assert.Equal(t, 3, res.Metadata["lineCount"])
	assert.Equal(t, "ascii", res.Metadata["encoding"])
	assert.Equal(t, []string{res.StorageKey}, storage.keys())

	require.Equal(t, 1, records.count())
	rec := records.records[0]
	assert.Equal(t, res.RecordID, rec.ID)
	assert.Equal(t, upload.TypeDocument, rec.Type)
	assert.Equal(t, "etag-"+res.StorageKey, rec.ETag)

	require.NotEmpty(t, progress)
	assert.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}

func TestPipelineStorageFailure(t *testing.T) {
	pl, storage, records, p := newDocumentPipeline()
	storage.err = errBoom

	_, err := pl.Run(context.Background(), p, textRequest(uuid.New(), "data"), RunOptions{})
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageStore, stageErr.Stage)
	assert.Equal(t, "document", stageErr.Processor)
	assert.ErrorIs(t, err, media_errors.ErrStorage)
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, records.count())
}

func TestPipelinePersistFailure(t *testing.T) {
	pl, _, records, p := newDocumentPipeline()
	records.err = errBoom

	_, err := pl.Run(context.Background(), p, textRequest(uuid.New(), "data"), RunOptions{})
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StagePersist, stageErr.Stage)
	assert.ErrorIs(t, err, errBoom)
}

func TestPipelineGenericValidation(t *testing.T) {
	pl, storage, _, p := newDocumentPipeline()
	user := uuid.New()

	tests := []struct {
		name   string
		req    upload.Request
		marker error
	}{
		{"empty", upload.Request{Filename: "a.txt", MimeType: "text/plain", UserID: user}, media_errors.ErrValidation},
		{"no filename", upload.Request{Data: []byte("x"), MimeType: "text/plain", UserID: user}, media_errors.ErrValidation},
		{"no mime", upload.Request{Data: []byte("x"), Filename: "a.txt", UserID: user}, media_errors.ErrValidation},
		{"wrong family", upload.Request{Data: []byte("x"), Filename: "a.png", MimeType: "image/png", UserID: user}, media_errors.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pl.Run(context.Background(), p, tt.req, RunOptions{})
			var stageErr *StageError
			require.True(t, errors.As(err, &stageErr))
			assert.Equal(t, StageValidate, stageErr.Stage)
			assert.ErrorIs(t, err, tt.marker)
		})
	}
	assert.Zero(t, storage.calls)
}
