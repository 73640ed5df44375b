package validator

import (
	"bytes"
	"image"
	"image/png"
	"testing"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func request(data []byte, filename, mime string) upload.Request {
	return upload.Request{Data: data, Filename: filename, MimeType: mime, UserID: uuid.New()}
}

func TestAnalyzeAcceptsImage(t *testing.T) {
	v := NewFileValidator(config.DefaultUploadConfig())
	analysis, err := v.Analyze(request(pngBytes(t, 4, 4), "dot.png", "image/png"))
	require.NoError(t, err)
	assert.True(t, analysis.Safe)
	assert.Equal(t, upload.TypeImage, analysis.Type)
	assert.Equal(t, "image/png", analysis.DetectedMIME)
	assert.Equal(t, upload.StrategyDirect, analysis.Strategy)
	assert.True(t, analysis.NeedsProcessing)
	assert.Positive(t, analysis.EstimatedProcessingTime)
}

func TestAnalyzeRequiredFields(t *testing.T) {
	v := NewFileValidator(config.DefaultUploadConfig())
	for _, req := range []upload.Request{
		request(nil, "a.png", "image/png"),
		request([]byte("x"), " ", "image/png"),
		request([]byte("x"), "a.png", ""),
	} {
		_, err := v.Analyze(req)
		assert.ErrorIs(t, err, media_errors.ErrValidation)
	}
}

func TestAnalyzeRejectsUnsupportedType(t *testing.T) {
	v := NewFileValidator(config.DefaultUploadConfig())
	_, err := v.Analyze(request([]byte("x"), "a.bin", "application/octet-stream"))
	assert.ErrorIs(t, err, media_errors.ErrUnsupported)
}

func TestAnalyzeRejectsMismatchedContent(t *testing.T) {
	v := NewFileValidator(config.DefaultUploadConfig())
	analysis, err := v.Analyze(request([]byte("just some plain words"), "photo.png", "image/png"))
	require.ErrorIs(t, err, media_errors.ErrValidation)
	assert.False(t, analysis.Safe)
	require.Len(t, analysis.Threats, 1)
	assert.Contains(t, analysis.Threats[0], "declared as image")
}

func TestAnalyzeRejectsExecutableContent(t *testing.T) {
	v := NewFileValidator(config.DefaultUploadConfig())
	elf := append([]byte("\x7fELF"), make([]byte, 60)...)
	analysis, err := v.Analyze(request(elf, "report.pdf", "application/pdf"))
	require.ErrorIs(t, err, media_errors.ErrValidation)
	assert.Contains(t, analysis.Threats[0], "executable content")
}

func TestAnalyzeSizeCeilings(t *testing.T) {
	cfg := config.DefaultUploadConfig()
	cfg.DocumentMaxSize = 8
	v := NewFileValidator(cfg)
	_, err := v.Analyze(request([]byte("0123456789"), "notes.txt", "text/plain"))
	require.ErrorIs(t, err, media_errors.ErrTooLarge)
	detail, ok := media_errors.UserDetail(err)
	require.True(t, ok)
	assert.Contains(t, detail, "exceeds the 8 bytes limit")
}

func TestAnalyzeStrategyBySize(t *testing.T) {
	cfg := config.DefaultUploadConfig()
	cfg.StreamThreshold = 16
	cfg.MemorySafeThreshold = 64
	v := NewFileValidator(cfg)

	text := bytes.Repeat([]byte("a"), 32)
	analysis, err := v.Analyze(request(text, "a.txt", "text/plain"))
	require.NoError(t, err)
	assert.Equal(t, upload.StrategyStream, analysis.Strategy)
	assert.False(t, analysis.NeedsProcessing)
}

func TestFilenameThreats(t *testing.T) {
	tests := map[string]int{
		"holiday.jpg":      0,
		"../../etc/passwd": 1,
		"invoice.exe":      1,
		"photo.php.jpg":    1,
		"bad\x00name.png":  1,
		"..\\evil.php.png": 2,
		"archive.tar.gz":   0,
	}
	for name, want := range tests {
		assert.Len(t, FilenameThreats(name), want, name)
	}
}

func TestValidateUploadConfig(t *testing.T) {
	require.NoError(t, ValidateUploadConfig(config.DefaultUploadConfig()))

	cfg := config.DefaultUploadConfig()
	cfg.StreamThreshold = cfg.MemorySafeThreshold
	cfg.WebPQuality = 0
	cfg.ThumbnailSizes = nil
	err := ValidateUploadConfig(cfg)
	require.ErrorIs(t, err, media_errors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "stream threshold must be below")
	assert.Contains(t, err.Error(), "webp quality")
	assert.Contains(t, err.Error(), "thumbnail size")
}
