package processor

import (
	"context"
	"fmt"
	"os"
	"time"

	"moments-media/internal/domain/upload"
	"moments-media/internal/media/ffmpeg"
	"moments-media/internal/media/ffprobe"
	"moments-media/internal/tempfile"
)

// MediaTool is the external probing and transcoding toolchain. Every method
// works on file paths and must stop when ctx is cancelled.
type MediaTool interface {
	Probe(ctx context.Context, path string) (upload.VideoMetadata, error)
	Transcode(ctx context.Context, input, output string, cfg upload.H264Config, duration float64, progress func(int)) error
	ExtractFrame(ctx context.Context, input, output string, offset time.Duration, width int) error
}

// FFmpegTool implements MediaTool with the ffprobe and ffmpeg binaries.
type FFmpegTool struct {
	ffprobe string
	ffmpeg  *ffmpeg.CLI
}

func NewFFmpegTool(ffprobeBinary, ffmpegBinary string) *FFmpegTool {
	return &FFmpegTool{ffprobe: ffprobeBinary, ffmpeg: ffmpeg.NewCLI(ffmpeg.WithBinary(ffmpegBinary))}
}

func (t *FFmpegTool) Probe(ctx context.Context, path string) (upload.VideoMetadata, error) {
	result, err := ffprobe.Inspect(ctx, t.ffprobe, path)
	if err != nil {
		return upload.VideoMetadata{}, err
	}
	return result.Metadata(), nil
}

func (t *FFmpegTool) Transcode(ctx context.Context, input, output string, cfg upload.H264Config, duration float64, progress func(int)) error {
	return t.ffmpeg.Transcode(ctx, input, output, cfg, duration, progress)
}

func (t *FFmpegTool) ExtractFrame(ctx context.Context, input, output string, offset time.Duration, width int) error {
	return t.ffmpeg.ExtractFrame(ctx, input, output, offset, width)
}

// FFmpegWebPEncoder encodes WebP through ffmpeg's libwebp encoder using
// managed temp files.
type FFmpegWebPEncoder struct {
	cli  *ffmpeg.CLI
	temp *tempfile.Manager
}

func NewFFmpegWebPEncoder(ffmpegBinary string, temp *tempfile.Manager) *FFmpegWebPEncoder {
	return &FFmpegWebPEncoder{cli: ffmpeg.NewCLI(ffmpeg.WithBinary(ffmpegBinary)), temp: temp}
}

func (e *FFmpegWebPEncoder) EncodeWebP(ctx context.Context, src []byte, srcExt string, settings WebPSettings, maxWidth, maxHeight int, sessionID string) ([]byte, error) {
	in, err := e.temp.CreateWithData("webp_src", srcExt, "webp_encode", sessionID, src)
	if err != nil {
		return nil, err
	}
	defer e.temp.CleanupFile(in)

	out, err := e.temp.CreateTempFile("webp_out", "webp", "webp_encode", sessionID)
	if err != nil {
		return nil, err
	}
	defer e.temp.CleanupFile(out)

	if err := e.cli.EncodeWebP(ctx, in, out, ffmpeg.WebPOptions{
		Quality:   settings.Quality,
		Lossless:  settings.Lossless,
		Animated:  settings.Animated,
		MaxWidth:  maxWidth,
		MaxHeight: maxHeight,
	}); err != nil {
		return nil, err
	}
	e.temp.RefreshSize(out)
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read webp output: %w", err)
	}
	return data, nil
}
