package processor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	"moments-media/internal/tempfile"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"go.uber.org/zap"
)

// MaxPreviewFrames caps Options.PreviewFrames.
const MaxPreviewFrames = 10

const (
	maxThumbnailOffset = 10 * time.Second
	thumbnailFraction  = 0.25
)

var videoExtensions = map[string]string{
	"video/mp4":        "mp4",
	"video/quicktime":  "mov",
	"video/webm":       "webm",
	"video/x-msvideo":  "avi",
	"video/x-matroska": "mkv",
	"video/mpeg":       "mpg",
	"video/3gpp":       "3gp",
}

type VideoConfig struct {
	MaxSize         int64
	ThumbnailWidth  int
	ThumbnailOffset time.Duration
	H264            upload.H264Config
	ProbeRetries    int
	RetryDelay      time.Duration
}

func VideoConfigFromUpload(u config.UploadConfig) VideoConfig {
	h264 := upload.DefaultH264Config()
	h264.Preset = u.H264Preset
	h264.CRF = u.H264CRF
	h264.MaxBitrate = u.H264MaxBitrate
	h264.BufferSize = u.H264BufferSize
	h264.AudioBitrate = u.AudioBitrate
	return VideoConfig{
		MaxSize:         u.VideoMaxSize,
		ThumbnailWidth:  u.VideoThumbnailWidth,
		ThumbnailOffset: u.VideoThumbnailOffset,
		H264:            h264,
		ProbeRetries:    u.ProbeRetries,
		RetryDelay:      u.RetryDelay,
	}
}

// IsCodecCompatible reports whether codec is one of the H.264 aliases.
func IsCodecCompatible(codec string) bool {
	switch strings.ToLower(codec) {
	case "h264", "avc1", "x264":
		return true
	default:
		return false
	}
}

// NeedsTranscoding reports whether a video must be normalised to H.264.
func NeedsTranscoding(codec string, force bool) bool {
	return force || !IsCodecCompatible(codec)
}

// ThumbnailOffset picks the frame time: the requested offset when set,
// otherwise min(25% of duration, 10s). The result never passes the end.
func ThumbnailOffset(duration float64, requested time.Duration) time.Duration {
	total := time.Duration(duration * float64(time.Second))
	offset := requested
	if offset <= 0 {
		offset = time.Duration(float64(total) * thumbnailFraction)
		if offset > maxThumbnailOffset {
			offset = maxThumbnailOffset
		}
	}
	if total > 0 && offset >= total {
		offset = total / 2
	}
	return offset
}

type VideoProcessor struct {
	cfg     VideoConfig
	tool    MediaTool
	temp    *tempfile.Manager
	storage Storage
	codecs  *CodecValidator
	log     *logger.Logger
}

func NewVideoProcessor(cfg VideoConfig, tool MediaTool, temp *tempfile.Manager, storage Storage, codecs *CodecValidator, l *logger.Logger) *VideoProcessor {
	return &VideoProcessor{cfg: cfg, tool: tool, temp: temp, storage: storage, codecs: codecs, log: l.Named("video_processor")}
}

func (p *VideoProcessor) Name() string      { return "video" }
func (p *VideoProcessor) Type() upload.Type { return upload.TypeVideo }

func (p *VideoProcessor) SupportedMIMETypes() []string {
	return upload.VideoMIMETypes
}

func extensionFor(mimeType string) string {
	if ext, ok := videoExtensions[upload.NormalizeMIME(mimeType)]; ok {
		return ext
	}
	return "bin"
}

// ValidateSpecific enforces the size ceiling and requires a successful probe
// with a duration and picture size.
func (p *VideoProcessor) ValidateSpecific(ctx context.Context, req upload.Request) error {
	if p.cfg.MaxSize > 0 && req.Size() > p.cfg.MaxSize {
		return media_errors.Detailf(media_errors.ErrTooLarge, "video size %d bytes exceeds the %d bytes limit", req.Size(), p.cfg.MaxSize)
	}
	path, err := p.temp.CreateWithData("probe", extensionFor(req.MimeType), "probe", "", req.Data)
	if err != nil {
		return err
	}
	defer p.temp.CleanupFile(path)

	_, err = p.probe(ctx, path)
	return err
}

func (p *VideoProcessor) probe(ctx context.Context, path string) (upload.VideoMetadata, error) {
	md, err := probeWithRetry(ctx, p.tool, path, p.cfg.ProbeRetries, p.cfg.RetryDelay)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return md, ctxErr
		}
		return md, media_errors.Detailf(media_errors.ErrFileCorrupt, "video could not be read: %v", err)
	}
	if md.Duration <= 0 {
		return md, media_errors.Detailf(media_errors.ErrFileCorrupt, "video has no duration")
	}
	if md.Width <= 0 || md.Height <= 0 {
		return md, media_errors.Detailf(media_errors.ErrFileCorrupt, "video has no picture")
	}
	return md, nil
}

// Preprocess transcodes non H.264 video to H.264/AAC MP4. Original and final
// codec and size are kept in the metadata.
func (p *VideoProcessor) Preprocess(ctx context.Context, stage Stage) (Stage, error) {
	req := stage.Request
	sessionID := stage.SessionID.String()

	input, err := p.temp.CreateWithData("video_src", extensionFor(req.MimeType), "transcode_input", sessionID, req.Data)
	if err != nil {
		return stage, err
	}
	defer p.temp.CleanupFile(input)

	md, err := p.probe(ctx, input)
	if err != nil {
		return stage, err
	}
	codec, source := md.Codec, "ffprobe"
	if codec == "" && p.codecs != nil {
		report := p.codecs.Detect(ctx, req.Data, extensionFor(req.MimeType), sessionID)
		codec, source = report.Codec, report.Source
	}

	meta := map[string]any{
		"originalCodec": codec,
		"codecSource":   source,
		"originalSize":  req.Size(),
		"bitrate":       md.Bitrate,
		"frameRate":     md.FrameRate,
		"format":        md.Format,
		"audioCodec":    md.AudioCodec,
	}
	out := stage
	out.Width, out.Height, out.Duration = md.Width, md.Height, md.Duration

	if req.Options.SkipTranscode && !req.Options.ForceTranscode || !NeedsTranscoding(codec, req.Options.ForceTranscode) {
		meta["codec"] = codec
		meta["isTranscoded"] = false
		meta["transcodedSize"] = req.Size()
		return out.WithMetadata(meta), nil
	}

	output, err := p.temp.CreateTempFile("video_h264", "mp4", "transcode_output", sessionID)
	if err != nil {
		return stage, err
	}
	defer p.temp.CleanupFile(output)

	started := time.Now()
	if err := p.tool.Transcode(ctx, input, output, p.cfg.H264, md.Duration, stage.Progress); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stage, fmt.Errorf("transcode interrupted: %w", ctxErr)
		}
		return stage, fmt.Errorf("%w: transcode: %w", media_errors.ErrProcessing, err)
	}
	p.temp.RefreshSize(output)
	data, err := os.ReadFile(output)
	if err != nil {
		return stage, fmt.Errorf("%w: read transcode output: %w", media_errors.ErrProcessing, err)
	}
	if len(data) == 0 {
		return stage, fmt.Errorf("%w: transcode produced an empty file", media_errors.ErrProcessing)
	}

	p.log.Info(ctx, "video transcoded",
		zap.String("from_codec", codec),
		logger.Metrics(map[string]interface{}{
			"original_size":   req.Size(),
			"transcoded_size": len(data),
			"duration_ms":     time.Since(started).Milliseconds(),
		}),
	)

	meta["codec"] = "h264"
	meta["isTranscoded"] = true
	meta["transcodedSize"] = int64(len(data))
	out = out.WithRequest(req.WithContent(data, upload.ReplaceExt(req.Filename, ".mp4"), "video/mp4"))
	return out.WithMetadata(meta), nil
}

// Postprocess stores the poster frame next to the video, followed by the
// requested number of preview frames.
func (p *VideoProcessor) Postprocess(ctx context.Context, stage Stage, stored Stored) (Enrichment, error) {
	enrichment := Enrichment{
		Width:    stage.Width,
		Height:   stage.Height,
		Duration: stage.Duration,
		Metadata: map[string]any{
			"width":    stage.Width,
			"height":   stage.Height,
			"duration": stage.Duration,
		},
	}
	opts := stage.Request.Options
	if opts.SkipThumbnails {
		return enrichment, nil
	}

	offset := ThumbnailOffset(stage.Duration, firstPositive(opts.ThumbnailOffset, p.cfg.ThumbnailOffset))
	frame, err := p.frame(ctx, stage.Request.Data, stage.Request.MimeType, offset, p.cfg.ThumbnailWidth, stage.SessionID.String())
	if err != nil {
		p.log.Warn(ctx, "video thumbnail failed", zap.Error(err))
	} else if thumb, err := p.storeFrame(ctx, stored, "thumbnail", "poster", frame); err != nil {
		p.log.Warn(ctx, "video thumbnail upload failed", zap.Error(err))
	} else {
		enrichment.ThumbnailURL = thumb.URL
		enrichment.Thumbnails = append(enrichment.Thumbnails, thumb)
		enrichment.Metadata["thumbnailOffset"] = offset.Seconds()
	}

	if n := min(opts.PreviewFrames, MaxPreviewFrames); n > 0 {
		frames, err := p.GeneratePreviews(ctx, stage.Request.Data, stage.Request.MimeType, n, p.cfg.ThumbnailWidth, stage.SessionID.String())
		if err != nil {
			p.log.Warn(ctx, "video previews incomplete", zap.Int("generated", len(frames)), zap.Error(err))
		}
		var previews int
		for i, frame := range frames {
			name := fmt.Sprintf("preview_%d", i+1)
			thumb, err := p.storeFrame(ctx, stored, name, name, frame)
			if err != nil {
				p.log.Warn(ctx, "video preview upload failed", zap.String("preview", name), zap.Error(err))
				continue
			}
			enrichment.Thumbnails = append(enrichment.Thumbnails, thumb)
			previews++
		}
		enrichment.Metadata["previews"] = previews
	}
	return enrichment, nil
}

// storeFrame uploads a JPEG frame as {key-without-ext}_{suffix}.jpg.
func (p *VideoProcessor) storeFrame(ctx context.Context, stored Stored, suffix, name string, frame []byte) (upload.Thumbnail, error) {
	key := upload.KeyWithoutExt(stored.Key) + "_" + suffix + ".jpg"
	obj, err := p.storage.UploadFile(ctx, upload.StorageObject{
		Key:         key,
		Data:        frame,
		ContentType: "image/jpeg",
		Size:        int64(len(frame)),
		Metadata:    map[string]string{"thumbnail": name, "fingerprint": stored.Hash},
	})
	if err != nil {
		return upload.Thumbnail{}, err
	}
	url := obj.URL
	if obj.CDNURL != "" {
		url = obj.CDNURL
	}
	return upload.Thumbnail{Name: name, Size: p.cfg.ThumbnailWidth, Key: key, URL: url}, nil
}

func (p *VideoProcessor) frame(ctx context.Context, data []byte, mimeType string, offset time.Duration, width int, sessionID string) ([]byte, error) {
	input, err := p.temp.CreateWithData("video_final", extensionFor(mimeType), "thumbnail_input", sessionID, data)
	if err != nil {
		return nil, err
	}
	defer p.temp.CleanupFile(input)

	output, err := p.temp.CreateTempFile("video_frame", "jpg", "thumbnail", sessionID)
	if err != nil {
		return nil, err
	}
	defer p.temp.CleanupFile(output)

	if err := p.tool.ExtractFrame(ctx, input, output, offset, width); err != nil {
		return nil, err
	}
	frame, err := os.ReadFile(output)
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty thumbnail frame", media_errors.ErrProcessing)
	}
	return frame, nil
}

// GeneratePreviews extracts count evenly spaced JPEG frames. On failure it
// returns the frames extracted so far.
func (p *VideoProcessor) GeneratePreviews(ctx context.Context, data []byte, mimeType string, count, width int, sessionID string) ([][]byte, error) {
	if count <= 0 {
		return nil, nil
	}
	input, err := p.temp.CreateWithData("preview_src", extensionFor(mimeType), "preview_input", sessionID, data)
	if err != nil {
		return nil, err
	}
	defer p.temp.CleanupFile(input)

	md, err := p.probe(ctx, input)
	if err != nil {
		return nil, err
	}
	total := time.Duration(md.Duration * float64(time.Second))
	frames := make([][]byte, 0, count)
	for i := 1; i <= count; i++ {
		offset := total * time.Duration(i) / time.Duration(count+1)
		frame, err := p.frame(ctx, data, mimeType, offset, width, sessionID)
		if err != nil {
			return frames, fmt.Errorf("preview %d: %w", i, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func probeWithRetry(ctx context.Context, tool MediaTool, path string, retries int, delay time.Duration) (upload.VideoMetadata, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		md, err := tool.Probe(ctx, path)
		if err == nil {
			return md, nil
		}
		lastErr = err
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return upload.VideoMetadata{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return upload.VideoMetadata{}, lastErr
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
