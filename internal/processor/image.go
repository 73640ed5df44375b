package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const mimeWebP = "image/webp"

// ImageConfig holds the image tunables.
type ImageConfig struct {
	MaxDimension        int
	MaxWidth            int
	MaxHeight           int
	Quality             int
	LargeQuality        int
	AnimatedQuality     int
	LargeFileThreshold  int64
	ThumbnailSizes      []config.ThumbnailSize
	ThumbnailQuality    int
	ThumbnailConcurrent int
}

func ImageConfigFromUpload(u config.UploadConfig) ImageConfig {
	return ImageConfig{
		MaxDimension:        u.ImageMaxDimension,
		MaxWidth:            u.ImageMaxWidth,
		MaxHeight:           u.ImageMaxHeight,
		Quality:             u.WebPQuality,
		LargeQuality:        u.WebPLargeQuality,
		AnimatedQuality:     u.WebPAnimatedQuality,
		LargeFileThreshold:  u.WebPLargeFileThreshold,
		ThumbnailSizes:      u.ThumbnailSizes,
		ThumbnailQuality:    u.ThumbnailQuality,
		ThumbnailConcurrent: 3,
	}
}

// WebPSettings is the outcome of the WebP decision table.
type WebPSettings struct {
	Quality  int
	Lossless bool
	Animated bool
}

// ChooseWebPSettings is a pure function of its inputs: a PNG declaring an
// alpha channel is lossless, multi-frame input uses the animated quality, large buffers use the
// aggressive quality and everything else the standard one.
func ChooseWebPSettings(mimeType string, hasAlpha bool, frames int, size int64, cfg ImageConfig) WebPSettings {
	switch {
	case upload.NormalizeMIME(mimeType) == "image/png" && hasAlpha:
		return WebPSettings{Lossless: true, Quality: 100}
	case frames > 1:
		return WebPSettings{Quality: cfg.AnimatedQuality, Animated: true}
	case cfg.LargeFileThreshold > 0 && size > cfg.LargeFileThreshold:
		return WebPSettings{Quality: cfg.LargeQuality}
	default:
		return WebPSettings{Quality: cfg.Quality}
	}
}

// WebPEncoder turns an encoded source image into WebP. Animated sources are
// passed through as-is and bounded by maxWidth/maxHeight.
type WebPEncoder interface {
	EncodeWebP(ctx context.Context, src []byte, srcExt string, settings WebPSettings, maxWidth, maxHeight int, sessionID string) ([]byte, error)
}

type ImageProcessor struct {
	cfg     ImageConfig
	encoder WebPEncoder
	storage Storage
	log     *logger.Logger
}

func NewImageProcessor(cfg ImageConfig, encoder WebPEncoder, storage Storage, l *logger.Logger) *ImageProcessor {
	return &ImageProcessor{cfg: cfg, encoder: encoder, storage: storage, log: l.Named("image_processor")}
}

func (p *ImageProcessor) Name() string      { return "image" }
func (p *ImageProcessor) Type() upload.Type { return upload.TypeImage }

func (p *ImageProcessor) SupportedMIMETypes() []string {
	return upload.ImageMIMETypes
}

// ValidateSpecific parses the image header and enforces the dimension ceiling.
func (p *ImageProcessor) ValidateSpecific(_ context.Context, req upload.Request) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Data))
	if err != nil {
		return media_errors.Detailf(media_errors.ErrFileCorrupt, "image could not be read: %v", err)
	}
	if max := p.cfg.MaxDimension; max > 0 && (cfg.Width > max || cfg.Height > max) {
		return media_errors.Detailf(media_errors.ErrValidation,
			"image dimensions %dx%d exceed the %dpx limit", cfg.Width, cfg.Height, max)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return media_errors.Detailf(media_errors.ErrFileCorrupt, "image has no pixels")
	}
	return nil
}

func (p *ImageProcessor) bounds(opts upload.Options) (int, int) {
	w, h := p.cfg.MaxWidth, p.cfg.MaxHeight
	if opts.MaxWidth > 0 {
		w = opts.MaxWidth
	}
	if opts.MaxHeight > 0 {
		h = opts.MaxHeight
	}
	return w, h
}

// Preprocess converts to WebP and fits the image inside the configured bounds
// without upscaling. WebP input already within bounds passes through.
// Animated GIF and WebP sources go to the encoder whole; their first frame is
// kept as the poster for thumbnails.
func (p *ImageProcessor) Preprocess(ctx context.Context, stage Stage) (Stage, error) {
	req := stage.Request
	mime := upload.NormalizeMIME(req.MimeType)
	header, format, err := image.DecodeConfig(bytes.NewReader(req.Data))
	if err != nil {
		return stage, media_errors.Detailf(media_errors.ErrFileCorrupt, "image could not be read: %v", err)
	}
	maxW, maxH := p.bounds(req.Options)
	needsResize := header.Width > maxW || header.Height > maxH
	frames := inspectFrames(req.Data, mime)

	base := map[string]any{
		"originalWidth":  header.Width,
		"originalHeight": header.Height,
		"originalFormat": format,
		"frames":         frames.Count,
	}
	if mime == mimeWebP && !needsResize {
		out := stage.WithMetadata(base)
		out.Width, out.Height = header.Width, header.Height
		out.Poster = frames.Poster
		out.Metadata["converted"] = false
		out.Metadata["animated"] = frames.Count > 1
		out.Metadata["compressionRatio"] = 1.0
		return out, nil
	}

	var (
		src    []byte
		srcExt string
		width  = header.Width
		height = header.Height
		alpha  bool
		poster image.Image
	)
	if frames.Count > 1 {
		src, srcExt = req.Data, strings.TrimPrefix(mime, "image/")
		width, height = fitWithin(header.Width, header.Height, maxW, maxH)
		if frames.Poster != nil {
			poster = imaging.Fit(frames.Poster, maxW, maxH, imaging.Lanczos)
		}
	} else {
		img := frames.Poster
		if img == nil {
			img, err = imaging.Decode(bytes.NewReader(req.Data), imaging.AutoOrientation(true))
			if err != nil {
				return stage, media_errors.Detailf(media_errors.ErrFileCorrupt, "image could not be decoded: %v", err)
			}
		}
		alpha = mime == "image/png" && pngHasAlpha(req.Data)
		if needsResize {
			img = imaging.Fit(img, maxW, maxH, imaging.Lanczos)
		}
		width, height = img.Bounds().Dx(), img.Bounds().Dy()
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return stage, fmt.Errorf("%w: intermediate encode: %v", media_errors.ErrProcessing, err)
		}
		src, srcExt, poster = buf.Bytes(), "png", img
	}
	stage.report(30)

	settings := ChooseWebPSettings(mime, alpha, frames.Count, req.Size(), p.cfg)
	if req.Options.Quality > 0 && !settings.Lossless {
		settings.Quality = req.Options.Quality
	}
	encoded, err := p.encoder.EncodeWebP(ctx, src, srcExt, settings, maxW, maxH, stage.SessionID.String())
	if err != nil {
		return stage, fmt.Errorf("%w: webp encode: %w", media_errors.ErrProcessing, err)
	}
	stage.report(100)

	out := stage.WithRequest(req.WithContent(encoded, upload.ReplaceExt(req.Filename, ".webp"), mimeWebP))
	out.Width, out.Height = width, height
	out.Poster = poster
	return out.WithMetadata(base).WithMetadata(map[string]any{
		"converted":        true,
		"resized":          needsResize,
		"lossless":         settings.Lossless,
		"animated":         settings.Animated,
		"webpQuality":      settings.Quality,
		"compressionRatio": compressionRatio(req.Size(), int64(len(encoded))),
	}), nil
}

// Postprocess generates the named thumbnails. A failing size is logged and
// skipped.
func (p *ImageProcessor) Postprocess(ctx context.Context, stage Stage, stored Stored) (Enrichment, error) {
	enrichment := Enrichment{
		Width:  stage.Width,
		Height: stage.Height,
		Metadata: map[string]any{
			"width":  stage.Width,
			"height": stage.Height,
		},
	}
	if stage.Request.Options.SkipThumbnails || len(p.cfg.ThumbnailSizes) == 0 {
		return enrichment, nil
	}
	img, err := p.posterFor(stage)
	if err != nil {
		p.log.Warn(ctx, "skipping thumbnails, final image not decodable", zap.Error(err))
		return enrichment, nil
	}

	webp := upload.NormalizeMIME(stage.Request.MimeType) == mimeWebP
	results := make([]*upload.Thumbnail, len(p.cfg.ThumbnailSizes))
	var g errgroup.Group
	if p.cfg.ThumbnailConcurrent > 0 {
		g.SetLimit(p.cfg.ThumbnailConcurrent)
	}
	var mu sync.Mutex
	for i, size := range p.cfg.ThumbnailSizes {
		i, size := i, size
		g.Go(func() error {
			thumb, err := p.thumbnail(ctx, img, size, webp, stage, stored)
			if err != nil {
				p.log.Warn(ctx, "thumbnail generation failed",
					zap.String("size", size.Name),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			results[i] = thumb
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, thumb := range results {
		if thumb == nil {
			continue
		}
		enrichment.Thumbnails = append(enrichment.Thumbnails, *thumb)
	}
	if len(enrichment.Thumbnails) > 0 {
		enrichment.ThumbnailURL = pickThumbnail(enrichment.Thumbnails, "medium")
	}
	enrichment.Metadata["thumbnails"] = len(enrichment.Thumbnails)
	return enrichment, nil
}

// posterFor prefers the still carried from Preprocess and falls back to
// decoding the stored payload.
func (p *ImageProcessor) posterFor(stage Stage) (image.Image, error) {
	if stage.Poster != nil {
		return stage.Poster, nil
	}
	img, err := imaging.Decode(bytes.NewReader(stage.Request.Data))
	if err == nil {
		return img, nil
	}
	if poster := inspectFrames(stage.Request.Data, stage.Request.MimeType).Poster; poster != nil {
		return poster, nil
	}
	return nil, err
}

func (p *ImageProcessor) thumbnail(ctx context.Context, img image.Image, size config.ThumbnailSize, webp bool, stage Stage, stored Stored) (*upload.Thumbnail, error) {
	thumb := imaging.Fill(img, size.Size, size.Size, imaging.Center, imaging.Lanczos)

	var (
		data        []byte
		ext         string
		contentType string
	)
	if webp {
		var buf bytes.Buffer
		if err := png.Encode(&buf, thumb); err != nil {
			return nil, err
		}
		encoded, err := p.encoder.EncodeWebP(ctx, buf.Bytes(), "png", WebPSettings{Quality: p.cfg.ThumbnailQuality}, 0, 0, stage.SessionID.String())
		if err != nil {
			return nil, err
		}
		data, ext, contentType = encoded, ".webp", mimeWebP
	} else {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(p.cfg.ThumbnailQuality)); err != nil {
			return nil, err
		}
		data, ext, contentType = buf.Bytes(), ".jpg", "image/jpeg"
	}

	key := fmt.Sprintf("%s_%s%s", upload.KeyWithoutExt(stored.Key), size.Name, ext)
	obj, err := p.storage.UploadFile(ctx, upload.StorageObject{
		Key:         key,
		Data:        data,
		ContentType: contentType,
		Size:        int64(len(data)),
		Metadata:    map[string]string{"thumbnail": size.Name, "fingerprint": stored.Hash},
	})
	if err != nil {
		return nil, err
	}
	url := obj.URL
	if obj.CDNURL != "" {
		url = obj.CDNURL
	}
	return &upload.Thumbnail{Name: size.Name, Size: size.Size, Key: key, URL: url}, nil
}

func pickThumbnail(thumbs []upload.Thumbnail, preferred string) string {
	for _, t := range thumbs {
		if strings.EqualFold(t.Name, preferred) {
			return t.URL
		}
	}
	return thumbs[0].URL
}

// fitWithin scales w x h down to fit maxW x maxH keeping the aspect ratio.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	nw, nh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

func compressionRatio(original, processed int64) float64 {
	if processed <= 0 {
		return 0
	}
	return float64(original) / float64(processed)
}
