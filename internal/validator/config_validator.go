package validator

import (
	"fmt"
	"strings"

	"moments-media/config"
	media_errors "moments-media/pkg/errors"
)

// ValidateUploadConfig rejects settings the pipeline cannot run with.
func ValidateUploadConfig(cfg config.UploadConfig) error {
	var problems []string
	positive := func(name string, v int64) {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", name))
		}
	}
	quality := func(name string, v int) {
		if v < 1 || v > 100 {
			problems = append(problems, fmt.Sprintf("%s must be within 1..100", name))
		}
	}

	positive("max file size", cfg.MaxFileSize)
	positive("chunk size", cfg.ChunkSize)
	positive("stream threshold", cfg.StreamThreshold)
	positive("memory-safe threshold", cfg.MemorySafeThreshold)
	positive("max concurrent uploads", int64(cfg.MaxConcurrentUploads))
	positive("max uploads per user", int64(cfg.MaxUploadsPerUser))
	positive("session timeout", int64(cfg.SessionTimeout))
	positive("temp max files", int64(cfg.TempMaxFiles))
	positive("temp max total size", cfg.TempMaxTotalSize)
	positive("temp max age", int64(cfg.TempMaxAge))
	positive("image max width", int64(cfg.ImageMaxWidth))
	positive("image max height", int64(cfg.ImageMaxHeight))
	positive("image max dimension", int64(cfg.ImageMaxDimension))
	positive("video max size", cfg.VideoMaxSize)
	positive("document max size", cfg.DocumentMaxSize)

	if cfg.StreamThreshold >= cfg.MemorySafeThreshold {
		problems = append(problems, "stream threshold must be below the memory-safe threshold")
	}
	if cfg.MaxUploadsPerUser > cfg.MaxConcurrentUploads {
		problems = append(problems, "max uploads per user cannot exceed max concurrent uploads")
	}
	if cfg.ImageMaxWidth > cfg.ImageMaxDimension || cfg.ImageMaxHeight > cfg.ImageMaxDimension {
		problems = append(problems, "image resize bounds cannot exceed the dimension ceiling")
	}
	if cfg.RetryAttempts < 0 {
		problems = append(problems, "retry attempts cannot be negative")
	}
	quality("webp quality", cfg.WebPQuality)
	quality("webp large quality", cfg.WebPLargeQuality)
	quality("webp animated quality", cfg.WebPAnimatedQuality)
	quality("thumbnail quality", cfg.ThumbnailQuality)
	if cfg.H264CRF < 0 || cfg.H264CRF > 51 {
		problems = append(problems, "h264 crf must be within 0..51")
	}
	if len(cfg.ThumbnailSizes) == 0 {
		problems = append(problems, "at least one thumbnail size is required")
	}
	for _, ts := range cfg.ThumbnailSizes {
		if ts.Name == "" || ts.Size <= 0 {
			problems = append(problems, fmt.Sprintf("invalid thumbnail size %q:%d", ts.Name, ts.Size))
		}
	}
	if cfg.TempDir == "" {
		problems = append(problems, "temp dir is required")
	}
	if cfg.FFmpegPath == "" || cfg.FFprobePath == "" {
		problems = append(problems, "ffmpeg and ffprobe paths are required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: upload config: %s", media_errors.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
