package upload

import (
	"time"

	"github.com/google/uuid"
)

// Thumbnail is one stored derivative of an upload.
type Thumbnail struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	Key  string `json:"key"`
	URL  string `json:"url"`
}

// Result is the terminal output of a successful pipeline run.
type Result struct {
	Success       bool           `json:"success"`
	RecordID      uuid.UUID      `json:"record_id"`
	URL           string         `json:"url"`
	CDNURL        string         `json:"cdn_url,omitempty"`
	StorageKey    string         `json:"storage_key"`
	Hash          string         `json:"hash"`
	Width         int            `json:"width,omitempty"`
	Height        int            `json:"height,omitempty"`
	Duration      float64        `json:"duration,omitempty"`
	Status        Status         `json:"status"`
	ThumbnailURL  string         `json:"thumbnail_url,omitempty"`
	Thumbnails    []Thumbnail    `json:"thumbnails,omitempty"`
	OriginalSize  int64          `json:"original_size"`
	ProcessedSize int64          `json:"processed_size"`
	MimeType      string         `json:"mime_type"`
	Filename      string         `json:"filename"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Record is the persisted row for a stored upload.
type Record struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PostID       *uuid.UUID
	Type         Type
	Filename     string
	MimeType     string
	StorageKey   string
	URL          string
	CDNURL       string
	ETag         string
	Hash         string
	Size         int64
	OriginalSize int64
	Width        int
	Height       int
	Duration     float64
	ThumbnailURL string
	Status       Status
	Metadata     map[string]any
	CreatedAt    time.Time
}

// StorageObject is what the pipeline hands to object storage.
type StorageObject struct {
	Key         string
	Data        []byte
	ContentType string
	Size        int64
	Metadata    map[string]string
}

// StoredObject is what object storage hands back.
type StoredObject struct {
	URL    string
	CDNURL string
	ETag   string
}

// VideoMetadata is extracted fresh per file by the probe tool.
type VideoMetadata struct {
	Codec      string  `json:"codec"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Duration   float64 `json:"duration"`
	Bitrate    int64   `json:"bitrate"`
	FrameRate  float64 `json:"frame_rate"`
	Format     string  `json:"format"`
	AudioCodec string  `json:"audio_codec,omitempty"`
}

// H264Config is the fixed transcode target.
type H264Config struct {
	Codec        string
	AudioCodec   string
	Preset       string
	CRF          int
	MaxBitrate   string
	BufferSize   string
	AudioBitrate string
}

func DefaultH264Config() H264Config {
	return H264Config{
		Codec:        "libx264",
		AudioCodec:   "aac",
		Preset:       "medium",
		CRF:          23,
		MaxBitrate:   "4M",
		BufferSize:   "8M",
		AudioBitrate: "128k",
	}
}
