package upload

import (
	"time"

	"github.com/google/uuid"
)

// Type is the media family an upload belongs to.
type Type string

const (
	TypeImage    Type = "image"
	TypeVideo    Type = "video"
	TypeDocument Type = "document"
	TypeUnknown  Type = "unknown"
)

// Strategy governs how a processor is driven for a given file size.
type Strategy string

const (
	StrategyDirect     Strategy = "DIRECT"
	StrategyStream     Strategy = "STREAM"
	StrategyMemorySafe Strategy = "MEMORY_SAFE"
)

// Status of an upload session. Transitions only move forward:
// pending -> processing -> completed|failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next keeps the status monotonic.
func (s Status) CanTransitionTo(next Status) bool {
	if next.rank() < 0 {
		return false
	}
	if s.Terminal() {
		return s == next
	}
	return next.rank() >= s.rank()
}

// Options is the per-request configuration bag. The zero value generates
// thumbnails, transcodes when needed and uses configured bounds.
type Options struct {
	SkipThumbnails  bool
	MaxWidth        int
	MaxHeight       int
	Quality         int
	SkipTranscode   bool
	ForceTranscode  bool
	ThumbnailOffset time.Duration
	PreviewFrames   int
}

// Request is the pipeline input. Treat it as immutable; use WithContent to
// derive the effective request after a stage changes the payload.
type Request struct {
	Data     []byte
	Filename string
	MimeType string
	UserID   uuid.UUID
	PostID   *uuid.UUID
	Options  Options
}

func (r Request) Size() int64 {
	return int64(len(r.Data))
}

// WithContent returns a copy of r carrying new bytes, filename and MIME type.
func (r Request) WithContent(data []byte, filename, mimeType string) Request {
	out := r
	out.Data = data
	out.Filename = filename
	out.MimeType = mimeType
	return out
}

// Session is one in-flight upload tracked by the session manager.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Filename  string
	Size      int64
	Processor string
	Strategy  Strategy
	Status    Status
	Progress  int
	CreatedAt time.Time
	UpdatedAt time.Time

	// Result is set once the upload completed successfully.
	Result *Result

	OnCancel  func()
	OnCleanup func() error
}

// FileAnalysis is the derived verdict of request validation.
type FileAnalysis struct {
	Type                    Type
	Safe                    bool
	Threats                 []string
	NeedsProcessing         bool
	Strategy                Strategy
	EstimatedProcessingTime time.Duration
	EstimatedStorageSize    int64
	DetectedMIME            string
}
