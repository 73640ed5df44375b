package httpdto

import (
	"time"

	"moments-media/internal/domain/upload"
)

// AnalysisDTO is the pre-flight verdict returned with an upload.
type AnalysisDTO struct {
	Type                  string   `json:"type"`
	DetectedMIME          string   `json:"detected_mime,omitempty"`
	Strategy              string   `json:"strategy"`
	Threats               []string `json:"threats,omitempty"`
	NeedsProcessing       bool     `json:"needs_processing"`
	EstimatedProcessingMS int64    `json:"estimated_processing_ms"`
	EstimatedStorageSize  int64    `json:"estimated_storage_size"`
}

func NewAnalysisDTO(a upload.FileAnalysis) AnalysisDTO {
	return AnalysisDTO{
		Type:                  string(a.Type),
		DetectedMIME:          a.DetectedMIME,
		Strategy:              string(a.Strategy),
		Threats:               a.Threats,
		NeedsProcessing:       a.NeedsProcessing,
		EstimatedProcessingMS: a.EstimatedProcessingTime.Milliseconds(),
		EstimatedStorageSize:  a.EstimatedStorageSize,
	}
}

// UploadResponse is returned by POST /v1/media.
type UploadResponse struct {
	Media    upload.Result `json:"media"`
	Analysis AnalysisDTO   `json:"analysis"`
}

// AcceptedUploadResponse is returned by POST /v1/media?async=true.
type AcceptedUploadResponse struct {
	SessionID   string      `json:"session_id"`
	ProgressURL string      `json:"progress_url"`
	StatusURL   string      `json:"status_url"`
	Analysis    AnalysisDTO `json:"analysis"`
}

// ProgressMessage is one websocket frame.
type ProgressMessage struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status,omitempty"`
	Progress  int            `json:"progress"`
	Code      string         `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    *upload.Result `json:"result,omitempty"`
}

// RecordDTO is a persisted upload.
type RecordDTO struct {
	ID           string         `json:"id"`
	PostID       string         `json:"post_id,omitempty"`
	Type         string         `json:"type"`
	Filename     string         `json:"filename"`
	MimeType     string         `json:"mime_type"`
	URL          string         `json:"url"`
	CDNURL       string         `json:"cdn_url,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	Size         int64          `json:"size"`
	OriginalSize int64          `json:"original_size"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	Duration     float64        `json:"duration,omitempty"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

func NewRecordDTO(r upload.Record) RecordDTO {
	dto := RecordDTO{
		ID:           r.ID.String(),
		Type:         string(r.Type),
		Filename:     r.Filename,
		MimeType:     r.MimeType,
		URL:          r.URL,
		CDNURL:       r.CDNURL,
		ThumbnailURL: r.ThumbnailURL,
		Size:         r.Size,
		OriginalSize: r.OriginalSize,
		Width:        r.Width,
		Height:       r.Height,
		Duration:     r.Duration,
		Status:       string(r.Status),
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.PostID != nil {
		dto.PostID = r.PostID.String()
	}
	return dto
}
