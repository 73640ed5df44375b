package processor

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage is the object storage collaborator.
type Storage interface {
	UploadFile(ctx context.Context, obj upload.StorageObject) (upload.StoredObject, error)
}

// RecordStore is the persistence collaborator.
type RecordStore interface {
	Create(ctx context.Context, record *upload.Record) error
}

// Stage is the value threaded through the pipeline. Steps return a new Stage
// instead of mutating the one they were given.
type Stage struct {
	Request      upload.Request
	SessionID    uuid.UUID
	OriginalSize int64
	Width        int
	Height       int
	Duration     float64
	Metadata     map[string]any

	// Poster is a decoded still of the processed media for derivatives such
	// as thumbnails. Nil when the processor produced none.
	Poster image.Image

	// Progress receives 0..100 for long running preprocess work.
	Progress func(int)
}

// WithRequest returns a copy of s carrying req.
func (s Stage) WithRequest(req upload.Request) Stage {
	s.Request = req
	return s
}

// WithMetadata returns a copy of s whose metadata has values merged in.
func (s Stage) WithMetadata(values map[string]any) Stage {
	merged := make(map[string]any, len(s.Metadata)+len(values))
	for k, v := range s.Metadata {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	s.Metadata = merged
	return s
}

func (s Stage) report(pct int) {
	if s.Progress != nil {
		s.Progress(pct)
	}
}

// Stored describes the object written for the main payload.
type Stored struct {
	Key    string
	Hash   string
	Object upload.StoredObject
}

// Enrichment is what Postprocess adds to the result.
type Enrichment struct {
	Width        int
	Height       int
	Duration     float64
	ThumbnailURL string
	Thumbnails   []upload.Thumbnail
	Metadata     map[string]any
}

// Processor is one media family's variation points of the pipeline.
type Processor interface {
	Name() string
	Type() upload.Type
	SupportedMIMETypes() []string
	ValidateSpecific(ctx context.Context, req upload.Request) error
	Preprocess(ctx context.Context, stage Stage) (Stage, error)
	Postprocess(ctx context.Context, stage Stage, stored Stored) (Enrichment, error)
}

// Stage names used in StageError.
const (
	StageValidate    = "validate"
	StagePreprocess  = "preprocess"
	StageStore       = "store"
	StagePostprocess = "postprocess"
	StagePersist     = "persist"
)

// StageError records which pipeline step failed and keeps the original error
// reachable through errors.Is / errors.As.
type StageError struct {
	Stage     string
	Processor string
	Err       error
}

func (e *StageError) Error() string {
	return e.Stage + " stage: " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline runs the fixed validate, preprocess, store, postprocess, persist
// sequence for any Processor.
type Pipeline struct {
	storage Storage
	records RecordStore
	log     *logger.Logger
	now     func() time.Time
}

func NewPipeline(storage Storage, records RecordStore, l *logger.Logger) *Pipeline {
	return &Pipeline{storage: storage, records: records, log: l.Named("pipeline"), now: time.Now}
}

// RunOptions carries per-run context that is not part of the request.
type RunOptions struct {
	SessionID uuid.UUID
	Progress  func(int)
}

// Run drives req through p. Progress is reported as 0..100 over the whole run.
func (pl *Pipeline) Run(ctx context.Context, p Processor, req upload.Request, opts RunOptions) (upload.Result, error) {
	fail := func(stage string, err error) (upload.Result, error) {
		return upload.Result{}, &StageError{Stage: stage, Processor: p.Name(), Err: err}
	}
	report := func(pct int) {
		if opts.Progress != nil {
			opts.Progress(pct)
		}
	}
	started := pl.now()

	if err := ValidateGeneric(p, req); err != nil {
		return fail(StageValidate, err)
	}
	if err := p.ValidateSpecific(ctx, req); err != nil {
		return fail(StageValidate, err)
	}
	report(10)

	stage, err := p.Preprocess(ctx, Stage{
		Request:      req,
		SessionID:    opts.SessionID,
		OriginalSize: req.Size(),
		Metadata:     map[string]any{},
		Progress:     func(pct int) { report(10 + pct*50/100) },
	})
	if err != nil {
		return fail(StagePreprocess, err)
	}
	if len(stage.Request.Data) == 0 {
		return fail(StagePreprocess, fmt.Errorf("%w: preprocess produced no data", media_errors.ErrProcessing))
	}
	report(60)

	hash := upload.Fingerprint(stage.Request.Data)
	key := upload.StorageKey(req.UserID, hash, stage.Request.Filename)
	obj, err := pl.storage.UploadFile(ctx, upload.StorageObject{
		Key:         key,
		Data:        stage.Request.Data,
		ContentType: stage.Request.MimeType,
		Size:        stage.Request.Size(),
		Metadata: map[string]string{
			"owner":             req.UserID.String(),
			"fingerprint":       hash,
			"original-filename": upload.SanitizeFilename(req.Filename),
		},
	})
	if err != nil {
		return fail(StageStore, fmt.Errorf("%w: %w", media_errors.ErrStorage, err))
	}
	report(75)

	stored := Stored{Key: key, Hash: hash, Object: obj}
	enrichment, err := p.Postprocess(ctx, stage, stored)
	if err != nil {
		return fail(StagePostprocess, err)
	}
	report(90)

	metadata := make(map[string]any, len(stage.Metadata)+len(enrichment.Metadata))
	for k, v := range stage.Metadata {
		metadata[k] = v
	}
	for k, v := range enrichment.Metadata {
		metadata[k] = v
	}
	record := &upload.Record{
		ID:           uuid.New(),
		UserID:       req.UserID,
		PostID:       req.PostID,
		Type:         p.Type(),
		Filename:     stage.Request.Filename,
		MimeType:     stage.Request.MimeType,
		StorageKey:   key,
		URL:          obj.URL,
		CDNURL:       obj.CDNURL,
		ETag:         obj.ETag,
		Hash:         hash,
		Size:         stage.Request.Size(),
		OriginalSize: stage.OriginalSize,
		Width:        firstNonZero(enrichment.Width, stage.Width),
		Height:       firstNonZero(enrichment.Height, stage.Height),
		Duration:     firstNonZeroFloat(enrichment.Duration, stage.Duration),
		ThumbnailURL: enrichment.ThumbnailURL,
		Status:       upload.StatusCompleted,
		Metadata:     metadata,
		CreatedAt:    pl.now(),
	}
	if err := pl.records.Create(ctx, record); err != nil {
		return fail(StagePersist, err)
	}
	report(100)

	pl.log.Info(ctx, "upload processed",
		zap.String("processor", p.Name()),
		zap.String("record_id", record.ID.String()),
		logger.Metrics(map[string]interface{}{
			"original_size":  record.OriginalSize,
			"processed_size": record.Size,
			"duration_ms":    pl.now().Sub(started).Milliseconds(),
		}),
	)

	return upload.Result{
		Success:       true,
		RecordID:      record.ID,
		URL:           obj.URL,
		CDNURL:        obj.CDNURL,
		StorageKey:    key,
		Hash:          hash,
		Width:         record.Width,
		Height:        record.Height,
		Duration:      record.Duration,
		Status:        upload.StatusCompleted,
		ThumbnailURL:  enrichment.ThumbnailURL,
		Thumbnails:    enrichment.Thumbnails,
		OriginalSize:  record.OriginalSize,
		ProcessedSize: record.Size,
		MimeType:      record.MimeType,
		Filename:      record.Filename,
		Metadata:      metadata,
	}, nil
}

// ValidateGeneric applies the checks shared by every processor.
func ValidateGeneric(p Processor, req upload.Request) error {
	switch {
	case len(req.Data) == 0:
		return media_errors.Detailf(media_errors.ErrValidation, "file is empty")
	case strings.TrimSpace(req.Filename) == "":
		return media_errors.Detailf(media_errors.ErrValidation, "filename is required")
	case strings.TrimSpace(req.MimeType) == "":
		return media_errors.Detailf(media_errors.ErrValidation, "mime type is required")
	}
	mime := upload.NormalizeMIME(req.MimeType)
	for _, supported := range p.SupportedMIMETypes() {
		if supported == mime {
			return nil
		}
	}
	return media_errors.Detailf(media_errors.ErrUnsupported, "%s processor does not accept %s", p.Name(), mime)
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZeroFloat(a, b float64) float64 {
	if a != 0 {
		return a
	}
	return b
}
