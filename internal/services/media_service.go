package services

import (
	"context"
	"time"

	"moments-media/internal/domain/upload"
	"moments-media/internal/errhandler"
	"moments-media/internal/metrics"
	"moments-media/internal/permission"
	"moments-media/internal/processor"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProcessingManager runs admitted uploads through a processor.
type ProcessingManager interface {
	Process(ctx context.Context, req upload.Request, hooks processor.Hooks) (upload.Result, error)
	ProcessorFor(mimeType string) (processor.Processor, bool)
}

// Gate is the permission and quota check.
type Gate interface {
	Check(ctx context.Context, in permission.CheckInput) (permission.Verdict, error)
	RecordUpload(ctx context.Context, userID uuid.UUID) error
}

type Analyzer interface {
	Analyze(req upload.Request) (upload.FileAnalysis, error)
}

// ProgressEvent is what MediaService publishes for each progress step and
// for a failed upload.
type ProgressEvent struct {
	SessionID uuid.UUID     `json:"session_id"`
	UserID    uuid.UUID     `json:"user_id"`
	Status    upload.Status `json:"status"`
	Progress  int           `json:"progress"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ProgressPublisher mirrors progress to other replicas.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, sessionID uuid.UUID, snapshot any) error
}

type MediaDeps struct {
	Manager   ProcessingManager
	Gate      Gate
	Analyzer  Analyzer
	Errors    *errhandler.Handler
	Metrics   *metrics.Metrics
	Publisher ProgressPublisher
	Logger    *logger.Logger
}

// Outcome is a finished upload together with its pre-flight analysis.
type Outcome struct {
	Result   upload.Result       `json:"result"`
	Analysis upload.FileAnalysis `json:"analysis"`
}

type MediaService struct {
	manager   ProcessingManager
	gate      Gate
	analyzer  Analyzer
	errs      *errhandler.Handler
	metrics   *metrics.Metrics
	publisher ProgressPublisher
	log       *logger.Logger
}

func NewMediaService(d MediaDeps) *MediaService {
	return &MediaService{
		manager:   d.Manager,
		gate:      d.Gate,
		analyzer:  d.Analyzer,
		errs:      d.Errors,
		metrics:   d.Metrics,
		publisher: d.Publisher,
		log:       d.Logger.Named("media_service"),
	}
}

// Upload gates, analyzes and processes req synchronously. A denied or unsafe
// request never reaches a processor.
func (s *MediaService) Upload(ctx context.Context, req upload.Request) (Outcome, error) {
	analysis, err := s.preflight(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	result, err := s.run(ctx, req, analysis, processor.Hooks{})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: result, Analysis: analysis}, nil
}

// UploadAsync runs the pre-flight checks inline and returns the session id
// as soon as processing is admitted. The upload then continues detached from
// ctx; its outcome is visible through the session.
func (s *MediaService) UploadAsync(ctx context.Context, req upload.Request) (uuid.UUID, upload.FileAnalysis, error) {
	analysis, err := s.preflight(ctx, req)
	if err != nil {
		return uuid.Nil, analysis, err
	}

	ready := make(chan uuid.UUID, 1)
	done := make(chan error, 1)
	hooks := processor.Hooks{OnSession: func(id uuid.UUID) { ready <- id }}
	go func() {
		_, err := s.run(context.WithoutCancel(ctx), req, analysis, hooks)
		done <- err
	}()

	select {
	case id := <-ready:
		return id, analysis, nil
	case err := <-done:
		if err != nil {
			return uuid.Nil, analysis, err
		}
		return <-ready, analysis, nil
	case <-ctx.Done():
		return uuid.Nil, analysis, ctx.Err()
	}
}

func (s *MediaService) preflight(ctx context.Context, req upload.Request) (upload.FileAnalysis, error) {
	ec := errhandler.Context{
		Operation: "preflight",
		UserID:    req.UserID,
		Filename:  req.Filename,
		MimeType:  req.MimeType,
		Size:      req.Size(),
	}

	if s.gate != nil {
		verdict, err := s.gate.Check(ctx, permission.CheckInput{
			UserID:    req.UserID,
			FileSize:  req.Size(),
			FileCount: 1,
			MimeType:  req.MimeType,
		})
		if err != nil {
			return upload.FileAnalysis{}, s.errs.HandleUploadError(ctx, err, ec)
		}
		if !verdict.Allowed {
			s.metrics.PermissionDenied(verdict.Reason)
			return upload.FileAnalysis{}, s.errs.HandleUploadError(ctx, verdict.Err(), ec)
		}
	}

	analysis, err := s.analyzer.Analyze(req)
	if err != nil {
		return analysis, s.errs.HandleUploadError(ctx, err, ec)
	}
	return analysis, nil
}

func (s *MediaService) run(ctx context.Context, req upload.Request, analysis upload.FileAnalysis, hooks processor.Hooks) (upload.Result, error) {
	name := "unknown"
	if p, ok := s.manager.ProcessorFor(req.MimeType); ok {
		name = p.Name()
	}
	var sessionID uuid.UUID
	onSession := hooks.OnSession
	hooks.OnSession = func(id uuid.UUID) {
		sessionID = id
		if onSession != nil {
			onSession(id)
		}
	}
	hooks.OnProgress = s.progressHook(ctx, req.UserID, hooks.OnProgress)

	started := time.Now()
	result, err := s.manager.Process(ctx, req, hooks)
	if err != nil {
		code := "UPLOAD_SYSTEM_ERROR"
		message := err.Error()
		if apiErr, ok := media_errors.AsAPIError(err); ok {
			code = apiErr.Code
			message = apiErr.Message
		}
		s.metrics.UploadFailed(name, string(analysis.Strategy), code)
		if sessionID != uuid.Nil {
			s.publish(ctx, ProgressEvent{
				SessionID: sessionID,
				UserID:    req.UserID,
				Status:    upload.StatusFailed,
				Code:      code,
				Error:     message,
			})
		}
		return upload.Result{}, err
	}

	if s.gate != nil {
		if err := s.gate.RecordUpload(ctx, req.UserID); err != nil {
			s.log.Warn(ctx, "usage not recorded", zap.Error(err))
		}
	}
	s.metrics.UploadSucceeded(name, string(analysis.Strategy), string(analysis.Type), result.ProcessedSize, time.Since(started))
	return result, nil
}

func (s *MediaService) progressHook(ctx context.Context, userID uuid.UUID, next func(uuid.UUID, int)) func(uuid.UUID, int) {
	return func(id uuid.UUID, pct int) {
		if next != nil {
			next(id, pct)
		}
		status := upload.StatusProcessing
		if pct >= 100 {
			status = upload.StatusCompleted
		}
		s.publish(ctx, ProgressEvent{SessionID: id, UserID: userID, Status: status, Progress: pct})
	}
}

func (s *MediaService) publish(ctx context.Context, ev ProgressEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishProgress(ctx, ev.SessionID, ev); err != nil {
		s.log.Debug(ctx, "progress publish failed", zap.Error(err))
	}
}
