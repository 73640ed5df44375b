package errhandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionCanceller is the slice of the session manager the handler needs.
type SessionCanceller interface {
	Cancel(id uuid.UUID) bool
}

// TempFileCleaner is the slice of the temp-file manager the handler needs.
type TempFileCleaner interface {
	CleanupFile(path string) bool
	CleanupSessionFiles(sessionID string) int
}

// Context describes the failing upload and what must be released.
type Context struct {
	Operation string
	SessionID uuid.UUID
	UserID    uuid.UUID
	Filename  string
	MimeType  string
	Size      int64
	TempFiles []string
	Cleanup   func(ctx context.Context) error
}

type Handler struct {
	sessions      SessionCanceller
	temp          TempFileCleaner
	log           *logger.Logger
	retryAttempts int
}

type Option func(*Handler)

// WithRetryAttempts sets the attempt hint attached to retryable errors.
func WithRetryAttempts(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.retryAttempts = n
		}
	}
}

func New(sessions SessionCanceller, temp TempFileCleaner, l *logger.Logger, opts ...Option) *Handler {
	h := &Handler{sessions: sessions, temp: temp, log: l.Named("errhandler")}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleUploadError logs the technical error, runs every cleanup step to
// completion and returns the caller-facing error. Cleanup failures are logged
// and never replace err.
func (h *Handler) HandleUploadError(ctx context.Context, err error, ec Context) *media_errors.APIError {
	if ctx == nil {
		ctx = context.Background()
	}
	if ec.SessionID != uuid.Nil {
		ctx = logger.WithSessionID(ctx, ec.SessionID.String())
	}
	class := Classify(err)

	h.log.Error(ctx, "upload failed",
		zap.String("category", string(class.Category)),
		zap.String("code", class.Code),
		zap.Bool("retryable", class.Retryable),
		zap.Error(err),
		logger.Context(map[string]interface{}{
			"operation":  ec.Operation,
			"filename":   ec.Filename,
			"mime_type":  ec.MimeType,
			"size":       ec.Size,
			"temp_files": len(ec.TempFiles),
			"owner":      ec.UserID.String(),
		}),
	)

	h.cleanup(ctx, ec)
	apiErr := toAPIError(class, err)
	if apiErr.Retryable {
		apiErr.MaxAttempts = h.retryAttempts
	}
	return apiErr
}

// cleanup runs all steps concurrently and waits for every one of them.
func (h *Handler) cleanup(ctx context.Context, ec Context) {
	var g errgroup.Group
	step := func(name string, fn func() error) {
		g.Go(func() error {
			h.runStep(ctx, name, fn)
			return nil
		})
	}

	if ec.SessionID != uuid.Nil && h.sessions != nil {
		step("cancel_session", func() error {
			h.sessions.Cancel(ec.SessionID)
			return nil
		})
	}
	if h.temp != nil {
		for _, path := range ec.TempFiles {
			path := path
			step("delete_temp_file", func() error {
				if !h.temp.CleanupFile(path) {
					return fmt.Errorf("temp file %s was not deleted", path)
				}
				return nil
			})
		}
		if ec.SessionID != uuid.Nil {
			step("delete_session_files", func() error {
				h.temp.CleanupSessionFiles(ec.SessionID.String())
				return nil
			})
		}
	}
	if ec.Cleanup != nil {
		step("custom_cleanup", func() error { return ec.Cleanup(ctx) })
	}
	_ = g.Wait()
}

func (h *Handler) runStep(ctx context.Context, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(ctx, "cleanup step panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		h.log.Warn(ctx, "cleanup step failed", zap.String("step", name), zap.Error(err))
	}
}

func toAPIError(class Classification, err error) *media_errors.APIError {
	message := class.Message
	if class.Category == CategoryValidation || class.Category == CategoryPermission {
		if detail, ok := media_errors.UserDetail(err); ok {
			message = detail
		}
	}
	var apiErr *media_errors.APIError
	switch {
	case class.Category == CategoryValidation:
		apiErr = media_errors.NewBadRequest(class.Code, message, err)
	case class.Category == CategoryPermission:
		apiErr = media_errors.NewForbidden(class.Code, message, err)
	case isRateLimited(err):
		apiErr = media_errors.NewTooManyRequests(class.Code, message, class.RetryDelay, err)
	case class.Retryable:
		apiErr = media_errors.NewRetryable(class.Code, message, class.RetryDelay, err)
	default:
		apiErr = media_errors.NewInternal(class.Code, message, err)
	}
	return apiErr
}

func isRateLimited(err error) bool {
	return errors.Is(err, media_errors.ErrRateLimited)
}

// Wrap runs op and routes a failure through HandleUploadError. Errors that
// already went through a handler are passed on untouched so cleanup happens
// exactly once.
func (h *Handler) Wrap(ctx context.Context, ec Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	if apiErr, ok := media_errors.AsAPIError(err); ok {
		return apiErr
	}
	return h.HandleUploadError(ctx, err, ec)
}

// WrapValue is Wrap for operations that return a value.
func WrapValue[T any](ctx context.Context, h *Handler, ec Context, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := h.Wrap(ctx, ec, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// StatusFor returns the HTTP status carried by err, defaulting to 500.
func StatusFor(err error) int {
	if apiErr, ok := media_errors.AsAPIError(err); ok {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}
