package media_errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common errors
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooLarge           = errors.New("file too large")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Classification markers. Wrap with fmt.Errorf("%w: ...") so the error
// handler can categorise failures without matching on text.
var (
	ErrValidation  = errors.New("validation error")
	ErrFileCorrupt = errors.New("file corrupt")
	ErrUnsupported = errors.New("unsupported file type")
	ErrStorage     = errors.New("storage error")
	ErrProcessing  = errors.New("processing error")
)

// DetailError attaches a message that is safe to show to end users to a
// classification marker.
type DetailError struct {
	Marker error
	Detail string
}

func (e *DetailError) Error() string {
	return e.Marker.Error() + ": " + e.Detail
}

func (e *DetailError) Unwrap() error {
	return e.Marker
}

// Detailf builds a DetailError, e.g. Detailf(ErrValidation, "width %dpx exceeds %dpx", w, max).
func Detailf(marker error, format string, args ...interface{}) error {
	return &DetailError{Marker: marker, Detail: fmt.Sprintf(format, args...)}
}

// UserDetail returns the first user-facing detail in err's chain.
func UserDetail(err error) (string, bool) {
	var d *DetailError
	if errors.As(err, &d) {
		return d.Detail, true
	}
	return "", false
}

// APIError is what callers of the upload pipeline receive. Message is safe to
// show to end users; Cause keeps the technical error for logs and errors.Is.
// MaxAttempts is how many times a client should try a retryable error before
// giving up; zero means no hint.
type APIError struct {
	Status      int
	Code        string
	Message     string
	Retryable   bool
	RetryAfter  time.Duration
	MaxAttempts int
	Cause       error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

func NewBadRequest(code, message string, cause error) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: code, Message: message, Cause: cause}
}

func NewForbidden(code, message string, cause error) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: code, Message: message, Cause: cause}
}

func NewTooManyRequests(code, message string, retryAfter time.Duration, cause error) *APIError {
	return &APIError{Status: http.StatusTooManyRequests, Code: code, Message: message, Retryable: true, RetryAfter: retryAfter, Cause: cause}
}

// NewRetryable builds a business error the caller may retry after the delay.
func NewRetryable(code, message string, retryAfter time.Duration, cause error) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: code, Message: message, Retryable: true, RetryAfter: retryAfter, Cause: cause}
}

func NewInternal(code, message string, cause error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: code, Message: message, Cause: cause}
}

// AsAPIError extracts the first APIError in err's chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NowPtr returns a pointer to current time
func NowPtr() *time.Time {
	now := time.Now()
	return &now
}
