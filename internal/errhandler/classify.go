package errhandler

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	media_errors "moments-media/pkg/errors"
)

type Category string

const (
	CategoryValidation Category = "VALIDATION_ERROR"
	CategoryStorage    Category = "STORAGE_ERROR"
	CategoryProcessing Category = "PROCESSING_ERROR"
	CategoryNetwork    Category = "NETWORK_ERROR"
	CategoryTimeout    Category = "TIMEOUT_ERROR"
	CategoryResource   Category = "RESOURCE_ERROR"
	CategoryPermission Category = "PERMISSION_ERROR"
	CategorySystem     Category = "SYSTEM_ERROR"
)

// Classification is the retry policy and user message attached to a category.
type Classification struct {
	Category   Category
	Code       string
	Message    string
	Retryable  bool
	RetryDelay time.Duration
}

type rule struct {
	class    Classification
	markers  []error
	match    func(error) bool
	patterns []string
}

// rules is evaluated top to bottom. Typed markers are checked across the whole
// table before any message pattern, so a wrapped marker always wins.
var rules = []rule{
	{
		class: Classification{
			Category: CategoryValidation,
			Code:     "UPLOAD_VALIDATION_FAILED",
			Message:  "The file could not be accepted. Check the file type and size and try again.",
		},
		markers:  []error{media_errors.ErrValidation, media_errors.ErrFileCorrupt, media_errors.ErrUnsupported, media_errors.ErrInvalidInput, media_errors.ErrTooLarge},
		patterns: []string{"validation", "invalid", "unsupported", "corrupt", "malformed", "exceeds", "too large", "not allowed", "empty file"},
	},
	{
		class: Classification{
			Category:   CategoryStorage,
			Code:       "UPLOAD_STORAGE_FAILED",
			Message:    "File storage failed, please retry later.",
			Retryable:  true,
			RetryDelay: 5 * time.Second,
		},
		markers:  []error{media_errors.ErrStorage},
		patterns: []string{"storage", "s3", "bucket", "putobject", "put object", "upload failed"},
	},
	{
		class: Classification{
			Category:   CategoryProcessing,
			Code:       "UPLOAD_PROCESSING_FAILED",
			Message:    "The file could not be processed, please retry later.",
			Retryable:  true,
			RetryDelay: 3 * time.Second,
		},
		markers:  []error{media_errors.ErrProcessing},
		patterns: []string{"processing", "ffmpeg", "ffprobe", "transcode", "encode", "decode", "thumbnail", "webp", "resize"},
	},
	{
		class: Classification{
			Category:   CategoryNetwork,
			Code:       "UPLOAD_NETWORK_FAILED",
			Message:    "A network problem interrupted the upload, please retry.",
			Retryable:  true,
			RetryDelay: 2 * time.Second,
		},
		markers:  []error{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE},
		match:    isNetError,
		patterns: []string{"network", "connection refused", "connection reset", "broken pipe", "dial tcp", "no such host", "econnrefused", "econnreset"},
	},
	{
		class: Classification{
			Category:   CategoryTimeout,
			Code:       "UPLOAD_TIMEOUT",
			Message:    "The upload took too long, please retry.",
			Retryable:  true,
			RetryDelay: 5 * time.Second,
		},
		markers:  []error{context.DeadlineExceeded, os.ErrDeadlineExceeded},
		match:    isNetTimeout,
		patterns: []string{"timeout", "timed out", "deadline exceeded"},
	},
	{
		class: Classification{
			Category:   CategoryResource,
			Code:       "UPLOAD_RESOURCE_EXHAUSTED",
			Message:    "The server is busy, please retry in a moment.",
			Retryable:  true,
			RetryDelay: 30 * time.Second,
		},
		markers:  []error{media_errors.ErrRateLimited, syscall.ENOSPC, syscall.ENOMEM, syscall.EMFILE},
		patterns: []string{"rate limit", "too many", "out of memory", "no space", "quota", "limit exceeded", "resource"},
	},
	{
		class: Classification{
			Category: CategoryPermission,
			Code:     "UPLOAD_FORBIDDEN",
			Message:  "You are not allowed to upload this file.",
		},
		markers:  []error{media_errors.ErrForbidden, media_errors.ErrUnauthorized, os.ErrPermission},
		patterns: []string{"permission", "forbidden", "unauthorized", "access denied", "not permitted"},
	},
}

var systemClass = Classification{
	Category: CategorySystem,
	Code:     "UPLOAD_SYSTEM_ERROR",
	Message:  "Something went wrong while uploading, please try again later.",
}

// Classify maps err onto the closed taxonomy. It never fails; unknown errors
// fall through to SYSTEM_ERROR.
func Classify(err error) Classification {
	if err == nil {
		return systemClass
	}
	for _, r := range rules {
		for _, marker := range r.markers {
			if errors.Is(err, marker) {
				return r.class
			}
		}
		if r.match != nil && r.match(err) {
			return r.class
		}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(msg, p) {
				return r.class
			}
		}
	}
	return systemClass
}

func isNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
