package httpdto

import media_errors "moments-media/pkg/errors"

type Response[T any] struct {
	Success    bool   `json:"success"`
	Data       T      `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{
		Success: true,
		Data:    data,
	}
}

func NewErrorResponse(err string, code string) Response[any] {
	return Response[any]{
		Success: false,
		Error:   err,
		Code:    code,
	}
}

// NewAPIErrorResponse carries only the friendly message of e; the technical
// cause stays in the logs.
func NewAPIErrorResponse(e *media_errors.APIError) Response[any] {
	return Response[any]{
		Success:    false,
		Error:      e.Message,
		Code:       e.Code,
		Retryable:  e.Retryable,
		RetryAfter: int(e.RetryAfter.Seconds()),
		MaxRetries: e.MaxAttempts,
	}
}
