package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"moments-media/internal/transport/httpdto"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// APIErrors keep their status, code and friendly message; anything else is
// mapped by sentinel and answered with a generic message.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	log := l.Named("http")
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if apiErr, ok := media_errors.AsAPIError(err); ok {
			if apiErr.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
			}
			c.JSON(apiErr.Status, httpdto.NewAPIErrorResponse(apiErr))
			return
		}

		status := HTTPStatus(err)
		code, message := codeFor(status)
		if status >= http.StatusInternalServerError {
			log.Error(c.Request.Context(), "request failed", zap.Error(err))
		}
		c.JSON(status, httpdto.NewErrorResponse(message, code))
	}
}

// HTTPStatus maps sentinel errors onto a status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, media_errors.ErrInvalidInput), errors.Is(err, media_errors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, media_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, media_errors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, media_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, media_errors.ErrAlreadyExists), errors.Is(err, media_errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, media_errors.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, media_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, media_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(status int) (string, string) {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST", "invalid request"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED", "unauthorized"
	case http.StatusForbidden:
		return "FORBIDDEN", "forbidden"
	case http.StatusNotFound:
		return "NOT_FOUND", "not found"
	case http.StatusConflict:
		return "CONFLICT", "conflict"
	case http.StatusRequestEntityTooLarge:
		return "TOO_LARGE", "request body too large"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED", "rate limit exceeded"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE", "service unavailable"
	default:
		return "INTERNAL_ERROR", "internal error"
	}
}

// Abort attaches err and stops the chain.
func Abort(c *gin.Context, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	_ = c.Error(err)
	c.Abort()
}
