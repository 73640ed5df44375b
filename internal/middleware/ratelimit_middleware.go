package middleware

import (
	"context"
	"net/http"
	"strconv"

	"moments-media/internal/redis"
	"moments-media/internal/services"
	"moments-media/internal/transport/httpdto"
	"moments-media/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UploadLimiter consumes one upload request from a user's window.
type UploadLimiter interface {
	AllowUpload(ctx context.Context, userID string) (*redis.RateLimitResult, error)
}

// UploadRateLimitMiddleware applies the per-user upload window. It must run
// after AuthMiddleware. When Redis is unreachable the request is let through;
// the session ceilings still bound the work.
func UploadRateLimitMiddleware(limiter UploadLimiter, l *logger.Logger) gin.HandlerFunc {
	log := l.Named("ratelimit")
	return func(c *gin.Context) {
		userID, ok := services.UserIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		result, err := limiter.AllowUpload(c.Request.Context(), userID.String())
		if err != nil {
			log.Warn(c.Request.Context(), "rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("upload rate limit exceeded", "RATE_LIMITED"))
			c.Abort()
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
