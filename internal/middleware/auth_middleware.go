package middleware

import (
	"strings"

	"moments-media/internal/services"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware accepts a bearer token, or the token query parameter for
// websocket upgrades that cannot set headers.
func AuthMiddleware(verifier *services.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			token = c.Query("token")
		}
		userID, err := verifier.UserID(token)
		if err != nil {
			Abort(c, err)
			return
		}

		ctx := services.WithUserContext(c.Request.Context(), userID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
