package services

import (
	"context"
	"strings"
	"time"

	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims are the claims of access tokens issued by the platform's auth
// service. Only the subject is needed here.
type AccessClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 access tokens.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" || len(v.secret) == 0 {
		return AccessClaims{}, media_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, media_errors.ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil {
		return AccessClaims{}, media_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, media_errors.ErrUnauthorized
	}
	return *claims, nil
}

// UserID parses the token and returns its subject.
func (v *TokenVerifier) UserID(tokenString string) (uuid.UUID, error) {
	claims, err := v.ParseAccessToken(strings.TrimSpace(tokenString))
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, media_errors.ErrUnauthorized
	}
	return id, nil
}

// IssueAccessToken signs a token for userID. Used by tests and local tooling;
// production tokens come from the platform's auth service.
func (v *TokenVerifier) IssueAccessToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type ctxKey string

var userIDKey ctxKey = "user_id"

// WithUserContext stores the authenticated user on ctx, both typed and as the
// logger's user_id field.
func WithUserContext(ctx context.Context, userID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return logger.WithUserID(ctx, userID.String())
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}
