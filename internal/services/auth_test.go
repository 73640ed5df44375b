package services

import (
	"context"
	"testing"
	"time"

	media_errors "moments-media/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	user := uuid.New()

	token, err := v.IssueAccessToken(user, time.Minute)
	require.NoError(t, err)

	got, err := v.UserID("  " + token + " ")
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestTokenRejected(t *testing.T) {
	v := NewTokenVerifier("test-secret")
	user := uuid.New()

	expired, err := v.IssueAccessToken(user, -time.Minute)
	require.NoError(t, err)
	foreign, err := NewTokenVerifier("other-secret").IssueAccessToken(user, time.Minute)
	require.NoError(t, err)
	notUUID, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{UserID: "alice"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":          "",
		"garbage":        "not.a.token",
		"expired":        expired,
		"wrong secret":   foreign,
		"subject format": notUUID,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.UserID(token)
			assert.ErrorIs(t, err, media_errors.ErrUnauthorized)
		})
	}
}

func TestUserContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	user := uuid.New()
	got, ok := UserIDFromContext(WithUserContext(context.Background(), user))
	require.True(t, ok)
	assert.Equal(t, user, got)
}
