package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "driver-7",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestStaticToken(t *testing.T) {
	ctx := context.Background()

	token, err := StaticToken("abc").Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = StaticToken("").Token(ctx)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncAuthFailed))
}

func TestSession_expiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	valid := signedToken(t, now.Add(time.Hour))
	s := NewSession(valid, WithSessionClock(clock))

	got, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, valid, got)
	assert.False(t, s.Expired())

	s.Set(signedToken(t, now.Add(-time.Minute)))
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.True(t, s.Expired())

	s.Clear()
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrReauthRequired)
}

func TestSession_opaqueToken(t *testing.T) {
	s := NewSession("opaque-api-key")

	got, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-api-key", got)
	assert.False(t, s.Expired())
}

func TestExpiresAt(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	got, ok := ExpiresAt(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	_, ok = ExpiresAt("not-a-jwt")
	assert.False(t, ok)
}
