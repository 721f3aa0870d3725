package auth

import (
	"context"
	"testing"
	"time"

	"github.com/bhandras/devicelink/internal/session"
	"github.com/stretchr/testify/require"
)

var _ session.TokenSource = (*TokenSource)(nil)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestStaticToken(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "abc", tok)
}

func TestJWTRoundTrip(t *testing.T) {
	src, err := NewJWT("dev-1", testSecret, time.Minute)
	require.NoError(t, err)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	claims, err := Verify(tok, testSecret)
	require.NoError(t, err)
	require.Equal(t, "dev-1", claims.DeviceID)
	require.Equal(t, "dev-1", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestJWTWrongSecret(t *testing.T) {
	src, err := NewJWT("dev-1", testSecret, 0)
	require.NoError(t, err)
	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	_, err = Verify(tok, []byte("another-secret-another-secret!!"))
	require.Error(t, err)
}

func TestJWTExpired(t *testing.T) {
	src, err := NewJWT("dev-1", testSecret, time.Minute)
	require.NoError(t, err)
	src.now = func() time.Time { return time.Now().Add(-time.Hour) }

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	_, err = Verify(tok, testSecret)
	require.Error(t, err)
}

func TestNewJWTValidation(t *testing.T) {
	_, err := NewJWT("", testSecret, 0)
	require.Error(t, err)
	_, err = NewJWT("dev", []byte("short"), 0)
	require.Error(t, err)
}

func TestTokenHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Static("x").Token(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
