package fieldsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionTokensRoundTrip(t *testing.T) {
	s := NewSessionTokens("test-secret", "worker-7", "tablet-1", time.Hour)

	token, err := s.Token(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseSessionToken(token, "test-secret")
	require.NoError(t, err)
	require.Equal(t, "worker-7", claims.Subject)
	require.Equal(t, "tablet-1", claims.DeviceID)
}

func TestSessionTokensCachedUntilExpiry(t *testing.T) {
	s := NewSessionTokens("test-secret", "worker-7", "tablet-1", time.Hour)

	first, err := s.Token(context.Background())
	require.NoError(t, err)
	second, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second, "token should be cached until near expiry")
}

func TestSessionTokensMissingIdentityIsAuthRequired(t *testing.T) {
	s := NewSessionTokens("", "worker-7", "tablet-1", time.Hour)
	_, err := s.Token(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAuthRequired))
}

func TestParseSessionTokenWrongSecret(t *testing.T) {
	s := NewSessionTokens("test-secret", "worker-7", "tablet-1", time.Hour)
	token, err := s.Token(context.Background())
	require.NoError(t, err)

	_, err = ParseSessionToken(token, "other-secret")
	require.Error(t, err)
}
