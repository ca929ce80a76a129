// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims attached to every remote call. The user id
// travels in the standard 'sub' claim; the device id in 'did'.
type SessionClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// SessionTokens mints and caches HS256 session tokens for the remote client.
// Token is a TokenFunc: it returns the cached token until shortly before
// expiry, then mints a fresh one. A missing secret or empty identity surfaces
// as ErrAuthRequired so the reconciler holds mutations instead of sending
// unauthenticated requests.
type SessionTokens struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration

	mu     sync.Mutex
	cached string
	expiry time.Time
}

// NewSessionTokens creates a token source for one user/device pair.
func NewSessionTokens(secret, userID, deviceID string, ttl time.Duration) *SessionTokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionTokens{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
	}
}

// Token implements TokenFunc.
func (s *SessionTokens) Token(_ context.Context) (string, error) {
	if len(s.secret) == 0 || s.userID == "" || s.deviceID == "" {
		return "", fmt.Errorf("%w: session not configured", ErrAuthRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Refresh a minute early so an in-flight request never carries a token
	// that expires mid-call.
	if s.cached != "" && time.Until(s.expiry) > time.Minute {
		return s.cached, nil
	}

	now := time.Now()
	claims := &SessionClaims{
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-fieldsync",
			Subject:   s.userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign session token: %w", ErrAuthRequired, err)
	}
	s.cached = signed
	s.expiry = now.Add(s.ttl)
	return signed, nil
}

// ParseSessionToken validates a token and returns its claims. Used by test
// backends and by callers that need the identity baked into a token.
func ParseSessionToken(tokenString, secret string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	return claims, nil
}
