package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestudio/internal/config"
	"imagestudio/internal/security"
)

func newAuthService(t *testing.T) *AuthService {
	t.Helper()
	hash, err := security.HashSecretWithParams("key-123", security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	require.NoError(t, err)
	return NewAuthService(config.SecurityConfig{
		JWTAccessSecret: "jwt-secret",
		JWTAccessTTL:    time.Hour,
		APIKeyHash:      string(hash),
		DispatcherID:    "dispatcher",
	}, zerolog.Nop())
}

func TestIssueToken(t *testing.T) {
	svc := newAuthService(t)

	res, err := svc.IssueToken(context.Background(), " key-123 ")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", res.TokenType)

	claims, err := security.ParseAccessToken(res.AccessToken, "jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", claims.ClientID)
	assert.NotEmpty(t, claims.TokenID)
	assert.True(t, claims.HasScope(security.ScopeImages))
}

func TestIssueToken_RejectsWrongKey(t *testing.T) {
	svc := newAuthService(t)
	for _, key := range []string{"", "key-124"} {
		_, err := svc.IssueToken(context.Background(), key)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}
