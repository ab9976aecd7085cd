package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func TestHashSecret_RoundTrip(t *testing.T) {
	hash, err := HashSecretWithParams("dispatcher-key", fastParams)
	require.NoError(t, err)
	assert.Contains(t, string(hash), "$argon2id$v=19$t=1,m=8192,p=1$")

	ok, err := VerifySecret("dispatcher-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySecret_RejectsMalformedHash(t *testing.T) {
	_, err := VerifySecret("x", []byte("plain"))
	assert.Error(t, err)
	_, err = VerifySecret("x", []byte("$argon2i$v=19$t=1,m=1,p=1$c2FsdA$aGFzaA"))
	assert.Error(t, err)
}

func TestAccessToken_RoundTrip(t *testing.T) {
	token, expires, err := GenerateAccessToken("secret", "dispatcher", "tok-1", []string{ScopeImages}, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := ParseAccessToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "dispatcher", claims.ClientID)
	assert.Equal(t, "tok-1", claims.TokenID)
	assert.True(t, claims.HasScope(ScopeImages))
	assert.False(t, claims.HasScope("admin"))

	_, err = ParseAccessToken(token, "other")
	assert.Error(t, err)
}

func TestAccessToken_Expired(t *testing.T) {
	token, _, err := GenerateAccessToken("secret", "dispatcher", "tok-1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = ParseAccessToken(token, "secret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestCanonicalRequest_SignAndVerify(t *testing.T) {
	body := []byte(`{"prompt":"a fox"}`)
	req := httptest.NewRequest("post", "/api/v1/images/generate", nil)
	c := Canonicalize(req, "tok-1", body, "2025-01-01T00:00:00Z", "n1")
	sig := c.Sign("sig-secret")

	assert.Equal(t, "POST", c.Method)
	assert.True(t, c.Verify("sig-secret", sig))
	assert.False(t, c.Verify("other-secret", sig))

	tampered := Canonicalize(req, "tok-1", []byte(`{}`), "2025-01-01T00:00:00Z", "n1")
	assert.False(t, tampered.Verify("sig-secret", sig))

	replayed := Canonicalize(req, "tok-1", body, "2025-01-01T00:00:00Z", "n2")
	assert.False(t, replayed.Verify("sig-secret", sig))
}

func TestCanonicalize_SortsQuery(t *testing.T) {
	a := Canonicalize(httptest.NewRequest("GET", "/api/v1/images/x/validate?z=1&index=2", nil), "t", nil, "d", "n")
	b := Canonicalize(httptest.NewRequest("GET", "/api/v1/images/x/validate?index=2&z=1", nil), "t", nil, "d", "n")
	assert.Equal(t, "index=2&z=1", a.Query)
	assert.Equal(t, a.String(), b.String())
}

func TestRequestProof_Headers(t *testing.T) {
	h := http.Header{}
	_, err := ReadRequestProof(h)
	assert.ErrorIs(t, err, ErrSignatureHeaders)

	want := RequestProof{Date: "d", Nonce: "n", Signature: "s"}
	want.Apply(h)
	got, err := ReadRequestProof(h)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
