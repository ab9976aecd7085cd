package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagestudio/internal/config"
	"imagestudio/internal/security"
)

var testSecurity = config.SecurityConfig{
	JWTAccessSecret: "jwt-secret",
	JWTAccessTTL:    time.Hour,
	SignatureSecret: "sig-secret",
	DispatcherID:    "dispatcher",
}

type memoryNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memoryNonces) claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func newRouter(nonces NonceClaimer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Recovery(zerolog.Nop()))
	g := r.Group("/api", Auth(testSecurity), Signature(testSecurity, nonces), RequireScopes(security.ScopeImages))
	g.POST("/echo", func(c *gin.Context) {
		body, _ := c.GetRawData()
		c.Data(http.StatusOK, "text/plain", body)
	})
	g.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func signedRequest(t *testing.T, method, path string, body []byte, nonce string, scopes []string) *http.Request {
	t.Helper()
	token, _, err := security.GenerateAccessToken(testSecurity.JWTAccessSecret, "dispatcher", "tok-1", scopes, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	date := time.Now().UTC().Format(time.RFC3339)
	security.Canonicalize(req, "tok-1", body, date, nonce).Proof(testSecurity.SignatureSecret).Apply(req.Header)
	return req
}

func TestSignedRequestPassesAndBodyIsRestored(t *testing.T) {
	r := newRouter((&memoryNonces{seen: map[string]bool{}}).claim)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, http.MethodPost, "/api/echo", []byte("hello"), "n1", []string{security.ScopeImages}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestReplayIsRejected(t *testing.T) {
	r := newRouter((&memoryNonces{seen: map[string]bool{}}).claim)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, http.MethodPost, "/api/echo", []byte("x"), "n1", []string{security.ScopeImages}))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, http.MethodPost, "/api/echo", []byte("x"), "n1", []string{security.ScopeImages}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "replay_detected")
}

func TestNonceStoreFailure(t *testing.T) {
	failing := func(context.Context, string) (bool, error) { return false, errors.New("redis down") }
	r := newRouter(failing)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, http.MethodPost, "/api/echo", nil, "n1", []string{security.ScopeImages}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTamperedBodyIsRejected(t *testing.T) {
	r := newRouter((&memoryNonces{seen: map[string]bool{}}).claim)
	req := signedRequest(t, http.MethodPost, "/api/echo", []byte("hello"), "n1", []string{security.ScopeImages})
	req.Body = NewReadCloser([]byte("HELLO"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
}

func TestMissingTokenAndScope(t *testing.T) {
	r := newRouter((&memoryNonces{seen: map[string]bool{}}).claim)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/echo", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing_token")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, http.MethodPost, "/api/echo", nil, "n2", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRecoveryReturnsJSON(t *testing.T) {
	r := newRouter((&memoryNonces{seen: map[string]bool{}}).claim)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, http.MethodGet, "/api/panic", nil, "n3", []string{security.ScopeImages}))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_server_error")
}

func TestMemoryNonces(t *testing.T) {
	claim := MemoryNonces()
	ok, err := claim(context.Background(), "sig:a:n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = claim(context.Background(), "sig:a:n1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = claim(context.Background(), "sig:b:n1")
	assert.True(t, ok)
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://studio.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://studio.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://studio.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), security.HeaderSignature)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://other.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
