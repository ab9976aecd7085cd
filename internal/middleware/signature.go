package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"imagestudio/internal/config"
	"imagestudio/internal/security"
)

const nonceTTL = 5 * time.Minute

// NonceClaimer records a nonce and reports whether it was unseen.
type NonceClaimer func(ctx context.Context, key string) (bool, error)

func RedisNonces(client *redis.Client) NonceClaimer {
	return func(ctx context.Context, key string) (bool, error) {
		return client.SetNX(ctx, key, "1", nonceTTL).Result()
	}
}

// MemoryNonces keeps nonces in process, for single-instance deployments without redis.
func MemoryNonces() NonceClaimer {
	var mu sync.Mutex
	seen := make(map[string]time.Time)
	return func(_ context.Context, key string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		for k, exp := range seen {
			if now.After(exp) {
				delete(seen, k)
			}
		}
		if _, ok := seen[key]; ok {
			return false, nil
		}
		seen[key] = now.Add(nonceTTL)
		return true, nil
	}
}

func NewReadCloser(b []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(b))
}

func Signature(cfg config.SecurityConfig, nonces NonceClaimer) gin.HandlerFunc {
	return func(c *gin.Context) {
		proof, err := security.ReadRequestProof(c.Request.Header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature_required"})
			return
		}

		requestTime, err := time.Parse(time.RFC3339, proof.Date)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_date"})
			return
		}

		if time.Since(requestTime) > nonceTTL || time.Until(requestTime) > 2*time.Minute {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request_expired"})
			return
		}

		rawBody, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
			return
		}
		c.Request.Body = NewReadCloser(rawBody)

		claims, ok := Claims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_access_claims"})
			return
		}

		canonical := security.Canonicalize(c.Request, claims.TokenID, rawBody, proof.Date, proof.Nonce)
		if !canonical.Verify(cfg.SignatureSecret, proof.Signature) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		fresh, err := nonces(c.Request.Context(), fmt.Sprintf("sig:%s:%s", claims.TokenID, proof.Nonce))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "nonce_store_unavailable"})
			return
		}
		if !fresh {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "replay_detected"})
			return
		}

		c.Next()
	}
}
