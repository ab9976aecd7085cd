package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"imagestudio/internal/security"
)

var corsAllowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	security.HeaderDate,
	security.HeaderNonce,
	security.HeaderSignature,
	requestIDHeader,
}, ", ")

// CORS allows browser tooling next to the dispatcher. An empty origin list allows any origin
// but then credentials are not advertised.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
			continue
		}
		origins[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			h.Add("Vary", "Origin")
			if _, ok := origins[origin]; ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			} else if allowAll {
				h.Set("Access-Control-Allow-Origin", origin)
			}
		}

		h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Expose-Headers", requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", strconv.Itoa(600))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
