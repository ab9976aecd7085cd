package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"imagestudio/internal/config"
	"imagestudio/internal/security"
)

const claimsKey = "access_claims"

func Auth(cfg config.SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := security.ParseAccessToken(tokenStr, cfg.JWTAccessSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		if claims.ClientID != cfg.DispatcherID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_client"})
			return
		}

		c.Set("access_token", tokenStr)
		c.Set(claimsKey, *claims)

		c.Next()
	}
}

// Claims returns the access claims stored by Auth.
func Claims(c *gin.Context) (security.AccessClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return security.AccessClaims{}, false
	}
	switch claims := v.(type) {
	case security.AccessClaims:
		return claims, true
	case *security.AccessClaims:
		if claims != nil {
			return *claims, true
		}
	}
	return security.AccessClaims{}, false
}
