package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func Logger(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case c.FullPath() == "/api/healthz":
			event = log.Debug()
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", latency).
			Str("request_id", RequestIDFrom(c)).
			Msg("http request")
	}
}
