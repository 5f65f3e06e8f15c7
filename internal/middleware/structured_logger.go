package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmux-dev/agentmux/internal/logger"
)

// StructuredLoggerConfig controls request logging.
type StructuredLoggerConfig struct {
	// SkipPaths are not logged (health probes, metrics scrapes).
	SkipPaths []string
	// LogQuery includes the raw query string.
	LogQuery bool
}

// DefaultStructuredLoggerConfig returns the standard logging configuration.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths: []string{"/health"},
		LogQuery:  true,
	}
}

// StructuredLogger logs every request with zerolog: request id, method,
// path, status, duration, and client IP. Level tracks the status class
// (info/warn/error for 2xx-3xx/4xx/5xx).
func StructuredLogger(cfg StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if skip[path] {
			return
		}

		status := c.Writer.Status()
		entry := logger.HTTP().Info()
		switch {
		case status >= 500:
			entry = logger.HTTP().Error()
		case status >= 400:
			entry = logger.HTTP().Warn()
		}

		entry = entry.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if cfg.LogQuery && raw != "" {
			entry = entry.Str("query", raw)
		}
		if len(c.Errors) > 0 {
			entry = entry.Str("errors", c.Errors.String())
		}
		entry.Msg("Request completed")
	}
}
