package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutConfig controls the request deadline middleware.
type TimeoutConfig struct {
	Timeout time.Duration
	// ExcludedSuffixes skip the deadline (WebSocket upgrades stay open for
	// the life of the connection).
	ExcludedSuffixes []string
}

// DefaultTimeoutConfig returns a 30-second deadline that exempts WebSocket
// paths.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:          30 * time.Second,
		ExcludedSuffixes: []string{"/ws"},
	}
}

// Timeout attaches a deadline to each request context. Handlers observe the
// deadline through c.Request.Context(); a request that has already mutated
// state is not rolled back on expiry.
func Timeout(cfg TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, suffix := range cfg.ExcludedSuffixes {
			if strings.HasSuffix(c.Request.URL.Path, suffix) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Timeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
