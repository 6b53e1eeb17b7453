// Package gin provides Gin middleware for request rate limiting.
package gin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// OriginExtractor extracts the request origin (usually the client IP).
type OriginExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Limiter is the sync rate limiter instance (required)
	Limiter *credpool.SyncLimiter

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetOrigin extracts the request origin
	// Default: c.ClientIP()
	GetOrigin OriginExtractor

	// OnRateLimited is called when a window limit is hit
	// If nil, returns 429 JSON with a Retry-After header
	OnRateLimited func(c *gongin.Context, rlErr *credpool.RateLimitExceededError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces the layered sync rate
// limit windows before the request reaches the handler.
func Middleware(config Config) gongin.HandlerFunc {
	if config.Limiter == nil {
		panic("credpool middleware: Limiter is required")
	}
	if config.GetUserID == nil {
		panic("credpool middleware: GetUserID is required")
	}
	if config.GetOrigin == nil {
		config.GetOrigin = func(c *gongin.Context) string { return c.ClientIP() }
	}

	return func(c *gongin.Context) {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		err := config.Limiter.Allow(c.Request.Context(), userID, config.GetOrigin(c))
		if err != nil {
			var rlErr *credpool.RateLimitExceededError
			if errors.As(err, &rlErr) {
				if config.OnRateLimited != nil {
					config.OnRateLimited(c, rlErr)
				} else {
					retryAfter := int(math.Ceil(rlErr.RetryAfter.Seconds()))
					if retryAfter < 1 {
						retryAfter = 1
					}
					c.Header("Retry-After", strconv.Itoa(retryAfter))
					c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{
						"error":               "rate limit exceeded",
						"window":              rlErr.Window,
						"retry_after_seconds": retryAfter,
					})
				}
				return
			}
			if config.OnError != nil {
				config.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
			}
			return
		}

		c.Next()
	}
}
