// Package echo provides Echo middleware for request rate limiting.
package echo

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// OriginExtractor extracts the request origin (usually the client IP).
type OriginExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Limiter is the sync rate limiter instance (required)
	Limiter *credpool.SyncLimiter

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetOrigin extracts the request origin
	// Default: c.RealIP()
	GetOrigin OriginExtractor

	// OnRateLimited is called when a window limit is hit
	// If nil, returns 429 JSON with a Retry-After header
	OnRateLimited func(c echo.Context, rlErr *credpool.RateLimitExceededError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces the layered sync rate
// limit windows before the request reaches the handler.
func Middleware(config Config) echo.MiddlewareFunc {
	if config.Limiter == nil {
		panic("credpool middleware: Limiter is required")
	}
	if config.GetUserID == nil {
		panic("credpool middleware: GetUserID is required")
	}
	if config.GetOrigin == nil {
		config.GetOrigin = func(c echo.Context) string { return c.RealIP() }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := config.GetUserID(c)
			if userID == "" {
				if config.OnUnauthorized != nil {
					return config.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			err := config.Limiter.Allow(c.Request().Context(), userID, config.GetOrigin(c))
			if err != nil {
				var rlErr *credpool.RateLimitExceededError
				if errors.As(err, &rlErr) {
					if config.OnRateLimited != nil {
						return config.OnRateLimited(c, rlErr)
					}
					retryAfter := int(math.Ceil(rlErr.RetryAfter.Seconds()))
					if retryAfter < 1 {
						retryAfter = 1
					}
					c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
					return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
						"error":               "rate limit exceeded",
						"window":              rlErr.Window,
						"retry_after_seconds": retryAfter,
					})
				}
				if config.OnError != nil {
					return config.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}

			return next(c)
		}
	}
}
