// Package fiber provides Fiber middleware for request rate limiting.
package fiber

import (
	"errors"
	"math"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// OriginExtractor extracts the request origin (usually the client IP).
type OriginExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration.
type Config struct {
	// Limiter is the sync rate limiter instance (required)
	Limiter *credpool.SyncLimiter

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetOrigin extracts the request origin
	// Default: c.IP()
	GetOrigin OriginExtractor

	// OnRateLimited is called when a window limit is hit
	// If nil, returns 429 JSON with a Retry-After header
	OnRateLimited func(c *fiber.Ctx, rlErr *credpool.RateLimitExceededError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces the layered sync rate
// limit windows before the request reaches the handler.
func Middleware(config Config) fiber.Handler {
	if config.Limiter == nil {
		panic("credpool middleware: Limiter is required")
	}
	if config.GetUserID == nil {
		panic("credpool middleware: GetUserID is required")
	}
	if config.GetOrigin == nil {
		config.GetOrigin = func(c *fiber.Ctx) string { return c.IP() }
	}

	return func(c *fiber.Ctx) error {
		userID := config.GetUserID(c)
		if userID == "" {
			if config.OnUnauthorized != nil {
				return config.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		err := config.Limiter.Allow(c.UserContext(), userID, config.GetOrigin(c))
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
				c.Set("Retry-After", strconv.Itoa(retryAfter))
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":               "rate limit exceeded",
					"window":              rlErr.Window,
					"retry_after_seconds": retryAfter,
				})
			}
			if config.OnError != nil {
				return config.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		}

		return c.Next()
	}
}
