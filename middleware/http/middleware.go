// Package http provides HTTP middleware for request rate limiting.
package http

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// OriginExtractor extracts the request origin (usually the client IP).
type OriginExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Limiter is the sync rate limiter instance (required)
	Limiter *credpool.SyncLimiter

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetOrigin extracts the request origin
	// Default: the request's remote IP, preferring X-Forwarded-For
	GetOrigin OriginExtractor

	// OnRateLimited is called when a window limit is hit
	// If nil, returns 429 Too Many Requests with a Retry-After header
	OnRateLimited func(w http.ResponseWriter, r *http.Request, rlErr *credpool.RateLimitExceededError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces the layered sync
// rate limit windows before the request reaches the handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Limiter == nil {
		panic("credpool middleware: Limiter is required")
	}
	if config.GetUserID == nil {
		panic("credpool middleware: GetUserID is required")
	}
	if config.GetOrigin == nil {
		config.GetOrigin = RemoteIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			err := config.Limiter.Allow(r.Context(), userID, config.GetOrigin(r))
			if err != nil {
				var rlErr *credpool.RateLimitExceededError
				if errors.As(err, &rlErr) {
					if config.OnRateLimited != nil {
						config.OnRateLimited(w, r, rlErr)
					} else {
						writeRateLimited(w, rlErr)
					}
					return
				}
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RemoteIP is the default origin extractor. It prefers the first
// X-Forwarded-For hop and falls back to the connection's remote address.
func RemoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, rlErr *credpool.RateLimitExceededError) {
	retryAfter := int(math.Ceil(rlErr.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":"rate limit exceeded","window":%q,"retry_after_seconds":%d}`, rlErr.Window, retryAfter)
}
