package credpool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized is returned when no authenticated identity is present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned for ownership violations.
	ErrForbidden = errors.New("forbidden")

	// ErrQuotaExceeded is returned when a consumer's daily quota is reached.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrIncompleteConfig is returned when private mode is requested with a
	// configuration that is missing endpoint, secret, or model.
	ErrIncompleteConfig = errors.New("incomplete private configuration")

	// ErrSharedPoolExhausted is returned when no eligible shared credential
	// exists for the requested model. It is retryable.
	ErrSharedPoolExhausted = errors.New("shared pool exhausted")

	// ErrDuplicateCredential is returned when an active credential with the
	// same owner, endpoint, and secret already exists.
	ErrDuplicateCredential = errors.New("duplicate credential")

	// ErrURLBlocked is returned when a registration URL matches the security
	// policy denylists or targets a private network.
	ErrURLBlocked = errors.New("url blocked by policy")

	// ErrURLInvalid is returned for syntactically unacceptable URLs.
	ErrURLInvalid = errors.New("invalid url")

	// ErrCredentialNotFound is returned when a credential id does not exist.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrNoModels is returned when a registration lists no models.
	ErrNoModels = errors.New("at least one model is required")

	// ErrInvalidDailyLimit is returned when a daily limit is outside
	// [MinDailyLimit, MaxDailyLimit] and not the unlimited sentinel.
	ErrInvalidDailyLimit = errors.New("daily limit out of range")

	// ErrBatchTooLarge is returned when a batch operation exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrSyncRateLimited is the sentinel wrapped by RateLimitExceededError.
	ErrSyncRateLimited = errors.New("sync rate limit exceeded")

	// ErrStorageUnavailable is returned when a required store is missing.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// QuotaExceededError carries the counter state the caller needs to display
// and back off. It matches errors.Is(err, ErrQuotaExceeded).
type QuotaExceededError struct {
	Current   int
	Limit     int
	Remaining int
	ResetTime time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %d/%d used, resets at %s",
		e.Current, e.Limit, e.ResetTime.Format(time.RFC3339))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// RateLimitExceededError identifies the violated window and how long the
// caller must wait. It matches errors.Is(err, ErrSyncRateLimited).
type RateLimitExceededError struct {
	Window     string
	Scope      Scope
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for window %s, retry after %.0fs",
		e.Window, e.RetryAfter.Seconds())
}

func (e *RateLimitExceededError) Unwrap() error { return ErrSyncRateLimited }

// URLBlockedError names the host and the policy rule that rejected it.
// It matches errors.Is(err, ErrURLBlocked).
type URLBlockedError struct {
	Host string
	Rule string
}

func (e *URLBlockedError) Error() string {
	return fmt.Sprintf("url blocked by policy: host %q (%s)", e.Host, e.Rule)
}

func (e *URLBlockedError) Unwrap() error { return ErrURLBlocked }

// ProviderError is a downstream provider failure with the upstream message
// preserved for diagnostics.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}
