package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// IdentityExtractor extracts the authenticated identity from an HTTP request.
// Return an empty UserID if the user is not authenticated.
type IdentityExtractor func(r *http.Request) credpool.Identity

// Config holds configuration for the management API handler.
type Config struct {
	// Registry manages contributed credentials (required)
	Registry *credpool.Registry

	// Ledger tracks per-user daily usage (required)
	Ledger *credpool.Ledger

	// GetIdentity extracts the caller's identity from the request (required)
	GetIdentity IdentityExtractor

	// IsAdmin reports whether the caller may run batch operations
	// If nil, batch endpoints always return 403
	IsAdmin func(identity credpool.Identity) bool

	// OnError handles internal errors
	// If nil, a JSON 500 is written
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger credpool.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.GetIdentity == nil {
		return fmt.Errorf("getIdentity is required")
	}
	return nil
}

// NewHandler creates a new management API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &credpool.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeaders returns a GetIdentity function that reads the user ID and
// trust level from the given headers. Intended for deployments where an
// auth proxy upstream has already verified the session.
func FromHeaders(userHeader, trustHeader string) IdentityExtractor {
	return func(r *http.Request) credpool.Identity {
		level, _ := strconv.Atoi(r.Header.Get(trustHeader))
		return credpool.Identity{
			UserID:     r.Header.Get(userHeader),
			TrustLevel: level,
		}
	}
}
