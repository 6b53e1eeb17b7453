package credpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// RouterConfig holds request router configuration.
type RouterConfig struct {
	// Sessions resolves the authenticated identity (required).
	Sessions SessionResolver

	// Ledger enforces consumer quotas (required).
	Ledger *Ledger

	// Selector claims shared credentials (required).
	Selector *Selector

	// Provider performs downstream calls (required).
	Provider ProviderClient

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks routed calls (default: NoopMetrics).
	Metrics Metrics
}

// Router orchestrates an AI request end to end: resolve identity, reserve
// consumer quota, bind a credential (shared pool or private), call the
// provider, and account for the outcome. Quota reserved for a request that
// never reaches the provider is refunded; once the provider call starts, the
// consumer's quota consumption stands regardless of the result.
type Router struct {
	sessions SessionResolver
	ledger   *Ledger
	selector *Selector
	provider ProviderClient
	logger   Logger
	metrics  Metrics
}

// NewRouter creates a request router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("credpool: RouterConfig.Sessions is required")
	}
	if cfg.Ledger == nil || cfg.Selector == nil || cfg.Provider == nil {
		return nil, errors.New("credpool: RouterConfig requires Ledger, Selector, and Provider")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Router{
		sessions: cfg.Sessions,
		ledger:   cfg.Ledger,
		selector: cfg.Selector,
		provider: cfg.Provider,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// RouteRequest is one AI-invoking request.
type RouteRequest struct {
	// Endpoint names the calling endpoint for usage logs (e.g. "chat").
	Endpoint string

	// Mode selects shared-pool or private credentialing.
	Mode Mode

	// Messages is the conversation to send downstream.
	Messages []Message

	// Model is the requested model. In private mode the private
	// configuration's model name takes precedence.
	Model string

	// MaxTokens caps the completion length, zero for provider default.
	MaxTokens int

	// Stream requests a streaming response relayed as-is.
	Stream bool
}

// RouteResult is a successful routed call plus its provenance.
type RouteResult struct {
	// Response is set for non-streaming calls.
	Response *GenerateResponse

	// Stream is set for streaming calls; the caller must close it.
	Stream io.ReadCloser

	// KeyInfo attributes the call to the credential that served it.
	KeyInfo KeyInfo
}

// binding is the credential resolution for one request.
type binding struct {
	cfg    ProviderConfig
	model  string
	source Source
	cred   *Credential // nil outside the shared path
}

// Route executes the request state machine. Error taxonomy:
// ErrUnauthorized, *QuotaExceededError, ErrIncompleteConfig,
// ErrSharedPoolExhausted, *ProviderError.
func (rt *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	identity, err := rt.sessions.Resolve(ctx)
	if err != nil || identity.UserID == "" {
		return nil, ErrUnauthorized
	}

	// Quota first: no network call is wasted on an over-quota user.
	reservation, err := rt.ledger.Reserve(ctx, identity.UserID, identity.TrustLevel, CounterAIRequests)
	if err != nil {
		return nil, err
	}
	// Refunds the increment on every path that returns before the provider
	// call starts; no-op after Commit.
	defer func() {
		if rerr := reservation.Release(ctx); rerr != nil {
			rt.logger.Error("quota release failed",
				Field{Key: "user_id", Value: identity.UserID},
				Field{Key: "error", Value: rerr.Error()},
			)
		}
	}()

	bound, err := rt.bind(ctx, identity, req)
	if err != nil {
		return nil, err
	}

	// The provider call is about to start; the consumer's quota consumption
	// now stands even if the call fails or the context is cancelled.
	reservation.Commit()

	result, callErr := rt.call(ctx, bound, req)

	if bound.cred != nil {
		// Contributor accounting happens regardless of outcome: the claim
		// already consumed the credential's quota, the log records why.
		rt.selector.RecordOutcome(ctx, bound.cred, identity.UserID, req.Endpoint, bound.model, callErr)
	}

	if callErr != nil {
		if bound.source == SourceShared && IsProviderExhausted(callErr) {
			return nil, fmt.Errorf("%w: %v", ErrSharedPoolExhausted, callErr)
		}
		return nil, callErr
	}
	return result, nil
}

// bind resolves the credential for the request per its mode.
func (rt *Router) bind(ctx context.Context, identity Identity, req RouteRequest) (binding, error) {
	switch m := req.Mode.(type) {
	case PrivateMode:
		// Explicit private mode never falls back to the pool.
		if !m.Config.Complete() {
			return binding{}, ErrIncompleteConfig
		}
		return binding{
			cfg:    ProviderConfig{Endpoint: m.Config.Endpoint, Secret: m.Config.Secret},
			model:  m.Config.Model,
			source: SourcePrivate,
		}, nil

	case SharedMode:
		if rt.ledger.Policy().AllowSharedPool(identity.TrustLevel) {
			cred, err := rt.selector.Select(ctx, req.Model)
			if err == nil {
				return binding{
					cfg:    ProviderConfig{Endpoint: cred.Endpoint, Secret: cred.Secret},
					model:  req.Model,
					source: SourceShared,
					cred:   cred,
				}, nil
			}
			if !errors.Is(err, ErrSharedPoolExhausted) {
				return binding{}, err
			}
		}
		// Pool unavailable: degrade to the caller's fallback if complete.
		if m.Fallback != nil && m.Fallback.Complete() {
			rt.logger.Debug("falling back to private configuration",
				Field{Key: "user_id", Value: identity.UserID},
				Field{Key: "model", Value: m.Fallback.Model},
			)
			return binding{
				cfg:    ProviderConfig{Endpoint: m.Fallback.Endpoint, Secret: m.Fallback.Secret},
				model:  m.Fallback.Model,
				source: SourceFallback,
			}, nil
		}
		return binding{}, ErrSharedPoolExhausted

	default:
		return binding{}, fmt.Errorf("unknown route mode %T", req.Mode)
	}
}

// call performs the downstream exchange and builds the result.
func (rt *Router) call(ctx context.Context, bound binding, req RouteRequest) (*RouteResult, error) {
	genReq := GenerateRequest{
		Model:     bound.model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}

	keyInfo := KeyInfo{Model: bound.model, Source: bound.source}
	if bound.cred != nil {
		keyInfo.Contributor = bound.cred.OwnerID
		keyInfo.CredentialName = bound.cred.Name
	}

	start := time.Now()
	if req.Stream {
		body, err := rt.provider.Stream(ctx, bound.cfg, genReq)
		rt.metrics.RecordProviderCall(bound.source, err == nil, time.Since(start))
		if err != nil {
			return nil, err
		}
		return &RouteResult{Stream: body, KeyInfo: keyInfo}, nil
	}

	resp, err := rt.provider.Generate(ctx, bound.cfg, genReq)
	rt.metrics.RecordProviderCall(bound.source, err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &RouteResult{Response: resp, KeyInfo: keyInfo}, nil
}
