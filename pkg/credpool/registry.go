package credpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MaxBatchSize caps administrative batch operations per call.
const MaxBatchSize = 100

// RegistryConfig holds credential registry configuration.
type RegistryConfig struct {
	// Store persists credentials (required).
	Store CredentialStore

	// Provider performs the live test call during registration (required).
	Provider ProviderClient

	// Checker validates endpoint URLs (default: NewURLChecker()).
	Checker *URLChecker

	// Security receives policy-violation events (default: NoopSecuritySink).
	Security SecurityEventSink

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks registry operations (default: NoopMetrics).
	Metrics Metrics

	// BatchConcurrency bounds parallel items in batch operations (default: 10).
	BatchConcurrency int
}

// Registry manages contributed credentials: registration with validation and
// a live probe, owner-gated mutation, cascading deletion, and the public
// contributor leaderboard.
type Registry struct {
	store    CredentialStore
	provider ProviderClient
	checker  *URLChecker
	security SecurityEventSink
	logger   Logger
	metrics  Metrics
	batchN   int
	now      func() time.Time
}

// NewRegistry creates a credential registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Provider == nil {
		return nil, errors.New("credpool: RegistryConfig.Provider is required")
	}
	if cfg.Checker == nil {
		cfg.Checker = NewURLChecker()
	}
	if cfg.Security == nil {
		cfg.Security = NoopSecuritySink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 10
	}
	return &Registry{
		store:    cfg.Store,
		provider: cfg.Provider,
		checker:  cfg.Checker,
		security: cfg.Security,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		batchN:   cfg.BatchConcurrency,
		now:      time.Now,
	}, nil
}

// RegisterRequest describes a credential contribution.
type RegisterRequest struct {
	OwnerID     string
	Name        string
	Endpoint    string
	Secret      string
	Models      []string
	DailyLimit  int // 0 means unlimited
	Description string
	Tags        []string
}

// Register validates and stores a contributed credential. The endpoint must
// pass the URL policy, must not duplicate an active credential of the same
// owner, and must answer a live probe against the first listed model before
// anything is persisted. Probe failures surface the provider's message.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Credential, error) {
	if len(req.Models) == 0 {
		r.metrics.RecordRegistration("invalid")
		return nil, ErrNoModels
	}

	limit := req.DailyLimit
	if limit == 0 {
		limit = UnlimitedDailyLimit
	}
	if err := validateDailyLimit(limit); err != nil {
		r.metrics.RecordRegistration("invalid")
		return nil, err
	}

	if err := r.checker.Validate(req.Endpoint); err != nil {
		var blocked *URLBlockedError
		if errors.As(err, &blocked) {
			r.metrics.RecordRegistration("blocked")
			r.security.Record(ctx, SecurityEvent{
				ID:     uuid.NewString(),
				UserID: req.OwnerID,
				Kind:   EventURLBlocked,
				Detail: fmt.Sprintf("host %s: %s", blocked.Host, blocked.Rule),
				At:     r.now().UTC(),
			})
		} else {
			r.metrics.RecordRegistration("invalid")
		}
		return nil, err
	}

	dup, err := r.store.HasActiveDuplicate(ctx, req.OwnerID, req.Endpoint, req.Secret)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if dup {
		r.metrics.RecordRegistration("duplicate")
		return nil, ErrDuplicateCredential
	}

	probeCfg := ProviderConfig{Endpoint: req.Endpoint, Secret: req.Secret}
	if err := r.provider.Probe(ctx, probeCfg, req.Models[0]); err != nil {
		r.metrics.RecordRegistration("probe_failed")
		return nil, fmt.Errorf("credential test call failed: %w", err)
	}

	now := r.now().UTC()
	cred := &Credential{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Endpoint:    req.Endpoint,
		Secret:      req.Secret,
		Models:      req.Models,
		DailyLimit:  limit,
		Description: req.Description,
		Tags:        req.Tags,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}

	r.metrics.RecordRegistration("ok")
	r.logger.Info("credential registered",
		Field{Key: "credential_id", Value: cred.ID},
		Field{Key: "owner_id", Value: cred.OwnerID},
		Field{Key: "models", Value: cred.Models},
	)
	return cred, nil
}

// SetActive toggles a credential's active flag. Owner-only.
func (r *Registry) SetActive(ctx context.Context, id, callerID string, active bool) error {
	if err := r.requireOwner(ctx, id, callerID); err != nil {
		return err
	}
	return r.store.SetCredentialActive(ctx, id, active)
}

// SetDailyLimit updates a credential's daily call limit. Owner-only.
func (r *Registry) SetDailyLimit(ctx context.Context, id, callerID string, limit int) error {
	if err := validateDailyLimit(limit); err != nil {
		return err
	}
	if err := r.requireOwner(ctx, id, callerID); err != nil {
		return err
	}
	return r.store.SetCredentialDailyLimit(ctx, id, limit)
}

// Delete removes a credential and its usage-log rows. Owner-only.
func (r *Registry) Delete(ctx context.Context, id, callerID string) error {
	if err := r.requireOwner(ctx, id, callerID); err != nil {
		return err
	}
	if err := r.store.DeleteCredential(ctx, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	r.logger.Info("credential deleted",
		Field{Key: "credential_id", Value: id},
		Field{Key: "owner_id", Value: callerID},
	)
	return nil
}

// ListForUser returns the caller's own credentials.
func (r *Registry) ListForUser(ctx context.Context, ownerID string) ([]*Credential, error) {
	return r.store.ListCredentialsByOwner(ctx, ownerID)
}

// Contributors returns per-owner aggregate totals for the public
// leaderboard. Read-only.
func (r *Registry) Contributors(ctx context.Context) ([]ContributorStat, error) {
	return r.store.ContributorTotals(ctx)
}

// SetActiveBatch toggles the active flag on up to MaxBatchSize credentials,
// reporting per-item outcomes and an aggregate success rate. Intended for
// administrative bulk ban/unban; it does not perform ownership checks.
func (r *Registry) SetActiveBatch(ctx context.Context, ids []string, active bool) (*BatchResult, error) {
	if len(ids) == 0 {
		return &BatchResult{}, nil
	}
	if len(ids) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d items, max %d", ErrBatchTooLarge, len(ids), MaxBatchSize)
	}

	result := &BatchResult{Items: make([]BatchItemResult, len(ids))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchN)

	for i, id := range ids {
		g.Go(func() error {
			item := BatchItemResult{ID: id}
			if err := r.store.SetCredentialActive(gctx, id, active); err != nil {
				item.Error = err.Error()
			} else {
				item.OK = true
			}
			result.Items[i] = item
			return nil
		})
	}
	// Workers never return errors; per-item failures live in the result.
	_ = g.Wait()

	for _, item := range result.Items {
		if item.OK {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.SuccessRate = float64(result.Succeeded) / float64(len(ids))
	return result, nil
}

func (r *Registry) requireOwner(ctx context.Context, id, callerID string) error {
	cred, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	if cred.OwnerID != callerID {
		r.security.Record(ctx, SecurityEvent{
			ID:     uuid.NewString(),
			UserID: callerID,
			Kind:   EventOwnershipViolation,
			Detail: fmt.Sprintf("credential %s owned by another user", id),
			At:     r.now().UTC(),
		})
		return ErrForbidden
	}
	return nil
}

func validateDailyLimit(limit int) error {
	if limit == UnlimitedDailyLimit {
		return nil
	}
	if limit < MinDailyLimit || limit > MaxDailyLimit {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidDailyLimit, limit, MinDailyLimit, MaxDailyLimit)
	}
	return nil
}
