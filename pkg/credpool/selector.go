package credpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SelectorConfig holds credential selector configuration.
type SelectorConfig struct {
	// Store serves credential claims (required).
	Store CredentialStore

	// Logs receives usage-log entries (required).
	Logs UsageLogStore

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks selections (default: NoopMetrics).
	Metrics Metrics
}

// Selector picks an eligible shared credential for a model. Claims go to the
// least recently used candidate so no single contributor is starved or
// overused under sustained load.
type Selector struct {
	store   CredentialStore
	logs    UsageLogStore
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewSelector creates a credential selector.
func NewSelector(cfg SelectorConfig) (*Selector, error) {
	if cfg.Store == nil || cfg.Logs == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Selector{
		store:   cfg.Store,
		logs:    cfg.Logs,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Select claims one eligible credential for the model. The claim itself
// consumes the credential's daily quota: contributor usage reflects real
// provider load, so it is not returned on downstream failure.
// Returns ErrSharedPoolExhausted when no credential qualifies.
func (s *Selector) Select(ctx context.Context, model string) (*Credential, error) {
	day := startOfDayUTC(s.now())
	cred, err := s.store.ClaimCredential(ctx, model, day)
	if err != nil {
		if errors.Is(err, ErrSharedPoolExhausted) {
			s.metrics.RecordSelection(model, true)
			s.logger.Debug("shared pool exhausted", Field{Key: "model", Value: model})
			return nil, err
		}
		return nil, fmt.Errorf("claim credential: %w", err)
	}

	s.metrics.RecordSelection(model, false)
	return cred, nil
}

// RecordOutcome appends the usage-log entry for a completed or failed
// downstream call made with a claimed credential. Log failures are reported
// to the logger but never fail the request they describe.
func (s *Selector) RecordOutcome(ctx context.Context, cred *Credential, userID, endpoint, model string, callErr error) {
	entry := &UsageLogEntry{
		ID:           uuid.NewString(),
		CredentialID: cred.ID,
		UserID:       userID,
		Endpoint:     endpoint,
		Model:        model,
		Success:      callErr == nil,
		CreatedAt:    s.now().UTC(),
	}
	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	}

	if err := s.logs.AppendUsageLog(ctx, entry); err != nil {
		s.logger.Error("append usage log failed",
			Field{Key: "credential_id", Value: cred.ID},
			Field{Key: "error", Value: err.Error()},
		)
	}
}
