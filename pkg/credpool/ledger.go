package credpool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LedgerConfig holds usage ledger configuration.
type LedgerConfig struct {
	// Store persists the daily counters (required).
	Store LedgerStore

	// Policy resolves trust levels to daily quotas (default: DefaultTrustPolicy).
	Policy TrustPolicy

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks ledger operations (default: NoopMetrics).
	Metrics Metrics
}

// Ledger enforces per-user daily quotas. The check-and-increment is atomic
// at the storage layer, so concurrent bursts cannot push a counter past its
// limit.
type Ledger struct {
	store   LedgerStore
	policy  TrustPolicy
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewLedger creates a usage ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultTrustPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Ledger{
		store:   cfg.Store,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Policy returns the trust policy the ledger resolves limits from.
func (l *Ledger) Policy() TrustPolicy { return l.policy }

// CheckAndIncrement atomically increments the user's counter if it is below
// the quota for their trust level. When not allowed, nothing is committed.
func (l *Ledger) CheckAndIncrement(ctx context.Context, userID string, trustLevel int, kind CounterKind) (QuotaDecision, error) {
	day := startOfDayUTC(l.now())
	limit := l.policy.DailyQuota(trustLevel)
	reset := day.Add(24 * time.Hour)

	if limit <= 0 {
		l.metrics.RecordQuotaCheck(kind, false)
		return QuotaDecision{Allowed: false, Limit: limit, ResetTime: reset}, nil
	}

	allowed, current, err := l.store.IncrementIfBelow(ctx, userID, kind, day, limit)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("check and increment: %w", err)
	}

	l.metrics.RecordQuotaCheck(kind, allowed)
	if !allowed {
		l.logger.Debug("quota exceeded",
			Field{Key: "user_id", Value: userID},
			Field{Key: "kind", Value: string(kind)},
			Field{Key: "current", Value: current},
			Field{Key: "limit", Value: limit},
		)
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return QuotaDecision{
		Allowed:   allowed,
		Current:   current,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: reset,
	}, nil
}

// Rollback decrements the user's counter by exactly one, never below zero.
// Use it only to compensate a committed increment whose gated operation did
// not complete. Reservations handle the single-rollback bookkeeping; raw
// callers must not double-roll-back.
func (l *Ledger) Rollback(ctx context.Context, userID string, kind CounterKind) error {
	day := startOfDayUTC(l.now())
	if _, err := l.store.DecrementCounter(ctx, userID, kind, day); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	l.metrics.RecordQuotaRollback(kind)
	return nil
}

// Status returns the current counter state without consuming quota.
func (l *Ledger) Status(ctx context.Context, userID string, trustLevel int, kind CounterKind) (QuotaDecision, error) {
	day := startOfDayUTC(l.now())
	limit := l.policy.DailyQuota(trustLevel)
	current, err := l.store.GetCounter(ctx, userID, kind, day)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("quota status: %w", err)
	}
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return QuotaDecision{
		Allowed:   current < limit,
		Current:   current,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: day.Add(24 * time.Hour),
	}, nil
}

// Reserve performs CheckAndIncrement and wraps the committed increment in a
// Reservation. The caller either Commits it once the gated operation has
// really started, or Releases it to refund the increment. A reservation that
// is never committed refunds on Release, so every failure path before the
// downstream call stays accounted.
//
// Returns *QuotaExceededError when the quota does not allow the increment.
func (l *Ledger) Reserve(ctx context.Context, userID string, trustLevel int, kind CounterKind) (*Reservation, error) {
	decision, err := l.CheckAndIncrement(ctx, userID, trustLevel, kind)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &QuotaExceededError{
			Current:   decision.Current,
			Limit:     decision.Limit,
			Remaining: decision.Remaining,
			ResetTime: decision.ResetTime,
		}
	}
	return &Reservation{
		ledger:   l,
		userID:   userID,
		kind:     kind,
		decision: decision,
	}, nil
}

// Reservation is a committed quota increment awaiting its outcome. Commit
// and Release are each effective at most once; Release after Commit, or a
// second Release, is a no-op.
type Reservation struct {
	ledger   *Ledger
	userID   string
	kind     CounterKind
	decision QuotaDecision

	mu      sync.Mutex
	settled bool
}

// Decision returns the quota state captured at reservation time.
func (r *Reservation) Decision() QuotaDecision { return r.decision }

// Commit marks the increment as matched to a real downstream attempt. After
// Commit, Release no longer refunds.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
}

// Release refunds the increment unless the reservation was committed or
// already released. Safe to defer unconditionally.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return nil
	}
	r.settled = true
	r.mu.Unlock()

	return r.ledger.Rollback(ctx, r.userID, r.kind)
}
