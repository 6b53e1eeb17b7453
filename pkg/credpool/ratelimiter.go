package credpool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope distinguishes the subject a window counts: the user or the network
// origin the request came from.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeOrigin Scope = "origin"
)

// WindowLimit is one layer of the sync rate limit.
type WindowLimit struct {
	Name   string
	Scope  Scope
	Window time.Duration
	Max    int
}

// DefaultSyncWindows returns the five layered windows applied to sync-type
// endpoints, in check order. The first violated window rejects the request.
func DefaultSyncWindows() []WindowLimit {
	return []WindowLimit{
		{Name: "user_per_second", Scope: ScopeUser, Window: time.Second, Max: 3},
		{Name: "user_per_minute", Scope: ScopeUser, Window: time.Minute, Max: 30},
		{Name: "user_per_hour", Scope: ScopeUser, Window: time.Hour, Max: 300},
		{Name: "ip_per_minute", Scope: ScopeOrigin, Window: time.Minute, Max: 100},
		{Name: "ip_per_hour", Scope: ScopeOrigin, Window: time.Hour, Max: 1000},
	}
}

// WindowStatus is a diagnostic snapshot of one window for one subject.
type WindowStatus struct {
	Window    string    `json:"window"`
	Scope     Scope     `json:"scope"`
	Count     int       `json:"count"`
	Max       int       `json:"max"`
	ResetTime time.Time `json:"reset_time"`
}

// SyncLimiterConfig holds sync rate limiter configuration.
type SyncLimiterConfig struct {
	// Store holds the window counters (default: in-process memory store).
	// Counters in the default store are process-local: with multiple service
	// instances each instance enforces its own limits. Substitute a shared
	// store (storage/redis) to enforce globally.
	Store WindowCounterStore

	// Windows overrides the layered windows (default: DefaultSyncWindows()).
	Windows []WindowLimit

	// SweepInterval is how often expired records are removed (default: 1m;
	// negative disables the sweeper).
	SweepInterval time.Duration

	// Security receives rate-limit violation events (default: NoopSecuritySink).
	Security SecurityEventSink

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks rejected requests (default: NoopMetrics).
	Metrics Metrics
}

// SyncLimiter admits or rejects high-frequency requests using layered
// fixed windows per user and per network origin, before any business logic
// or storage access runs.
type SyncLimiter struct {
	store    WindowCounterStore
	windows  []WindowLimit
	security SecurityEventSink
	logger   Logger
	metrics  Metrics
	now      func() time.Time

	stopSweep func()
}

// NewSyncLimiter creates a sync rate limiter and, unless disabled, starts
// its background sweeper. Call Close to stop it.
func NewSyncLimiter(cfg SyncLimiterConfig) *SyncLimiter {
	if cfg.Store == nil {
		cfg.Store = NewMemoryWindowStore()
	}
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultSyncWindows()
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
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

	sl := &SyncLimiter{
		store:    cfg.Store,
		windows:  cfg.Windows,
		security: cfg.Security,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}

	if cfg.SweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		sl.stopSweep = cancel
		go sl.startSweep(sweepCtx, cfg.SweepInterval)
	}
	return sl
}

// Close stops the background sweeper.
func (sl *SyncLimiter) Close() {
	if sl.stopSweep != nil {
		sl.stopSweep()
	}
}

// Allow admits one request for the given user and origin. Windows are
// checked in fixed order; the first violation rejects without incrementing
// anything, returning *RateLimitExceededError with the window identifier and
// retry delay. When all pass, every window's counter advances, restarting
// any window whose reset time has passed.
func (sl *SyncLimiter) Allow(ctx context.Context, userID, origin string) error {
	now := sl.now()

	for _, w := range sl.windows {
		rec, err := sl.store.PeekWindow(ctx, sl.key(w, userID, origin))
		if err != nil {
			return fmt.Errorf("peek window %s: %w", w.Name, err)
		}
		if rec != nil && now.Before(rec.ResetTime) && rec.Count >= w.Max {
			sl.metrics.RecordRateLimitHit(w.Name)
			sl.security.Record(ctx, SecurityEvent{
				ID:     uuid.NewString(),
				UserID: userID,
				Kind:   EventRateLimited,
				Detail: fmt.Sprintf("window %s (origin %s)", w.Name, origin),
				At:     now.UTC(),
			})
			return &RateLimitExceededError{
				Window:     w.Name,
				Scope:      w.Scope,
				RetryAfter: rec.ResetTime.Sub(now),
			}
		}
	}

	for _, w := range sl.windows {
		if _, err := sl.store.IncrWindow(ctx, sl.key(w, userID, origin), w.Window, now); err != nil {
			return fmt.Errorf("increment window %s: %w", w.Name, err)
		}
	}
	return nil
}

// Stats returns the current state of every window for the given subject
// pair, for diagnostics and admin tooling.
func (sl *SyncLimiter) Stats(ctx context.Context, userID, origin string) ([]WindowStatus, error) {
	now := sl.now()
	out := make([]WindowStatus, 0, len(sl.windows))
	for _, w := range sl.windows {
		status := WindowStatus{Window: w.Name, Scope: w.Scope, Max: w.Max}
		rec, err := sl.store.PeekWindow(ctx, sl.key(w, userID, origin))
		if err != nil {
			return nil, fmt.Errorf("peek window %s: %w", w.Name, err)
		}
		if rec != nil && now.Before(rec.ResetTime) {
			status.Count = rec.Count
			status.ResetTime = rec.ResetTime
		}
		out = append(out, status)
	}
	return out, nil
}

// ResetUser clears the user-scoped windows for one user, leaving other
// users and all origin windows untouched.
func (sl *SyncLimiter) ResetUser(ctx context.Context, userID string) error {
	return sl.reset(ctx, ScopeUser, userID)
}

// ResetOrigin clears the origin-scoped windows for one network origin.
func (sl *SyncLimiter) ResetOrigin(ctx context.Context, origin string) error {
	return sl.reset(ctx, ScopeOrigin, origin)
}

func (sl *SyncLimiter) reset(ctx context.Context, scope Scope, subject string) error {
	var keys []string
	for _, w := range sl.windows {
		if w.Scope == scope {
			keys = append(keys, windowKey(w, subject))
		}
	}
	return sl.store.DeleteWindows(ctx, keys...)
}

func (sl *SyncLimiter) key(w WindowLimit, userID, origin string) string {
	if w.Scope == ScopeUser {
		return windowKey(w, userID)
	}
	return windowKey(w, origin)
}

func windowKey(w WindowLimit, subject string) string {
	return string(w.Scope) + ":" + subject + ":" + w.Name
}

func (sl *SyncLimiter) startSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sl.store.SweepExpired(context.Background(), sl.now()); err != nil {
				sl.logger.Error("window sweep failed", Field{Key: "error", Value: err.Error()})
			}
		}
	}
}
