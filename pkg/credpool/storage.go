package credpool

import (
	"context"
	"time"
)

// CredentialStore persists contributed credentials. Implementations must
// keep ClaimCredential atomic with respect to concurrent claims.
type CredentialStore interface {
	// CreateCredential stores a new credential.
	CreateCredential(ctx context.Context, cred *Credential) error

	// GetCredential returns a credential by id, or ErrCredentialNotFound.
	GetCredential(ctx context.Context, id string) (*Credential, error)

	// ListCredentialsByOwner returns all credentials owned by a user.
	ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*Credential, error)

	// HasActiveDuplicate reports whether an active credential with the same
	// owner, endpoint, and secret already exists.
	HasActiveDuplicate(ctx context.Context, ownerID, endpoint, secret string) (bool, error)

	// ClaimCredential atomically picks one credential that is active, lists
	// the model, and is under its daily limit for the given day, preferring
	// the least recently used. The claim increments usage-today and lifetime
	// counters and stamps last-used. Returns ErrSharedPoolExhausted when no
	// credential is eligible.
	ClaimCredential(ctx context.Context, model string, day time.Time) (*Credential, error)

	// SetCredentialActive toggles the active flag.
	SetCredentialActive(ctx context.Context, id string, active bool) error

	// SetCredentialDailyLimit updates the daily call limit.
	SetCredentialDailyLimit(ctx context.Context, id string, limit int) error

	// DeleteCredential removes a credential and cascades deletion of its
	// usage-log rows.
	DeleteCredential(ctx context.Context, id string) error

	// ContributorTotals aggregates per-owner credential counts and lifetime
	// usage for the public leaderboard.
	ContributorTotals(ctx context.Context) ([]ContributorStat, error)
}

// LedgerStore persists per-user daily counters. IncrementIfBelow is the one
// operation in this package that must be indivisible under true parallelism:
// two concurrent calls for the same (user, kind, day) must never both commit
// past the limit.
type LedgerStore interface {
	// IncrementIfBelow increments the counter only if the result stays at or
	// below limit. Returns whether the increment committed and the counter
	// value after the call (post-increment when allowed, unchanged when not).
	IncrementIfBelow(ctx context.Context, userID string, kind CounterKind, day time.Time, limit int) (allowed bool, current int, err error)

	// DecrementCounter decrements by one, never below zero, and returns the
	// new value.
	DecrementCounter(ctx context.Context, userID string, kind CounterKind, day time.Time) (int, error)

	// GetCounter returns the current counter value, zero if absent.
	GetCounter(ctx context.Context, userID string, kind CounterKind, day time.Time) (int, error)
}

// UsageLogStore persists append-only usage log entries.
type UsageLogStore interface {
	// AppendUsageLog writes one entry. Entries are never updated.
	AppendUsageLog(ctx context.Context, entry *UsageLogEntry) error

	// ListUsageLogs returns the most recent entries for a credential,
	// newest first.
	ListUsageLogs(ctx context.Context, credentialID string, limit int) ([]*UsageLogEntry, error)
}

// Store is the full persistence contract: a single backend serving
// credentials, counters, and usage logs.
type Store interface {
	CredentialStore
	LedgerStore
	UsageLogStore
}

// WindowRecord is the state of one rate-limit window for one subject.
type WindowRecord struct {
	Count     int
	ResetTime time.Time
	LastSeen  time.Time
}

// WindowCounterStore holds rate-limit window counters. The in-process
// implementation is the default; a shared store (e.g. Redis) substitutes
// here for multi-instance deployments without changing the algorithm.
type WindowCounterStore interface {
	// PeekWindow returns the record for a key, or nil if absent.
	PeekWindow(ctx context.Context, key string) (*WindowRecord, error)

	// IncrWindow increments the counter for a key, starting a fresh window
	// (count=1, resetTime=now+window) when none exists or the current one
	// has expired. Returns the updated record.
	IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (*WindowRecord, error)

	// DeleteWindows removes the given keys, leaving other subjects untouched.
	DeleteWindows(ctx context.Context, keys ...string) error

	// SweepExpired removes records whose reset time has passed, bounding
	// memory growth. Stores with native TTLs may make this a no-op.
	SweepExpired(ctx context.Context, now time.Time) error
}
