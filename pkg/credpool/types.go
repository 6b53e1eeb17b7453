package credpool

import (
	"context"
	"slices"
	"time"
)

// CounterKind identifies a consumer-side daily counter.
type CounterKind string

const (
	// CounterAIRequests counts AI generation calls per consumer per day.
	CounterAIRequests CounterKind = "ai_requests"
)

// Daily limit bounds for contributed credentials.
const (
	// MinDailyLimit is the smallest accepted per-credential daily limit.
	MinDailyLimit = 150
	// MaxDailyLimit is the largest accepted bounded daily limit.
	MaxDailyLimit = 99999
	// UnlimitedDailyLimit is the sentinel meaning "no daily cap".
	UnlimitedDailyLimit = 999999
)

// Credential is a contributed endpoint+secret pair usable by other pool
// members within its daily limit. The secret is opaque to this package;
// at-rest protection belongs to the storage operator.
type Credential struct {
	ID            string
	OwnerID       string
	Name          string
	Endpoint      string
	Secret        string
	Models        []string
	DailyLimit    int
	Description   string
	Tags          []string
	Active        bool
	UsageToday    int
	LifetimeUsage int64
	LastUsedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Unlimited reports whether the credential has no daily cap.
func (c *Credential) Unlimited() bool {
	return c.DailyLimit == UnlimitedDailyLimit
}

// SupportsModel reports whether the credential lists the given model.
func (c *Credential) SupportsModel(model string) bool {
	return slices.Contains(c.Models, model)
}

// Eligible reports whether the credential may serve another call today.
func (c *Credential) Eligible(model string) bool {
	if !c.Active || !c.SupportsModel(model) {
		return false
	}
	return c.Unlimited() || c.UsageToday < c.DailyLimit
}

// UsageLogEntry is an append-only record of one downstream call made with a
// shared credential. Entries are never mutated after being written.
type UsageLogEntry struct {
	ID           string
	CredentialID string
	UserID       string
	Endpoint     string
	Model        string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// QuotaDecision is the outcome of a consumer-side quota check.
type QuotaDecision struct {
	Allowed   bool
	Current   int
	Limit     int
	Remaining int
	ResetTime time.Time
}

// Identity is the authenticated caller as resolved by the session provider.
type Identity struct {
	UserID     string
	TrustLevel int
}

// SessionResolver resolves the authenticated identity from the request
// context. Implementations belong to the embedding application's auth layer.
type SessionResolver interface {
	Resolve(ctx context.Context) (Identity, error)
}

// TrustPolicy maps a trust level (0-4) to a daily quota and shared-pool
// eligibility. Limits are resolved at call time, never cached past a request.
type TrustPolicy interface {
	// DailyQuota returns the per-day request quota for a trust level.
	DailyQuota(level int) int

	// AllowSharedPool reports whether the trust level may draw from the
	// shared credential pool.
	AllowSharedPool(level int) bool
}

// StaticTrustPolicy is a TrustPolicy backed by a fixed table.
type StaticTrustPolicy struct {
	// Quotas maps trust level to daily request quota.
	Quotas map[int]int

	// MinSharedLevel is the lowest trust level allowed to use the pool.
	MinSharedLevel int
}

// DefaultTrustPolicy returns the policy used when none is configured:
// levels 1-4 may use the shared pool, quotas grow with trust.
func DefaultTrustPolicy() *StaticTrustPolicy {
	return &StaticTrustPolicy{
		Quotas: map[int]int{
			0: 10,
			1: 50,
			2: 100,
			3: 200,
			4: 500,
		},
		MinSharedLevel: 1,
	}
}

func (p *StaticTrustPolicy) DailyQuota(level int) int {
	return p.Quotas[level]
}

func (p *StaticTrustPolicy) AllowSharedPool(level int) bool {
	return level >= p.MinSharedLevel
}

// PrivateConfig is a caller-supplied provider configuration used instead of,
// or as a fallback for, the shared pool.
type PrivateConfig struct {
	Endpoint string
	Secret   string
	Model    string
}

// Complete reports whether all fields required for a downstream call are set.
func (c PrivateConfig) Complete() bool {
	return c.Endpoint != "" && c.Secret != "" && c.Model != ""
}

// Mode selects how a request is credentialed. It is a sealed union:
// the only implementations are SharedMode and PrivateMode.
type Mode interface {
	isMode()
}

// SharedMode requests a pool credential. If Fallback is non-nil and complete,
// the router degrades to it silently when the pool is exhausted.
type SharedMode struct {
	Fallback *PrivateConfig
}

// PrivateMode requires a complete caller-supplied configuration; the router
// never substitutes the shared pool for it.
type PrivateMode struct {
	Config PrivateConfig
}

func (SharedMode) isMode()  {}
func (PrivateMode) isMode() {}

// Source tells the caller where the serving credential came from.
type Source string

const (
	SourceShared   Source = "shared"
	SourceFallback Source = "fallback"
	SourcePrivate  Source = "private"
)

// KeyInfo is provenance metadata returned with a successful call so the
// caller can attribute the result to a contributor.
type KeyInfo struct {
	Contributor    string `json:"contributor"`
	CredentialName string `json:"credential_name"`
	Model          string `json:"model"`
	Source         Source `json:"source"`
}

// ContributorStat is one row of the public contributor leaderboard.
type ContributorStat struct {
	OwnerID           string `json:"owner_id"`
	Credentials       int    `json:"credentials"`
	ActiveCredentials int    `json:"active_credentials"`
	TotalUsage        int64  `json:"total_usage"`
}

// BatchItemResult reports the outcome of one item in a batch operation.
type BatchItemResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BatchResult aggregates a capped administrative batch operation.
type BatchResult struct {
	Items       []BatchItemResult `json:"items"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	SuccessRate float64           `json:"success_rate"`
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
// Daily counters and credential usage reset at this boundary.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
