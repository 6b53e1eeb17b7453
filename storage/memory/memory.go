// Package memory provides an in-memory implementation of the credpool store
// interfaces. It is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// Store implements credpool.Store and credpool.WindowCounterStore using
// mutex-guarded maps.
type Store struct {
	mu          sync.Mutex
	credentials map[string]*credpool.Credential
	usageDay    map[string]time.Time // day the credential's usage-today belongs to
	logs        []*credpool.UsageLogEntry
	counters    map[string]int
	windows     map[string]*credpool.WindowRecord
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		credentials: make(map[string]*credpool.Credential),
		usageDay:    make(map[string]time.Time),
		counters:    make(map[string]int),
		windows:     make(map[string]*credpool.WindowRecord),
	}
}

// CreateCredential implements credpool.CredentialStore.
func (s *Store) CreateCredential(_ context.Context, cred *credpool.Credential) error {
	if cred == nil || cred.ID == "" {
		return fmt.Errorf("invalid credential")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	credCopy := *cred
	s.credentials[cred.ID] = &credCopy
	s.usageDay[cred.ID] = time.Time{}
	return nil
}

// GetCredential implements credpool.CredentialStore.
func (s *Store) GetCredential(_ context.Context, id string) (*credpool.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return nil, credpool.ErrCredentialNotFound
	}
	credCopy := *cred
	return &credCopy, nil
}

// ListCredentialsByOwner implements credpool.CredentialStore.
func (s *Store) ListCredentialsByOwner(_ context.Context, ownerID string) ([]*credpool.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*credpool.Credential
	for _, cred := range s.credentials {
		if cred.OwnerID == ownerID {
			credCopy := *cred
			out = append(out, &credCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HasActiveDuplicate implements credpool.CredentialStore.
func (s *Store) HasActiveDuplicate(_ context.Context, ownerID, endpoint, secret string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cred := range s.credentials {
		if cred.Active && cred.OwnerID == ownerID && cred.Endpoint == endpoint && cred.Secret == secret {
			return true, nil
		}
	}
	return false, nil
}

// ClaimCredential implements credpool.CredentialStore. The whole pick-and-
// increment happens under one lock, so concurrent claims cannot push a
// credential past its daily limit.
func (s *Store) ClaimCredential(_ context.Context, model string, day time.Time) (*credpool.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked *credpool.Credential
	for _, cred := range s.credentials {
		s.resetUsageIfStale(cred, day)
		if !cred.Eligible(model) {
			continue
		}
		if picked == nil || lessRecentlyUsed(cred, picked) {
			picked = cred
		}
	}
	if picked == nil {
		return nil, credpool.ErrSharedPoolExhausted
	}

	now := time.Now().UTC()
	picked.UsageToday++
	picked.LifetimeUsage++
	picked.LastUsedAt = &now
	picked.UpdatedAt = now
	s.usageDay[picked.ID] = day

	credCopy := *picked
	return &credCopy, nil
}

// SetCredentialActive implements credpool.CredentialStore.
func (s *Store) SetCredentialActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credpool.ErrCredentialNotFound
	}
	cred.Active = active
	cred.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCredentialDailyLimit implements credpool.CredentialStore.
func (s *Store) SetCredentialDailyLimit(_ context.Context, id string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return credpool.ErrCredentialNotFound
	}
	cred.DailyLimit = limit
	cred.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteCredential implements credpool.CredentialStore, cascading deletion
// of the credential's usage-log rows.
func (s *Store) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[id]; !ok {
		return credpool.ErrCredentialNotFound
	}
	delete(s.credentials, id)
	delete(s.usageDay, id)

	kept := s.logs[:0]
	for _, entry := range s.logs {
		if entry.CredentialID != id {
			kept = append(kept, entry)
		}
	}
	s.logs = kept
	return nil
}

// ContributorTotals implements credpool.CredentialStore.
func (s *Store) ContributorTotals(_ context.Context) ([]credpool.ContributorStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOwner := make(map[string]*credpool.ContributorStat)
	for _, cred := range s.credentials {
		stat, ok := byOwner[cred.OwnerID]
		if !ok {
			stat = &credpool.ContributorStat{OwnerID: cred.OwnerID}
			byOwner[cred.OwnerID] = stat
		}
		stat.Credentials++
		if cred.Active {
			stat.ActiveCredentials++
		}
		stat.TotalUsage += cred.LifetimeUsage
	}

	out := make([]credpool.ContributorStat, 0, len(byOwner))
	for _, stat := range byOwner {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalUsage > out[j].TotalUsage })
	return out, nil
}

// IncrementIfBelow implements credpool.LedgerStore. The counter check and
// increment share one lock acquisition, making the operation indivisible.
func (s *Store) IncrementIfBelow(_ context.Context, userID string, kind credpool.CounterKind, day time.Time, limit int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(userID, kind, day)
	current := s.counters[key]
	if current+1 > limit {
		return false, current, nil
	}
	current++
	s.counters[key] = current
	return true, current, nil
}

// DecrementCounter implements credpool.LedgerStore.
func (s *Store) DecrementCounter(_ context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(userID, kind, day)
	current := s.counters[key]
	if current > 0 {
		current--
		s.counters[key] = current
	}
	return current, nil
}

// GetCounter implements credpool.LedgerStore.
func (s *Store) GetCounter(_ context.Context, userID string, kind credpool.CounterKind, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey(userID, kind, day)], nil
}

// AppendUsageLog implements credpool.UsageLogStore.
func (s *Store) AppendUsageLog(_ context.Context, entry *credpool.UsageLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid usage log entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	s.logs = append(s.logs, &entryCopy)
	return nil
}

// ListUsageLogs implements credpool.UsageLogStore.
func (s *Store) ListUsageLogs(_ context.Context, credentialID string, limit int) ([]*credpool.UsageLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*credpool.UsageLogEntry
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.logs[i].CredentialID == credentialID {
			entryCopy := *s.logs[i]
			out = append(out, &entryCopy)
		}
	}
	return out, nil
}

// PeekWindow implements credpool.WindowCounterStore.
func (s *Store) PeekWindow(_ context.Context, key string) (*credpool.WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.windows[key]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// IncrWindow implements credpool.WindowCounterStore.
func (s *Store) IncrWindow(_ context.Context, key string, window time.Duration, now time.Time) (*credpool.WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.windows[key]
	if !ok || !now.Before(rec.ResetTime) {
		rec = &credpool.WindowRecord{Count: 1, ResetTime: now.Add(window), LastSeen: now}
		s.windows[key] = rec
	} else {
		rec.Count++
		rec.LastSeen = now
	}
	recCopy := *rec
	return &recCopy, nil
}

// DeleteWindows implements credpool.WindowCounterStore.
func (s *Store) DeleteWindows(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.windows, key)
	}
	return nil
}

// SweepExpired implements credpool.WindowCounterStore.
func (s *Store) SweepExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.windows {
		if !now.Before(rec.ResetTime) {
			delete(s.windows, key)
		}
	}
	return nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials = make(map[string]*credpool.Credential)
	s.usageDay = make(map[string]time.Time)
	s.logs = nil
	s.counters = make(map[string]int)
	s.windows = make(map[string]*credpool.WindowRecord)
}

// resetUsageIfStale zeroes usage-today when the credential was last used on
// an earlier day. Caller holds the lock.
func (s *Store) resetUsageIfStale(cred *credpool.Credential, day time.Time) {
	if !s.usageDay[cred.ID].Equal(day) && s.usageDay[cred.ID].Before(day) {
		if cred.UsageToday != 0 {
			cred.UsageToday = 0
		}
		s.usageDay[cred.ID] = day
	}
}

func lessRecentlyUsed(a, b *credpool.Credential) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.CreatedAt.Before(b.CreatedAt)
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

func counterKey(userID string, kind credpool.CounterKind, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", userID, kind, day.UTC().Format("2006-01-02"))
}
