package credpool_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nourish-ai/credpool/pkg/credpool"
	"github.com/nourish-ai/credpool/storage/memory"
)

// staticSessions resolves every request to a fixed identity.
type staticSessions struct {
	identity credpool.Identity
	err      error
}

func (s staticSessions) Resolve(_ context.Context) (credpool.Identity, error) {
	return s.identity, s.err
}

type routerFixture struct {
	store    *memory.Store
	provider *scriptedProvider
	router   *credpool.Router
}

func newRouterFixture(t *testing.T, identity credpool.Identity, policy credpool.TrustPolicy) *routerFixture {
	t.Helper()
	store := memory.New()
	provider := &scriptedProvider{}

	ledger, err := credpool.NewLedger(credpool.LedgerConfig{Store: store, Policy: policy})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	selector := newTestSelector(t, store)
	router, err := credpool.NewRouter(credpool.RouterConfig{
		Sessions: staticSessions{identity: identity},
		Ledger:   ledger,
		Selector: selector,
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	return &routerFixture{store: store, provider: provider, router: router}
}

func (f *routerFixture) counter(t *testing.T, userID string) int {
	t.Helper()
	n, err := f.store.GetCounter(context.Background(), userID, credpool.CounterAIRequests, time.Now().UTC())
	if err != nil {
		t.Fatalf("GetCounter failed: %v", err)
	}
	return n
}

func chatRequest(mode credpool.Mode) credpool.RouteRequest {
	return credpool.RouteRequest{
		Endpoint: "chat",
		Mode:     mode,
		Model:    "gpt-4o",
		Messages: []credpool.Message{{Role: "user", Content: "hello"}},
	}
}

func TestRouter_SharedHappyPath(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	seedCredential(t, f.store, "cred-a", "alice", credpool.UnlimitedDailyLimit, "gpt-4o")
	f.provider.response = &credpool.GenerateResponse{Content: "hi there"}
	ctx := context.Background()

	result, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{}))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Response == nil || result.Response.Content != "hi there" {
		t.Errorf("Unexpected response: %+v", result.Response)
	}
	if result.KeyInfo.Source != credpool.SourceShared || result.KeyInfo.Contributor != "alice" || result.KeyInfo.Model != "gpt-4o" {
		t.Errorf("Unexpected key info: %+v", result.KeyInfo)
	}

	if got := f.counter(t, "consumer"); got != 1 {
		t.Errorf("Expected consumer counter 1, got %d", got)
	}
	logs, _ := f.store.ListUsageLogs(ctx, "cred-a", 10)
	if len(logs) != 1 || !logs[0].Success || logs[0].UserID != "consumer" {
		t.Errorf("Unexpected usage logs: %+v", logs)
	}
}

func TestRouter_Unauthorized(t *testing.T) {
	store := memory.New()
	ledger, _ := credpool.NewLedger(credpool.LedgerConfig{Store: store})
	selector := newTestSelector(t, store)

	for name, sessions := range map[string]staticSessions{
		"resolver error": {err: errors.New("session expired")},
		"empty user":     {identity: credpool.Identity{}},
	} {
		router, err := credpool.NewRouter(credpool.RouterConfig{
			Sessions: sessions,
			Ledger:   ledger,
			Selector: selector,
			Provider: &scriptedProvider{},
		})
		if err != nil {
			t.Fatalf("NewRouter failed: %v", err)
		}
		_, err = router.Route(context.Background(), chatRequest(credpool.SharedMode{}))
		if !errors.Is(err, credpool.ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestRouter_QuotaExceeded(t *testing.T) {
	policy := &credpool.StaticTrustPolicy{Quotas: map[int]int{1: 1}, MinSharedLevel: 1}
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 1}, policy)
	seedCredential(t, f.store, "cred-a", "alice", credpool.UnlimitedDailyLimit, "gpt-4o")
	ctx := context.Background()

	if _, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{})); err != nil {
		t.Fatalf("First route failed: %v", err)
	}

	_, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{}))
	var qErr *credpool.QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("Expected QuotaExceededError, got %v", err)
	}
	if !errors.Is(err, credpool.ErrQuotaExceeded) {
		t.Error("QuotaExceededError should match ErrQuotaExceeded")
	}
	if qErr.Limit != 1 || qErr.Remaining != 0 {
		t.Errorf("Unexpected quota error: %+v", qErr)
	}
	// The denied request reached no provider and claimed no credential.
	if f.provider.calls.Load() != 1 {
		t.Errorf("Expected 1 provider call, got %d", f.provider.calls.Load())
	}
}

func TestRouter_PoolExhaustedRefundsQuota(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	ctx := context.Background()

	_, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{}))
	if !errors.Is(err, credpool.ErrSharedPoolExhausted) {
		t.Fatalf("Expected ErrSharedPoolExhausted, got %v", err)
	}
	// The reserved quota was returned: nothing was sent downstream.
	if got := f.counter(t, "consumer"); got != 0 {
		t.Errorf("Expected counter refunded to 0, got %d", got)
	}
}

func TestRouter_PoolExhaustedFallsBack(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	ctx := context.Background()

	mode := credpool.SharedMode{Fallback: &credpool.PrivateConfig{
		Endpoint: "https://my-own.example.com/v1",
		Secret:   "sk-own",
		Model:    "llama-3",
	}}
	result, err := f.router.Route(ctx, chatRequest(mode))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.KeyInfo.Source != credpool.SourceFallback || result.KeyInfo.Model != "llama-3" {
		t.Errorf("Unexpected key info: %+v", result.KeyInfo)
	}
	if got := f.counter(t, "consumer"); got != 1 {
		t.Errorf("Expected counter 1 after fallback call, got %d", got)
	}
}

func TestRouter_LowTrustSkipsPool(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "newcomer", TrustLevel: 0}, nil)
	seedCredential(t, f.store, "cred-a", "alice", credpool.UnlimitedDailyLimit, "gpt-4o")
	ctx := context.Background()

	// Without a fallback the pool is simply unavailable to level 0.
	_, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{}))
	if !errors.Is(err, credpool.ErrSharedPoolExhausted) {
		t.Fatalf("Expected ErrSharedPoolExhausted, got %v", err)
	}
	cred, _ := f.store.GetCredential(ctx, "cred-a")
	if cred.UsageToday != 0 {
		t.Errorf("Low-trust request must not consume pool quota, got %d", cred.UsageToday)
	}

	// With a fallback the request still goes through on the caller's key.
	mode := credpool.SharedMode{Fallback: &credpool.PrivateConfig{
		Endpoint: "https://my-own.example.com/v1",
		Secret:   "sk-own",
		Model:    "llama-3",
	}}
	result, err := f.router.Route(ctx, chatRequest(mode))
	if err != nil || result.KeyInfo.Source != credpool.SourceFallback {
		t.Errorf("Expected fallback for low trust, got %+v, %v", result, err)
	}
}

func TestRouter_PrivateMode(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	ctx := context.Background()

	// Incomplete configuration is rejected before any quota is spent.
	mode := credpool.PrivateMode{Config: credpool.PrivateConfig{Endpoint: "https://my-own.example.com/v1"}}
	_, err := f.router.Route(ctx, chatRequest(mode))
	if !errors.Is(err, credpool.ErrIncompleteConfig) {
		t.Fatalf("Expected ErrIncompleteConfig, got %v", err)
	}
	if got := f.counter(t, "consumer"); got != 0 {
		t.Errorf("Expected counter refunded to 0, got %d", got)
	}

	mode.Config.Secret = "sk-own"
	mode.Config.Model = "llama-3"
	result, err := f.router.Route(ctx, chatRequest(mode))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.KeyInfo.Source != credpool.SourcePrivate || result.KeyInfo.Contributor != "" {
		t.Errorf("Unexpected key info: %+v", result.KeyInfo)
	}
}

func TestRouter_ProviderFailureKeepsQuota(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	seedCredential(t, f.store, "cred-a", "alice", credpool.UnlimitedDailyLimit, "gpt-4o")
	f.provider.generateErr = &credpool.ProviderError{StatusCode: 500, Message: "internal error"}
	ctx := context.Background()

	_, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{}))
	var pErr *credpool.ProviderError
	if !errors.As(err, &pErr) || pErr.StatusCode != 500 {
		t.Fatalf("Expected ProviderError 500, got %v", err)
	}

	// The call started, so the consumer's quota stands and both sides of the
	// accounting reflect the failure.
	if got := f.counter(t, "consumer"); got != 1 {
		t.Errorf("Expected counter 1 after failed call, got %d", got)
	}
	cred, _ := f.store.GetCredential(ctx, "cred-a")
	if cred.UsageToday != 1 {
		t.Errorf("Expected contributor usage 1, got %d", cred.UsageToday)
	}
	logs, _ := f.store.ListUsageLogs(ctx, "cred-a", 10)
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorMessage == "" {
		t.Errorf("Unexpected usage logs: %+v", logs)
	}
}

func TestRouter_SharedProviderExhaustion(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	seedCredential(t, f.store, "cred-a", "alice", credpool.UnlimitedDailyLimit, "gpt-4o")
	f.provider.generateErr = &credpool.ProviderError{StatusCode: 429, Message: "Rate limit reached"}
	ctx := context.Background()

	_, err := f.router.Route(ctx, chatRequest(credpool.SharedMode{}))
	if !errors.Is(err, credpool.ErrSharedPoolExhausted) {
		t.Fatalf("Expected upstream 429 surfaced as pool exhaustion, got %v", err)
	}
}

func TestRouter_PrivateProviderExhaustionIsNotPoolExhaustion(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	f.provider.generateErr = &credpool.ProviderError{StatusCode: 429, Message: "Rate limit reached"}
	ctx := context.Background()

	mode := credpool.PrivateMode{Config: credpool.PrivateConfig{
		Endpoint: "https://my-own.example.com/v1",
		Secret:   "sk-own",
		Model:    "llama-3",
	}}
	_, err := f.router.Route(ctx, chatRequest(mode))
	if errors.Is(err, credpool.ErrSharedPoolExhausted) {
		t.Fatal("Private-key 429 must not masquerade as pool exhaustion")
	}
	var pErr *credpool.ProviderError
	if !errors.As(err, &pErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
}

func TestRouter_Streaming(t *testing.T) {
	f := newRouterFixture(t, credpool.Identity{UserID: "consumer", TrustLevel: 2}, nil)
	seedCredential(t, f.store, "cred-a", "alice", credpool.UnlimitedDailyLimit, "gpt-4o")

	req := chatRequest(credpool.SharedMode{})
	req.Stream = true
	result, err := f.router.Route(context.Background(), req)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.Stream == nil {
		t.Fatal("Expected a stream")
	}
	defer result.Stream.Close()

	body, err := io.ReadAll(result.Stream)
	if err != nil || len(body) == 0 {
		t.Errorf("Expected stream body, got %q, %v", body, err)
	}
}
