package credpool_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/nourish-ai/credpool/pkg/credpool"
	"github.com/nourish-ai/credpool/storage/memory"
)

// scriptedProvider is a ProviderClient whose behavior tests control.
type scriptedProvider struct {
	probeErr    error
	generateErr error
	response    *credpool.GenerateResponse
	probeCalls  atomic.Int64
	calls       atomic.Int64
}

func (p *scriptedProvider) Generate(_ context.Context, _ credpool.ProviderConfig, _ credpool.GenerateRequest) (*credpool.GenerateResponse, error) {
	p.calls.Add(1)
	if p.generateErr != nil {
		return nil, p.generateErr
	}
	if p.response != nil {
		return p.response, nil
	}
	return &credpool.GenerateResponse{Content: "ok"}, nil
}

func (p *scriptedProvider) Stream(_ context.Context, _ credpool.ProviderConfig, _ credpool.GenerateRequest) (io.ReadCloser, error) {
	p.calls.Add(1)
	if p.generateErr != nil {
		return nil, p.generateErr
	}
	return io.NopCloser(bytes.NewReader([]byte("data: done\n"))), nil
}

func (p *scriptedProvider) Probe(_ context.Context, _ credpool.ProviderConfig, _ string) error {
	p.probeCalls.Add(1)
	return p.probeErr
}

// collectingSink records security events for assertions.
type collectingSink struct {
	events []credpool.SecurityEvent
}

func (s *collectingSink) Record(_ context.Context, event credpool.SecurityEvent) {
	s.events = append(s.events, event)
}

func newTestRegistry(t *testing.T, store *memory.Store, provider credpool.ProviderClient, sink credpool.SecurityEventSink) *credpool.Registry {
	t.Helper()
	registry, err := credpool.NewRegistry(credpool.RegistryConfig{
		Store:    store,
		Provider: provider,
		Security: sink,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return registry
}

func validRequest() credpool.RegisterRequest {
	return credpool.RegisterRequest{
		OwnerID:  "alice",
		Name:     "alice-endpoint",
		Endpoint: "https://llm.example.com/v1",
		Secret:   "sk-alice",
		Models:   []string{"gpt-4o"},
	}
}

func TestRegistry_Register(t *testing.T) {
	store := memory.New()
	provider := &scriptedProvider{}
	registry := newTestRegistry(t, store, provider, nil)
	ctx := context.Background()

	cred, err := registry.Register(ctx, validRequest())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if cred.ID == "" || !cred.Active {
		t.Errorf("Unexpected credential: %+v", cred)
	}
	if !cred.Unlimited() {
		t.Errorf("Zero daily limit should register as unlimited, got %d", cred.DailyLimit)
	}
	if provider.probeCalls.Load() != 1 {
		t.Errorf("Expected exactly one probe, got %d", provider.probeCalls.Load())
	}
}

func TestRegistry_Register_Validation(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry(t, store, &scriptedProvider{}, nil)
	ctx := context.Background()

	// No models.
	req := validRequest()
	req.Models = nil
	if _, err := registry.Register(ctx, req); !errors.Is(err, credpool.ErrNoModels) {
		t.Errorf("Expected ErrNoModels, got %v", err)
	}

	// Daily limit outside the allowed band.
	req = validRequest()
	req.DailyLimit = 100
	if _, err := registry.Register(ctx, req); !errors.Is(err, credpool.ErrInvalidDailyLimit) {
		t.Errorf("Expected ErrInvalidDailyLimit for 100, got %v", err)
	}
	req.DailyLimit = 100000
	if _, err := registry.Register(ctx, req); !errors.Is(err, credpool.ErrInvalidDailyLimit) {
		t.Errorf("Expected ErrInvalidDailyLimit for 100000, got %v", err)
	}

	// Boundary values are accepted.
	req = validRequest()
	req.DailyLimit = 150
	if _, err := registry.Register(ctx, req); err != nil {
		t.Errorf("Expected 150 accepted, got %v", err)
	}
	req = validRequest()
	req.Endpoint = "https://other.example.com/v1"
	req.DailyLimit = 99999
	if _, err := registry.Register(ctx, req); err != nil {
		t.Errorf("Expected 99999 accepted, got %v", err)
	}
}

func TestRegistry_Register_BlockedURLRecordsEvent(t *testing.T) {
	store := memory.New()
	sink := &collectingSink{}
	registry := newTestRegistry(t, store, &scriptedProvider{}, sink)
	ctx := context.Background()

	req := validRequest()
	req.Endpoint = "https://api.openai.com/v1"
	_, err := registry.Register(ctx, req)
	if !errors.Is(err, credpool.ErrURLBlocked) {
		t.Fatalf("Expected ErrURLBlocked, got %v", err)
	}

	if len(sink.events) != 1 || sink.events[0].Kind != credpool.EventURLBlocked {
		t.Errorf("Expected one URL-blocked security event, got %+v", sink.events)
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry(t, store, &scriptedProvider{}, nil)
	ctx := context.Background()

	if _, err := registry.Register(ctx, validRequest()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := registry.Register(ctx, validRequest())
	if !errors.Is(err, credpool.ErrDuplicateCredential) {
		t.Fatalf("Expected ErrDuplicateCredential, got %v", err)
	}

	// A different user may register the same endpoint and secret.
	req := validRequest()
	req.OwnerID = "bob"
	if _, err := registry.Register(ctx, req); err != nil {
		t.Errorf("Expected cross-user registration allowed, got %v", err)
	}
}

func TestRegistry_Register_ProbeFailureAborts(t *testing.T) {
	store := memory.New()
	provider := &scriptedProvider{probeErr: &credpool.ProviderError{StatusCode: 401, Message: "Incorrect API key"}}
	registry := newTestRegistry(t, store, provider, nil)
	ctx := context.Background()

	_, err := registry.Register(ctx, validRequest())
	if err == nil {
		t.Fatal("Expected probe failure to abort registration")
	}
	var pErr *credpool.ProviderError
	if !errors.As(err, &pErr) {
		t.Errorf("Expected provider error preserved, got %v", err)
	}

	// Nothing was persisted.
	creds, _ := store.ListCredentialsByOwner(ctx, "alice")
	if len(creds) != 0 {
		t.Errorf("Expected no credential persisted, got %d", len(creds))
	}
}

func TestRegistry_OwnershipChecks(t *testing.T) {
	store := memory.New()
	sink := &collectingSink{}
	registry := newTestRegistry(t, store, &scriptedProvider{}, sink)
	ctx := context.Background()

	cred, err := registry.Register(ctx, validRequest())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := registry.SetActive(ctx, cred.ID, "mallory", false); !errors.Is(err, credpool.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if err := registry.SetDailyLimit(ctx, cred.ID, "mallory", 200); !errors.Is(err, credpool.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if err := registry.Delete(ctx, cred.ID, "mallory"); !errors.Is(err, credpool.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if len(sink.events) != 3 {
		t.Errorf("Expected 3 ownership-violation events, got %d", len(sink.events))
	}

	// Unknown credential surfaces not-found, not forbidden.
	if err := registry.SetActive(ctx, "missing", "alice", false); !errors.Is(err, credpool.ErrCredentialNotFound) {
		t.Errorf("Expected ErrCredentialNotFound, got %v", err)
	}

	// The owner's operations go through.
	if err := registry.SetActive(ctx, cred.ID, "alice", false); err != nil {
		t.Errorf("SetActive failed for owner: %v", err)
	}
	if err := registry.SetDailyLimit(ctx, cred.ID, "alice", 500); err != nil {
		t.Errorf("SetDailyLimit failed for owner: %v", err)
	}
	if err := registry.Delete(ctx, cred.ID, "alice"); err != nil {
		t.Errorf("Delete failed for owner: %v", err)
	}
}

func TestRegistry_SetDailyLimit_Bounds(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry(t, store, &scriptedProvider{}, nil)
	ctx := context.Background()

	cred, err := registry.Register(ctx, validRequest())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := registry.SetDailyLimit(ctx, cred.ID, "alice", 1); !errors.Is(err, credpool.ErrInvalidDailyLimit) {
		t.Errorf("Expected ErrInvalidDailyLimit, got %v", err)
	}
	if err := registry.SetDailyLimit(ctx, cred.ID, "alice", credpool.UnlimitedDailyLimit); err != nil {
		t.Errorf("Expected unlimited sentinel accepted, got %v", err)
	}
}

func TestRegistry_SetActiveBatch(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry(t, store, &scriptedProvider{}, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		req := validRequest()
		req.Endpoint = req.Endpoint + "/" + string(rune('a'+i))
		cred, err := registry.Register(ctx, req)
		if err != nil {
			t.Fatalf("Register %d failed: %v", i, err)
		}
		ids = append(ids, cred.ID)
	}
	ids = append(ids, "missing-id")

	result, err := registry.SetActiveBatch(ctx, ids, false)
	if err != nil {
		t.Fatalf("SetActiveBatch failed: %v", err)
	}
	if result.Succeeded != 5 || result.Failed != 1 {
		t.Errorf("Expected 5/1, got %d/%d", result.Succeeded, result.Failed)
	}
	if result.SuccessRate < 0.83 || result.SuccessRate > 0.84 {
		t.Errorf("Unexpected success rate %f", result.SuccessRate)
	}
	if len(result.Items) != 6 {
		t.Fatalf("Expected 6 item results, got %d", len(result.Items))
	}
	// Item order matches input order.
	if result.Items[5].ID != "missing-id" || result.Items[5].OK {
		t.Errorf("Unexpected last item: %+v", result.Items[5])
	}

	for _, id := range ids[:5] {
		cred, _ := store.GetCredential(ctx, id)
		if cred.Active {
			t.Errorf("Credential %s still active after batch disable", id)
		}
	}
}

func TestRegistry_SetActiveBatch_Cap(t *testing.T) {
	store := memory.New()
	registry := newTestRegistry(t, store, &scriptedProvider{}, nil)

	ids := make([]string, credpool.MaxBatchSize+1)
	for i := range ids {
		ids[i] = "id"
	}
	_, err := registry.SetActiveBatch(context.Background(), ids, true)
	if !errors.Is(err, credpool.ErrBatchTooLarge) {
		t.Errorf("Expected ErrBatchTooLarge, got %v", err)
	}

	// Empty input is a no-op, not an error.
	result, err := registry.SetActiveBatch(context.Background(), nil, true)
	if err != nil || result.Succeeded != 0 {
		t.Errorf("Expected empty result, got %+v, %v", result, err)
	}
}
