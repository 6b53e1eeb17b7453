package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nourish-ai/credpool/pkg/credpool"
	"github.com/nourish-ai/credpool/storage/memory"
)

type stubProvider struct {
	probeErr error
}

func (p *stubProvider) Generate(_ context.Context, _ credpool.ProviderConfig, _ credpool.GenerateRequest) (*credpool.GenerateResponse, error) {
	return &credpool.GenerateResponse{Content: "ok"}, nil
}

func (p *stubProvider) Stream(_ context.Context, _ credpool.ProviderConfig, _ credpool.GenerateRequest) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (p *stubProvider) Probe(_ context.Context, _ credpool.ProviderConfig, _ string) error {
	return p.probeErr
}

func setupHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()

	store := memory.New()
	registry, err := credpool.NewRegistry(credpool.RegistryConfig{
		Store:    store,
		Provider: &stubProvider{},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	ledger, err := credpool.NewLedger(credpool.LedgerConfig{
		Store:  store,
		Policy: credpool.DefaultTrustPolicy(),
	})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}

	handler, err := NewHandler(Config{
		Registry:    registry,
		Ledger:      ledger,
		GetIdentity: FromHeaders("X-User-ID", "X-Trust-Level"),
		IsAdmin: func(identity credpool.Identity) bool {
			return identity.TrustLevel >= 4
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return handler, store
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, userID string, trust string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if trust != "" {
		req.Header.Set("X-Trust-Level", trust)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_GetQuota(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	rec := doJSON(t, mux, http.MethodGet, "/quota", "user1", "2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp QuotaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Used != 0 || resp.Limit != 100 || resp.Remaining != 100 {
		t.Errorf("Unexpected quota for trust level 2: %+v", resp)
	}
}

func TestHandler_GetQuota_Unauthorized(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	rec := doJSON(t, mux, http.MethodGet, "/quota", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestHandler_RegisterAndListCredentials(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	body := RegisterCredentialRequest{
		Name:     "my-endpoint",
		Endpoint: "https://llm.example.com/v1",
		Secret:   "sk-test-123",
		Models:   []string{"gpt-4o"},
	}
	rec := doJSON(t, mux, http.MethodPost, "/credentials", "user1", "2", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created CredentialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.ID == "" || !created.Active || !created.Unlimited {
		t.Errorf("Unexpected credential: %+v", created)
	}
	if rec.Body.String() != "" && bytes.Contains(rec.Body.Bytes(), []byte("sk-test-123")) {
		t.Error("Secret must not be echoed in the response")
	}

	// Duplicate registration conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/credentials", "user1", "2", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodGet, "/credentials", "user1", "2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list []CredentialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 credential, got %d", len(list))
	}
}

func TestHandler_RegisterCredential_BlockedURL(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	body := RegisterCredentialRequest{
		Name:     "nope",
		Endpoint: "https://api.openai.com/v1",
		Secret:   "sk-test",
		Models:   []string{"gpt-4o"},
	}
	rec := doJSON(t, mux, http.MethodPost, "/credentials", "user1", "2", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for blocked URL, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_OwnershipEnforced(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/credentials", "user1", "2", RegisterCredentialRequest{
		Name:     "mine",
		Endpoint: "https://llm.example.com/v1",
		Secret:   "sk-test-123",
		Models:   []string{"gpt-4o"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	var created CredentialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	// Another user cannot toggle or delete it.
	rec = doJSON(t, mux, http.MethodPost, "/credentials/"+created.ID+"/active", "user2", "2", SetActiveRequest{Active: false})
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, mux, http.MethodDelete, "/credentials/"+created.ID, "user2", "2", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}

	// The owner can.
	rec = doJSON(t, mux, http.MethodPost, "/credentials/"+created.ID+"/active", "user1", "2", SetActiveRequest{Active: false})
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, mux, http.MethodDelete, "/credentials/"+created.ID, "user1", "2", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
}

func TestHandler_SetLimit_Validation(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	rec := doJSON(t, mux, http.MethodPost, "/credentials", "user1", "2", RegisterCredentialRequest{
		Name:     "mine",
		Endpoint: "https://llm.example.com/v1",
		Secret:   "sk-test-123",
		Models:   []string{"gpt-4o"},
	})
	var created CredentialResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	// Below the minimum bound.
	rec = doJSON(t, mux, http.MethodPost, "/credentials/"+created.ID+"/limit", "user1", "2", SetLimitRequest{DailyLimit: 10})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit below minimum, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/credentials/"+created.ID+"/limit", "user1", "2", SetLimitRequest{DailyLimit: 500})
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_BatchSetActive_AdminOnly(t *testing.T) {
	handler, _ := setupHandler(t)
	mux := handler.Routes()

	body := BatchActiveRequest{IDs: []string{"x"}, Active: false}

	rec := doJSON(t, mux, http.MethodPost, "/admin/credentials/active", "user1", "2", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-admin, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/admin/credentials/active", "admin", "4", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
	var result credpool.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Expected 1 failed item for unknown ID, got %+v", result)
	}
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for empty config")
	}
}
