// Package api provides HTTP endpoints for quota inspection and credential
// management.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

const maxBodyBytes = 1 << 20

// Handler provides HTTP endpoints for quota inspection and credential
// management.
type Handler struct {
	config Config
}

// Routes returns a ServeMux with all management endpoints registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /quota", h.GetQuota)
	mux.HandleFunc("POST /credentials", h.RegisterCredential)
	mux.HandleFunc("GET /credentials", h.ListCredentials)
	mux.HandleFunc("POST /credentials/{id}/active", h.SetCredentialActive)
	mux.HandleFunc("POST /credentials/{id}/limit", h.SetCredentialLimit)
	mux.HandleFunc("DELETE /credentials/{id}", h.DeleteCredential)
	mux.HandleFunc("GET /contributors", h.GetContributors)
	mux.HandleFunc("POST /admin/credentials/active", h.BatchSetActive)
	return mux
}

// GetQuota returns the caller's current daily quota standing.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	decision, err := h.config.Ledger.Status(r.Context(), identity.UserID, identity.TrustLevel, credpool.CounterAIRequests)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, QuotaResponse{
		UserID:    identity.UserID,
		Used:      decision.Current,
		Limit:     decision.Limit,
		Remaining: decision.Remaining,
		ResetTime: decision.ResetTime,
	})
}

// RegisterCredential contributes a credential to the shared pool.
func (h *Handler) RegisterCredential(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var body RegisterCredentialRequest
	if !h.decode(w, r, &body) {
		return
	}

	cred, err := h.config.Registry.Register(r.Context(), credpool.RegisterRequest{
		OwnerID:     identity.UserID,
		Name:        body.Name,
		Endpoint:    body.Endpoint,
		Secret:      body.Secret,
		Models:      body.Models,
		DailyLimit:  body.DailyLimit,
		Description: body.Description,
		Tags:        body.Tags,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCredentialResponse(cred))
}

// ListCredentials returns the caller's contributed credentials.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	creds, err := h.config.Registry.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]CredentialResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, toCredentialResponse(cred))
	}
	writeJSON(w, http.StatusOK, out)
}

// SetCredentialActive enables or disables one of the caller's credentials.
func (h *Handler) SetCredentialActive(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var body SetActiveRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.config.Registry.SetActive(r.Context(), r.PathValue("id"), identity.UserID, body.Active); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetCredentialLimit updates the daily limit of one of the caller's
// credentials.
func (h *Handler) SetCredentialLimit(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var body SetLimitRequest
	if !h.decode(w, r, &body) {
		return
	}

	if err := h.config.Registry.SetDailyLimit(r.Context(), r.PathValue("id"), identity.UserID, body.DailyLimit); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteCredential removes one of the caller's credentials and its usage
// history.
func (h *Handler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if err := h.config.Registry.Delete(r.Context(), r.PathValue("id"), identity.UserID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetContributors returns the contributor leaderboard.
func (h *Handler) GetContributors(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r); !ok {
		return
	}

	stats, err := h.config.Registry.Contributors(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// BatchSetActive enables or disables up to 100 credentials in one call.
// Admin only.
func (h *Handler) BatchSetActive(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.config.IsAdmin == nil || !h.config.IsAdmin(identity) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden", Code: "forbidden"})
		return
	}

	var body BatchActiveRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.config.Registry.SetActiveBatch(r.Context(), body.IDs, body.Active)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (credpool.Identity, bool) {
	identity := h.config.GetIdentity(r)
	if identity.UserID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Code: "unauthorized"})
		return credpool.Identity{}, false
	}
	return identity, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "bad_request"})
		return false
	}
	return true
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credpool.ErrForbidden):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden", Code: "forbidden"})
	case errors.Is(err, credpool.ErrCredentialNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "credential not found", Code: "not_found"})
	case errors.Is(err, credpool.ErrDuplicateCredential):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "credential already registered", Code: "duplicate"})
	case errors.Is(err, credpool.ErrURLBlocked):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "url_blocked"})
	case errors.Is(err, credpool.ErrURLInvalid):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "url_invalid"})
	case errors.Is(err, credpool.ErrInvalidDailyLimit),
		errors.Is(err, credpool.ErrNoModels),
		errors.Is(err, credpool.ErrBatchTooLarge):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
	case isProviderError(err):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "provider_error"})
	default:
		h.config.Logger.Error("api request failed",
			credpool.Field{Key: "path", Value: r.URL.Path},
			credpool.Field{Key: "error", Value: err.Error()},
		)
		if h.config.OnError != nil {
			h.config.OnError(w, r, err)
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "internal"})
	}
}

func isProviderError(err error) bool {
	var pErr *credpool.ProviderError
	return errors.As(err, &pErr)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Nothing useful to do if the response write fails
	_ = json.NewEncoder(w).Encode(payload)
}
