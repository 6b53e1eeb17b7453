package api

import (
	"time"

	"github.com/nourish-ai/credpool/pkg/credpool"
)

// QuotaResponse is the caller's current daily quota standing.
type QuotaResponse struct {
	UserID    string    `json:"user_id"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// RegisterCredentialRequest is the body of POST /credentials.
type RegisterCredentialRequest struct {
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	Secret      string   `json:"secret"`
	Models      []string `json:"models"`
	DailyLimit  int      `json:"daily_limit,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CredentialResponse is a credential as exposed to its owner. The secret is
// never echoed back.
type CredentialResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Endpoint      string     `json:"endpoint"`
	Models        []string   `json:"models"`
	DailyLimit    int        `json:"daily_limit"`
	Unlimited     bool       `json:"unlimited"`
	Description   string     `json:"description,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Active        bool       `json:"active"`
	UsageToday    int        `json:"usage_today"`
	LifetimeUsage int64      `json:"lifetime_usage"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SetActiveRequest is the body of POST /credentials/{id}/active.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// SetLimitRequest is the body of POST /credentials/{id}/limit.
type SetLimitRequest struct {
	DailyLimit int `json:"daily_limit"`
}

// BatchActiveRequest is the body of POST /admin/credentials/active.
type BatchActiveRequest struct {
	IDs    []string `json:"ids"`
	Active bool     `json:"active"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func toCredentialResponse(cred *credpool.Credential) CredentialResponse {
	return CredentialResponse{
		ID:            cred.ID,
		Name:          cred.Name,
		Endpoint:      cred.Endpoint,
		Models:        cred.Models,
		DailyLimit:    cred.DailyLimit,
		Unlimited:     cred.Unlimited(),
		Description:   cred.Description,
		Tags:          cred.Tags,
		Active:        cred.Active,
		UsageToday:    cred.UsageToday,
		LifetimeUsage: cred.LifetimeUsage,
		LastUsedAt:    cred.LastUsedAt,
		CreatedAt:     cred.CreatedAt,
	}
}
