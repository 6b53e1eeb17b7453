package credpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ProviderConfig is the connection half of a downstream call: where to send
// it and which secret authorizes it.
type ProviderConfig struct {
	Endpoint string
	Secret   string
}

// Message is one turn of a chat exchange. ImageURLs carries vision inputs
// alongside the text content.
type Message struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// GenerateRequest is the model-facing half of a downstream call.
type GenerateRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// GenerateResponse is the decoded result of a non-streaming call.
type GenerateResponse struct {
	Model            string `json:"model"`
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// ProviderClient talks to an OpenAI-compatible downstream API. All methods
// honor context cancellation; callers supply timeouts via the context.
type ProviderClient interface {
	// Generate performs a blocking completion call.
	Generate(ctx context.Context, cfg ProviderConfig, req GenerateRequest) (*GenerateResponse, error)

	// Stream performs a streaming call and returns the raw SSE body for the
	// caller to relay. The caller must close it.
	Stream(ctx context.Context, cfg ProviderConfig, req GenerateRequest) (io.ReadCloser, error)

	// Probe makes a minimal live call to confirm the secret works for the
	// given model. Used at registration time.
	Probe(ctx context.Context, cfg ProviderConfig, model string) error
}

// HTTPProvider is the ProviderClient for OpenAI-compatible chat-completions
// endpoints.
type HTTPProvider struct {
	client *http.Client
}

// NewHTTPProvider creates a provider client. A nil client uses
// http.DefaultClient; deadlines come from the request context either way.
func NewHTTPProvider(client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{client: client}
}

// wire types for the chat-completions payload

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *HTTPProvider) Generate(ctx context.Context, cfg ProviderConfig, req GenerateRequest) (*GenerateResponse, error) {
	resp, err := p.do(ctx, cfg, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ProviderError{Message: fmt.Sprintf("malformed provider response: %v", err)}
	}
	if len(decoded.Choices) == 0 {
		return nil, &ProviderError{Message: "provider returned no choices"}
	}

	model := decoded.Model
	if model == "" {
		model = req.Model
	}
	return &GenerateResponse{
		Model:            model,
		Content:          decoded.Choices[0].Message.Content,
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
	}, nil
}

func (p *HTTPProvider) Stream(ctx context.Context, cfg ProviderConfig, req GenerateRequest) (io.ReadCloser, error) {
	resp, err := p.do(ctx, cfg, req, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (p *HTTPProvider) Probe(ctx context.Context, cfg ProviderConfig, model string) error {
	_, err := p.Generate(ctx, cfg, GenerateRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

// do performs the HTTP exchange and converts non-2xx responses into
// *ProviderError with the upstream message preserved.
func (p *HTTPProvider) do(ctx context.Context, cfg ProviderConfig, req GenerateRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(buildWireRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cfg.Secret)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var we wireError
		if json.Unmarshal(raw, &we) == nil && we.Error.Message != "" {
			msg = we.Error.Message
		}
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: msg}
	}

	return resp, nil
}

func buildWireRequest(req GenerateRequest, stream bool) wireRequest {
	out := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	for _, m := range req.Messages {
		if len(m.ImageURLs) == 0 {
			out.Messages = append(out.Messages, wireMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := []wireContentPart{{Type: "text", Text: m.Content}}
		for _, u := range m.ImageURLs {
			parts = append(parts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: u}})
		}
		out.Messages = append(out.Messages, wireMessage{Role: m.Role, Content: parts})
	}
	return out
}

// exhaustion-style provider messages that map to the pool-exhausted taxonomy
var exhaustionHints = []string{
	"insufficient_quota",
	"insufficient quota",
	"quota exceeded",
	"rate limit",
	"rate_limit",
}

// IsProviderExhausted reports whether a downstream error is an
// exhaustion-style response (429-class or a quota message). The router
// normalizes these to ErrSharedPoolExhausted so callers keep one retry
// policy.
func IsProviderExhausted(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(pe.Message)
	for _, hint := range exhaustionHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
