package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nevindra/engram"
)

// Provider implements engram.LLM for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE) to
// handle body building and streaming.
//
// Works with OpenAI, Groq, Together, DeepSeek, Mistral, Ollama, vLLM,
// LM Studio, and any other provider that implements the OpenAI chat
// completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
//
// Provider-level options (WithOptions) are applied to every request;
// per-request fields on engram.GenerateRequest override them.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// GenerateObject sends a non-streaming request with structured output
// enforced via response_format json_schema, then validates the returned
// JSON against req.Schema. A response that does not satisfy the schema
// fails; nothing is coerced.
func (p *Provider) GenerateObject(ctx context.Context, req engram.GenerateRequest) (engram.ObjectResult, error) {
	if len(req.Schema) == 0 {
		return engram.ObjectResult{}, &engram.ErrLLM{Provider: p.name, Message: "generate object: schema is required"}
	}
	body := BuildBody(req.Messages, p.modelFor(req), req.Schema, p.mergeOpts(req)...)
	if p.logger != nil {
		p.logger.Debug("openaicompat: generate object", "model", body.Model, "messages", len(body.Messages))
	}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return engram.ObjectResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engram.ObjectResult{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return engram.ObjectResult{}, &engram.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return engram.ObjectResult{}, &engram.ErrLLM{Provider: p.name, Message: "empty response"}
	}
	msg := chatResp.Choices[0].Message
	if msg.Refusal != "" {
		return engram.ObjectResult{}, &engram.ErrLLM{Provider: p.name, Message: "model refused: " + msg.Refusal}
	}

	object := []byte(msg.Content)
	if err := ValidateSchema(req.Schema, object); err != nil {
		return engram.ObjectResult{}, &engram.ErrLLM{Provider: p.name, Message: err.Error()}
	}

	return engram.ObjectResult{Object: object, Usage: parseUsage(chatResp.Usage)}, nil
}

// StreamText streams text deltas into ch and returns the accumulated text
// with usage. ch is closed before returning on every path.
func (p *Provider) StreamText(ctx context.Context, req engram.GenerateRequest, ch chan<- string) (engram.TextResult, error) {
	body := BuildBody(req.Messages, p.modelFor(req), nil, p.mergeOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}
	if p.logger != nil {
		p.logger.Debug("openaicompat: stream text", "model", body.Model, "messages", len(body.Messages))
	}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return engram.TextResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return engram.TextResult{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// modelFor returns the per-request model override when set, the provider's
// default model otherwise.
func (p *Provider) modelFor(req engram.GenerateRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// mergeOpts returns the provider's base options with per-request overrides
// appended. Per-request values win because options are applied in order
// (last wins).
func (p *Provider) mergeOpts(req engram.GenerateRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+2)
	copy(opts, p.opts)
	if req.Temperature > 0 {
		opts = append(opts, WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(req.MaxTokens))
	}
	return opts
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &engram.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &engram.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &engram.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseUsage converts wire usage to the engram form. A nil usage (some
// providers omit it) yields zeros.
func parseUsage(u *Usage) engram.Usage {
	if u == nil {
		return engram.Usage{}
	}
	return engram.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// Compile-time interface check.
var _ engram.LLM = (*Provider)(nil)
