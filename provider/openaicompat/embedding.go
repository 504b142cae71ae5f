package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/engram"
)

// Embedding implements engram.Embedder over the OpenAI embeddings API.
// The /embeddings path is appended to baseURL automatically.
type Embedding struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	name       string
	dimensions int
}

// EmbeddingOption configures an Embedding instance.
type EmbeddingOption func(*Embedding)

// WithEmbeddingName sets the provider name returned by Name() (default "openai").
func WithEmbeddingName(name string) EmbeddingOption {
	return func(e *Embedding) { e.name = name }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *Embedding) { e.client = c }
}

// NewEmbedding creates an OpenAI-compatible embedding provider.
// dimensions must match the chosen model's output size
// (e.g. 1536 for text-embedding-3-small).
func NewEmbedding(apiKey, model, baseURL string, dimensions int, opts ...EmbeddingOption) *Embedding {
	e := &Embedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		client:     &http.Client{},
		name:       "openai",
		dimensions: dimensions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the provider name.
func (e *Embedding) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *Embedding) Dimensions() int { return e.dimensions }

// Embed returns one vector per input text, in input order. Providers may
// return data out of order; results are reassembled by index.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(EmbeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, &engram.ErrLLM{Provider: e.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &engram.ErrLLM{Provider: e.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &engram.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &engram.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Data) != len(texts) {
		return nil, &engram.ErrLLM{Provider: e.name, Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(out.Data))}
	}

	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, &engram.ErrLLM{Provider: e.name, Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Compile-time interface check.
var _ engram.Embedder = (*Embedding)(nil)
