package engram

import "context"

// --- LLM protocol types ---

// PromptMessage is a single message in a model request.
type PromptMessage struct {
	Role    string `json:"role"` // "system" or "user"
	Content string `json:"content"`
}

// SystemPrompt constructs a system-role prompt message.
func SystemPrompt(text string) PromptMessage {
	return PromptMessage{Role: "system", Content: text}
}

// UserPrompt constructs a user-role prompt message.
func UserPrompt(text string) PromptMessage {
	return PromptMessage{Role: "user", Content: text}
}

// GenerateRequest describes one model call.
type GenerateRequest struct {
	Messages    []PromptMessage `json:"messages"`
	Schema      []byte          `json:"schema,omitempty"` // JSON Schema constraining ObjectResult.Object
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Model       string          `json:"model,omitempty"` // override the adapter's default model
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ObjectResult is the outcome of a structured generation call.
// Object is the raw JSON of the schema-validated response.
type ObjectResult struct {
	Object []byte `json:"object"`
	Usage  Usage  `json:"usage"`
}

// TextResult is the outcome of a text generation call.
type TextResult struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// LLM abstracts the model backend consumed by extractors and filters.
type LLM interface {
	// GenerateObject produces a JSON object constrained by req.Schema.
	// Adapters own schema validation and must fail (not silently coerce)
	// when the model output does not satisfy the schema.
	GenerateObject(ctx context.Context, req GenerateRequest) (ObjectResult, error)
	// StreamText streams text chunks into ch, then returns the final
	// accumulated text with usage stats. ch is always closed before returning.
	StreamText(ctx context.Context, req GenerateRequest, ch chan<- string) (TextResult, error)
	// Name returns the provider name (e.g. "openai", "groq").
	Name() string
}

// Embedder abstracts text embedding.
type Embedder interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// CollectText runs StreamText and discards the incremental chunks, returning
// only the final result. Extractors that parse the complete response use this
// instead of wiring their own drain goroutine.
func CollectText(ctx context.Context, llm LLM, req GenerateRequest) (TextResult, error) {
	ch := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()
	res, err := llm.StreamText(ctx, req, ch)
	<-done
	return res, err
}
