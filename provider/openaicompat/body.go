package openaicompat

import "github.com/nevindra/engram"

// BuildBody converts engram prompt messages and a model name into an
// OpenAI-format ChatRequest. Options configure generation parameters
// (temperature, top_p, etc.).
func BuildBody(messages []engram.PromptMessage, model string, schema []byte, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	// Structured output: enforce JSON response matching the schema.
	if len(schema) > 0 {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "response",
				Schema: schema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}
