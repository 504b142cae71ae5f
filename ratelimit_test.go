package engram

import (
	"context"
	"testing"
	"time"
)

// --- RPM tests ---

func TestWithRateLimit_RPM_AllowsWithinLimit(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{"v":"a"}`)},
		{object: []byte(`{"v":"b"}`)},
	}}
	llm := WithRateLimit(stub, RPM(60))

	res, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Object) != `{"v":"a"}` {
		t.Errorf("got %q, want %q", res.Object, `{"v":"a"}`)
	}
}

func TestWithRateLimit_RPM_BlocksWhenExceeded(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{}`)},
		{object: []byte(`{}`)},
	}}
	// RPM(1) = 1 request per minute. Second call should block.
	llm := WithRateLimit(stub, RPM(1))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}

	// Second call with a short-lived context should time out.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = llm.GenerateObject(ctx, GenerateRequest{})
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimit_Name(t *testing.T) {
	llm := WithRateLimit(&stubLLM{}, RPM(10))
	if llm.Name() != "stub" {
		t.Errorf("Name() = %q, want %q", llm.Name(), "stub")
	}
}

// --- TPM tests ---

func TestWithRateLimit_TPM_AllowsWithinLimit(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{}`), usage: Usage{InputTokens: 100, OutputTokens: 50}},
		{object: []byte(`{}`), usage: Usage{InputTokens: 100, OutputTokens: 50}},
	}}
	llm := WithRateLimit(stub, TPM(1000))

	// First call: 150 tokens, well within 1000 TPM.
	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	// Second call: 300 total, still within 1000.
	_, err = llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRateLimit_TPM_BlocksWhenExceeded(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{}`), usage: Usage{InputTokens: 500, OutputTokens: 500}},
		{object: []byte(`{}`), usage: Usage{InputTokens: 100, OutputTokens: 100}},
	}}
	// TPM(1000). First call uses 1000 tokens = at limit.
	llm := WithRateLimit(stub, TPM(1000))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}

	// Second call should block (1000 tokens already used in this minute).
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = llm.GenerateObject(ctx, GenerateRequest{})
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
}

func TestWithRateLimit_RPMAndTPM(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{}`), usage: Usage{InputTokens: 10, OutputTokens: 10}},
		{object: []byte(`{}`), usage: Usage{InputTokens: 10, OutputTokens: 10}},
	}}
	// RPM high, TPM low — TPM becomes the bottleneck once the first call
	// fills the budget.
	llm := WithRateLimit(stub, RPM(100), TPM(20))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}

	// First call used 20 tokens = at TPM limit. Second should block.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = llm.GenerateObject(ctx, GenerateRequest{})
	if err == nil {
		t.Fatal("expected timeout due to TPM limit")
	}
}

// --- StreamText tests ---

func TestWithRateLimit_StreamText(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{tokens: []string{"hel", "lo"}, text: "hello", usage: Usage{InputTokens: 30, OutputTokens: 20}},
	}}
	llm := WithRateLimit(stub, RPM(60), TPM(1000))

	ch := make(chan string, 8)
	res, err := llm.StreamText(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello" {
		t.Errorf("got %q, want %q", res.Text, "hello")
	}
	var got string
	for tok := range ch {
		got += tok
	}
	if got != "hello" {
		t.Errorf("streamed %q, want %q", got, "hello")
	}
}

func TestWithRateLimit_StreamText_BlockedClosesChannel(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{}`)},
	}}
	llm := WithRateLimit(stub, RPM(1))

	if _, err := llm.GenerateObject(context.Background(), GenerateRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ch := make(chan string, 8)
	_, err := llm.StreamText(ctx, GenerateRequest{}, ch)
	if err == nil {
		t.Fatal("expected context deadline exceeded, got nil")
	}
	// The channel must be closed even when the budget wait fails.
	if _, open := <-ch; open {
		t.Error("channel left open after rate limit failure")
	}
}
