package engram

import (
	"context"
	"testing"
	"time"
)

// --- GenerateObject tests ---

func TestWithRetry_GenerateObject_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{object: []byte(`{"ok":true}`)},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	res, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Object) != `{"ok":true}` {
		t.Errorf("got %q, want %q", res.Object, `{"ok":true}`)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_GenerateObject_RetriesOn503(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 503, Body: "unavailable"}},
		{object: []byte(`{"ok":true}`)},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	res, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Object) != `{"ok":true}` {
		t.Errorf("got %q, want %q", res.Object, `{"ok":true}`)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_GenerateObject_RetriesOn429(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{object: []byte(`{}`)},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_GenerateObject_DoesNotRetryNonTransient(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 500, Body: "internal error"}},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for 500)", stub.calls)
	}
}

func TestWithRetry_GenerateObject_ExhaustsMaxAttempts(t *testing.T) {
	transient := stubLLMResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &stubLLM{results: []stubLLMResult{transient, transient, transient, transient}}
	llm := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err == nil {
		t.Fatal("expected error after max attempts, got nil")
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

// --- StreamText tests ---

func TestWithRetry_StreamText_RetriesOn503(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 503}},
		{tokens: []string{"hel", "lo"}, text: "hello"},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan string, 8)
	res, err := llm.StreamText(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("got text %q, want %q", res.Text, "hello")
	}
	var got string
	for tok := range ch {
		got += tok
	}
	if got != "hello" {
		t.Errorf("got tokens %q, want %q", got, "hello")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_StreamText_NoRetryAfterTokensSent(t *testing.T) {
	// Tokens sent before the 503 — must not retry (can't unsend tokens).
	stub := &stubLLM{results: []stubLLMResult{
		{tokens: []string{"partial"}, err: &ErrHTTP{Status: 503}},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan string, 8)
	_, err := llm.StreamText(context.Background(), GenerateRequest{}, ch)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry after tokens sent)", stub.calls)
	}
}

// --- RetryAfter tests ---

func TestWithRetry_GenerateObject_RespectsRetryAfter(t *testing.T) {
	// Server says wait 100ms via Retry-After. Verify the retry waits at
	// least that long even when base delay is 0.
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited", RetryAfter: 100 * time.Millisecond}},
		{object: []byte(`{}`)},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~100ms from Retry-After", elapsed)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_StreamText_RespectsRetryAfter(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{tokens: []string{"ok"}, text: "ok"},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	ch := make(chan string, 8)
	_, err := llm.StreamText(context.Background(), GenerateRequest{}, ch)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed < 80*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~100ms from Retry-After", elapsed)
	}
}

// --- RetryTimeout tests ---

func TestWithRetry_GenerateObject_TimeoutExceeded(t *testing.T) {
	// Transient errors with 100ms Retry-After each. A 50ms timeout should
	// cause the retry loop to give up during the first wait.
	transient := stubLLMResult{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}}
	stub := &stubLLM{results: []stubLLMResult{transient, transient, {object: []byte(`{}`)}}}
	llm := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(50*time.Millisecond))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err == nil {
		t.Fatal("expected error due to timeout, got nil")
	}
	if stub.calls > 2 {
		t.Errorf("got %d calls, expected at most 2 with 50ms timeout", stub.calls)
	}
}

func TestWithRetry_GenerateObject_TimeoutAllowsSuccess(t *testing.T) {
	stub := &stubLLM{results: []stubLLMResult{
		{err: &ErrHTTP{Status: 503}},
		{object: []byte(`{}`)},
	}}
	llm := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(5*time.Second))

	_, err := llm.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

// --- Embedding retry tests ---

// flakyEmbedder fails with errs[i] on call i, then succeeds.
type flakyEmbedder struct {
	calls int
	errs  []error
}

func (f *flakyEmbedder) Name() string    { return "flaky" }
func (f *flakyEmbedder) Dimensions() int { return 3 }

func (f *flakyEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	out := make([][]float32, len(texts))
	for j := range out {
		out[j] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestWithEmbeddingRetry_RetriesOn429(t *testing.T) {
	flaky := &flakyEmbedder{errs: []error{&ErrHTTP{Status: 429}}}
	e := WithEmbeddingRetry(flaky, RetryBaseDelay(0))

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("got %d vectors, want 2", len(vecs))
	}
	if flaky.calls != 2 {
		t.Errorf("got %d calls, want 2", flaky.calls)
	}
}

func TestWithEmbeddingRetry_DoesNotRetryNonTransient(t *testing.T) {
	flaky := &flakyEmbedder{errs: []error{&ErrHTTP{Status: 401, Body: "unauthorized"}}}
	e := WithEmbeddingRetry(flaky, RetryBaseDelay(0))

	_, err := e.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if flaky.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for 401)", flaky.calls)
	}
}

func TestWithEmbeddingRetry_Passthrough(t *testing.T) {
	e := WithEmbeddingRetry(&flakyEmbedder{})
	if e.Name() != "flaky" {
		t.Errorf("got name %q, want %q", e.Name(), "flaky")
	}
	if e.Dimensions() != 3 {
		t.Errorf("got dimensions %d, want 3", e.Dimensions())
	}
}
