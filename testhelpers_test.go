package engram

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Storage for tests. TTLs are recorded, not
// enforced. failN injects that many one-shot failures across Get/List;
// failPrefix makes Set and Delete fail for matching keys.
type memStore struct {
	mu         sync.Mutex
	entries    map[string][]byte
	ttls       map[string]time.Duration
	failN      int
	failPrefix string
}

var errStoreFail = errors.New("injected storage failure")

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
	}
}

func (s *memStore) countdown() error {
	if s.failN > 0 {
		s.failN--
		return errStoreFail
	}
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.countdown(); err != nil {
		return nil, false, err
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.countdown(); err != nil {
		return err
	}
	if s.failPrefix != "" && strings.HasPrefix(key, s.failPrefix) {
		return errStoreFail
	}
	s.entries[key] = append([]byte(nil), value...)
	s.ttls[key] = ttl
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.countdown(); err != nil {
		return false, err
	}
	if s.failPrefix != "" && strings.HasPrefix(key, s.failPrefix) {
		return false, errStoreFail
	}
	_, ok := s.entries[key]
	delete(s.entries, key)
	delete(s.ttls, key)
	return ok, nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.countdown(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Storage = (*memStore)(nil)

// seedMemory stores m for (userID, agentID), failing the test on error.
func seedMemory(t *testing.T, st Storage, userID, agentID string, m Memory) {
	t.Helper()
	if err := storeMemory(context.Background(), st, userID, agentID, m); err != nil {
		t.Fatalf("seed memory %s: %v", m.ID, err)
	}
}

func fixedClock(ms int64) func() int64 {
	return func() int64 { return ms }
}

// --- LLM stubs (shared across extractor, prime, noise, retry, ratelimit tests) ---

// stubLLM is a test LLM returning pre-configured results in order. Both
// methods share the same result queue via a common call counter.
type stubLLM struct {
	mu      sync.Mutex
	calls   int
	results []stubLLMResult
	lastReq GenerateRequest
}

type stubLLMResult struct {
	object []byte   // GenerateObject payload
	text   string   // StreamText final text
	tokens []string // tokens written to ch; nil streams text as one token
	usage  Usage
	err    error
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) next(req GenerateRequest) stubLLMResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubLLMResult{}
}

func (s *stubLLM) GenerateObject(_ context.Context, req GenerateRequest) (ObjectResult, error) {
	r := s.next(req)
	if r.err != nil {
		return ObjectResult{}, r.err
	}
	return ObjectResult{Object: r.object, Usage: r.usage}, nil
}

func (s *stubLLM) StreamText(_ context.Context, req GenerateRequest, ch chan<- string) (TextResult, error) {
	defer close(ch)
	r := s.next(req)
	tokens := r.tokens
	if tokens == nil && r.text != "" {
		tokens = []string{r.text}
	}
	for _, tok := range tokens {
		ch <- tok
	}
	if r.err != nil {
		return TextResult{}, r.err
	}
	return TextResult{Text: r.text, Usage: r.usage}, nil
}

var _ LLM = (*stubLLM)(nil)

// stubEmbedder returns fixed vectors keyed by exact input text. Unknown
// texts get a zero vector.
type stubEmbedder struct {
	vecs map[string][]float32
	dim  int
	err  error
}

func (s *stubEmbedder) Name() string    { return "stub-embed" }
func (s *stubEmbedder) Dimensions() int { return s.dim }

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := s.vecs[text]; ok {
			out[i] = v
		} else {
			out[i] = make([]float32, s.dim)
		}
	}
	return out, nil
}

var _ Embedder = (*stubEmbedder)(nil)

// --- Extractor stub (shared across batch and optimizer tests) ---

// stubExtractor is a scripted Extractor that records which messages it
// saw. The default behaviour yields one memory per message.
type stubExtractor struct {
	tier string
	cost float64 // per-message estimate
	err  error
	mems func(msg MemoryMessage) []Memory

	mu   sync.Mutex
	seen []string // message ids in call order
}

func (s *stubExtractor) Type() string { return s.tier }

func (s *stubExtractor) EstimateCost(msgs []MemoryMessage) float64 {
	return s.cost * float64(len(msgs))
}

func (s *stubExtractor) Extract(_ context.Context, msg MemoryMessage, ectx ExtractionContext) ([]Memory, error) {
	s.mu.Lock()
	s.seen = append(s.seen, msg.ID)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.mems != nil {
		return s.mems(msg), nil
	}
	return []Memory{{
		ID:         NewID(),
		UserID:     ectx.UserID,
		AgentID:    ectx.AgentID,
		Content:    s.tier + ": " + msg.Content,
		Type:       MemorySemantic,
		Importance: 0.5,
		Resonance:  1.0,
		CreatedAt:  msg.Timestamp,
	}}, nil
}

func (s *stubExtractor) seenIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

var _ Extractor = (*stubExtractor)(nil)
