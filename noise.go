package engram

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// defaultNoiseLLMTimeout caps the optional LLM meaningfulness check. The
// check fails open: on timeout or error the message is kept.
const defaultNoiseLLMTimeout = 2 * time.Second

// NoiseConfig controls which messages the batch pipeline discards before
// any extractor runs.
type NoiseConfig struct {
	// MinMessageLength drops messages shorter than this many characters
	// (runes when LanguageAgnostic is set). 0 disables the check.
	MinMessageLength int
	// CustomPatterns are regexes that drop a message on match. A malformed
	// pattern is logged once and skipped; it never drops a message on its own.
	CustomPatterns []string
	// HeuristicBased enables the repetition heuristic: messages whose
	// words/uniqueWords ratio exceeds PerplexityThreshold are dropped.
	HeuristicBased      bool
	PerplexityThreshold float64
	// LanguageAgnostic switches length and word accounting to Unicode-aware
	// behaviour: content is NFC-normalised and measured in runes.
	LanguageAgnostic bool
	// LLMModel optionally overrides the adapter's default model for the
	// meaningfulness check.
	LLMModel string
	// LLMTimeout bounds the meaningfulness check. 0 means the 2s default.
	LLMTimeout time.Duration
}

// NoiseFilter drops short, repetitive, or pattern-matched messages before
// extraction. An optional LLM pass asks whether borderline content is
// meaningful; any error there keeps the message (fail-open).
type NoiseFilter struct {
	cfg      NoiseConfig
	patterns []*regexp.Regexp
	llm      LLM // nil = no LLM check
	logger   *slog.Logger
}

// NoiseOption configures a NoiseFilter.
type NoiseOption func(*NoiseFilter)

// WithNoiseLLM enables the LLM meaningfulness check using the given adapter.
func WithNoiseLLM(llm LLM) NoiseOption {
	return func(f *NoiseFilter) { f.llm = llm }
}

// WithNoiseLogger sets the structured logger for dropped patterns and
// filter decisions.
func WithNoiseLogger(l *slog.Logger) NoiseOption {
	return func(f *NoiseFilter) { f.logger = l }
}

// NewNoiseFilter compiles cfg.CustomPatterns and returns a filter.
// Invalid patterns are logged at WARN and skipped.
func NewNoiseFilter(cfg NoiseConfig, opts ...NoiseOption) *NoiseFilter {
	f := &NoiseFilter{cfg: cfg, logger: nopLogger}
	for _, opt := range opts {
		opt(f)
	}
	for _, p := range cfg.CustomPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			f.logger.Warn("invalid noise pattern skipped", "pattern", p, "error", err)
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	return f
}

// Filter returns the messages that survive every noise check, in input order.
func (f *NoiseFilter) Filter(ctx context.Context, msgs []MemoryMessage) []MemoryMessage {
	kept := make([]MemoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if ctx.Err() != nil {
			// Cancellation keeps the remainder unfiltered out of the batch.
			return kept
		}
		if f.isNoise(ctx, m) {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// isNoise runs the checks in order; the first to trigger drops the message.
func (f *NoiseFilter) isNoise(ctx context.Context, m MemoryMessage) bool {
	content := m.Content
	if f.cfg.LanguageAgnostic {
		content = norm.NFC.String(content)
	}

	if f.cfg.MinMessageLength > 0 && f.contentLength(content) < f.cfg.MinMessageLength {
		f.logger.Debug("noise: below length floor", "message_id", m.ID, "content", truncateStr(content, 40))
		return true
	}

	for _, re := range f.patterns {
		if re.MatchString(content) {
			f.logger.Debug("noise: pattern match", "message_id", m.ID, "pattern", re.String())
			return true
		}
	}

	if f.cfg.HeuristicBased && f.cfg.PerplexityThreshold > 0 {
		if p := perplexity(content); p > f.cfg.PerplexityThreshold {
			f.logger.Debug("noise: repetitive content", "message_id", m.ID, "perplexity", p)
			return true
		}
	}

	if f.llm != nil && !f.llmMeaningful(ctx, content) {
		f.logger.Debug("noise: llm verdict", "message_id", m.ID)
		return true
	}

	return false
}

// contentLength measures content in runes when language-agnostic, bytes
// otherwise.
func (f *NoiseFilter) contentLength(content string) int {
	if f.cfg.LanguageAgnostic {
		return utf8.RuneCountInString(content)
	}
	return len(content)
}

// perplexity is the words-to-unique-words ratio: 1.0 for fully distinct
// content, growing as the message repeats itself.
func perplexity(content string) float64 {
	words := strings.Fields(strings.ToLower(content))
	if len(words) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(words)) / float64(len(unique))
}

const noiseCheckPrompt = `You judge whether a chat message contains information worth remembering long-term (facts, preferences, events, decisions, instructions).

Answer with exactly one word: YES if the message is meaningful, NO if it is filler, small talk, or noise. No other output.`

// llmMeaningful asks the model whether content is worth extracting.
// Defaults to true on any error, timeout, or ambiguous answer.
func (f *NoiseFilter) llmMeaningful(ctx context.Context, content string) bool {
	timeout := f.cfg.LLMTimeout
	if timeout <= 0 {
		timeout = defaultNoiseLLMTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := CollectText(ctx, f.llm, GenerateRequest{
		Messages: []PromptMessage{
			SystemPrompt(noiseCheckPrompt),
			UserPrompt(content),
		},
		Temperature: 0,
		MaxTokens:   4,
		Model:       f.cfg.LLMModel,
	})
	if err != nil {
		f.logger.Debug("noise llm check failed open", "error", err)
		return true
	}
	answer := strings.ToUpper(strings.TrimSpace(res.Text))
	return !strings.HasPrefix(answer, "NO")
}
