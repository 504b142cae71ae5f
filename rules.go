package engram

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Extractor is a pluggable memory extraction strategy. Implementations must
// confine per-message failures: a bad model response or a pattern timeout
// yields an empty slice, not an error that stops the batch.
type Extractor interface {
	// Extract mines memories out of a single message.
	Extract(ctx context.Context, msg MemoryMessage, ectx ExtractionContext) ([]Memory, error)
	// EstimateCost predicts the USD cost of extracting from msgs,
	// approximated as totalChars/4 tokens times the per-memory price.
	EstimateCost(msgs []MemoryMessage) float64
	// Type identifies the strategy: "rules", "small-llm", "large-llm", or "prime".
	Type() string
}

// ExtractionContext carries per-call state shared by every extractor tier.
type ExtractionContext struct {
	UserID  string
	AgentID string
	Rules   []ExtractionRule
	// Tier overrides PRIME's automatic tier selection for this call.
	// Empty means select automatically.
	Tier string
}

// ActiveRules returns the subset of Rules with IsActive set, in order.
func (c ExtractionContext) ActiveRules() []ExtractionRule {
	out := make([]ExtractionRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// --- Rule persistence ---

// SaveExtractionRule validates and upserts a rule into the per-agent rule
// list. An unparsable pattern or out-of-range importance fails with
// ErrInvalidArgument before anything is written.
func SaveExtractionRule(ctx context.Context, st Storage, userID, agentID string, rule ExtractionRule) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is empty", ErrInvalidArgument)
	}
	if rule.Pattern == "" {
		return fmt.Errorf("%w: rule pattern is empty", ErrInvalidArgument)
	}
	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return fmt.Errorf("%w: rule pattern %q: %v", ErrInvalidArgument, rule.Pattern, err)
	}
	if rule.Importance < 0 || rule.Importance > 1 {
		return fmt.Errorf("%w: rule importance %v out of [0,1]", ErrInvalidArgument, rule.Importance)
	}
	if rule.ID == "" {
		rule.ID = NewID()
	}

	rules, _, err := GetJSON[[]ExtractionRule](ctx, st, RulesKey(userID, agentID))
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range rules {
		if r.ID == rule.ID {
			rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		rules = append(rules, rule)
	}
	return SetJSON(ctx, st, RulesKey(userID, agentID), rules, 0)
}

// LoadExtractionRules returns the rule list for an agent; absent means empty.
func LoadExtractionRules(ctx context.Context, st Storage, userID, agentID string) ([]ExtractionRule, error) {
	rules, _, err := GetJSON[[]ExtractionRule](ctx, st, RulesKey(userID, agentID))
	return rules, err
}

// DeleteExtractionRule removes one rule by id, reporting whether it existed.
func DeleteExtractionRule(ctx context.Context, st Storage, userID, agentID, ruleID string) (bool, error) {
	rules, ok, err := GetJSON[[]ExtractionRule](ctx, st, RulesKey(userID, agentID))
	if err != nil || !ok {
		return false, err
	}
	kept := rules[:0]
	found := false
	for _, r := range rules {
		if r.ID == ruleID {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return false, nil
	}
	return true, SetJSON(ctx, st, RulesKey(userID, agentID), kept, 0)
}

// --- Rule-based extraction ---

const (
	// ruleMatchTimeout is the wall-clock cap per pattern per message. Go's
	// RE2 engine runs in linear time, so the timer is a hard stop for
	// pathological inputs rather than an expected path.
	ruleMatchTimeout = 100 * time.Millisecond
	// ruleContentCap bounds how much of a message a pattern ever sees.
	ruleContentCap = 10000
)

// RuleBasedExtractor applies the user's regex rules to messages at zero LLM
// cost. Pattern execution is bounded in both input size and wall-clock time;
// a pattern that misbehaves is reported once and yields no matches.
type RuleBasedExtractor struct {
	logger  *slog.Logger
	tracker *CostTracker // nil = no cost records
	clock   func() int64

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	reported map[string]struct{} // rule ids already warned about
}

// RuleExtractorOption configures a RuleBasedExtractor.
type RuleExtractorOption func(*RuleBasedExtractor)

// WithRuleLogger sets the structured logger for pattern failures.
func WithRuleLogger(l *slog.Logger) RuleExtractorOption {
	return func(e *RuleBasedExtractor) { e.logger = l }
}

// WithRuleCostTracker records a zero-cost entry per extraction so batch
// accounting covers every tier, including the free one.
func WithRuleCostTracker(t *CostTracker) RuleExtractorOption {
	return func(e *RuleBasedExtractor) { e.tracker = t }
}

// NewRuleExtractor creates a RuleBasedExtractor. Rules arrive per call via
// ExtractionContext; compiled patterns are cached across calls.
func NewRuleExtractor(opts ...RuleExtractorOption) *RuleBasedExtractor {
	e := &RuleBasedExtractor{
		logger:   nopLogger,
		clock:    NowUnixMilli,
		compiled: make(map[string]*regexp.Regexp),
		reported: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *RuleBasedExtractor) Type() string { return "rules" }

// EstimateCost is always zero: rules never consume model tokens.
func (e *RuleBasedExtractor) EstimateCost([]MemoryMessage) float64 { return 0 }

// Extract runs every active rule against the message and returns one memory
// per match. Invalid or timed-out patterns are skipped.
func (e *RuleBasedExtractor) Extract(ctx context.Context, msg MemoryMessage, ectx ExtractionContext) ([]Memory, error) {
	content := msg.Content
	if len(content) > ruleContentCap {
		content = content[:ruleContentCap]
	}

	var memories []Memory
	now := e.clock()
	for _, rule := range ectx.ActiveRules() {
		re := e.compile(rule)
		if re == nil {
			continue
		}
		matches, ok := e.matchWithTimeout(ctx, rule, re, content)
		if !ok {
			continue
		}
		for _, m := range matches {
			text := m[0]
			if len(m) > 1 && m[1] != "" {
				text = m[1]
			}
			text = cleanCapture(text)
			if text == "" {
				continue
			}
			memories = append(memories, Memory{
				ID:               NewID(),
				UserID:           ectx.UserID,
				AgentID:          ectx.AgentID,
				Content:          text,
				Type:             rule.Type,
				Importance:       rule.Importance,
				Resonance:        1.0,
				CreatedAt:        msg.Timestamp,
				LastAccessedAt:   msg.Timestamp,
				UpdatedAt:        now,
				Keywords:         append([]string(nil), rule.Tags...),
				SourceMessageIDs: []string{msg.ID},
				Metadata:         ruleMetadata(rule, "rules"),
			})
		}
	}

	if e.tracker != nil {
		e.tracker.Record(ctx, CostRecord{
			AgentID:           ectx.AgentID,
			ExtractorType:     e.Type(),
			Cost:              0,
			MemoriesExtracted: len(memories),
			MessagesProcessed: 1,
		})
	}
	return memories, nil
}

// compile returns the cached regexp for rule, or nil after reporting an
// invalid pattern once.
func (e *RuleBasedExtractor) compile(rule ExtractionRule) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.compiled[rule.Pattern]; ok {
		return re
	}
	if _, bad := e.reported[rule.ID]; bad {
		return nil
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		e.reported[rule.ID] = struct{}{}
		e.logger.Warn("invalid extraction rule pattern",
			"rule_id", rule.ID,
			"pattern", rule.Pattern,
			"error", err)
		return nil
	}
	e.compiled[rule.Pattern] = re
	return re
}

// matchWithTimeout runs the pattern under the wall-clock cap. On timeout the
// rule is reported once and treated as non-matching; the scan goroutine is
// left to finish on its own (RE2 guarantees it terminates).
func (e *RuleBasedExtractor) matchWithTimeout(ctx context.Context, rule ExtractionRule, re *regexp.Regexp, content string) ([][]string, bool) {
	type result struct{ matches [][]string }
	ch := make(chan result, 1)
	go func() {
		ch <- result{re.FindAllStringSubmatch(content, -1)}
	}()

	timer := time.NewTimer(ruleMatchTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.matches, true
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		e.mu.Lock()
		_, seen := e.reported[rule.ID]
		e.reported[rule.ID] = struct{}{}
		e.mu.Unlock()
		if !seen {
			e.logger.Warn("extraction rule pattern timed out",
				"rule_id", rule.ID,
				"pattern", rule.Pattern,
				"timeout", ruleMatchTimeout)
		}
		return nil, false
	}
}

// cleanCapture collapses whitespace and strips leading/trailing
// non-alphanumeric runes from a captured match.
func cleanCapture(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ruleMetadata builds the metadata block propagated from a rule into the
// memories it produces. Lifecycle code reads these keys back.
func ruleMetadata(rule ExtractionRule, extractor string) map[string]any {
	md := map[string]any{
		"extractor": extractor,
		"ruleId":    rule.ID,
	}
	if rule.NeverDecay {
		md["neverDecay"] = true
	}
	if rule.CustomHalfLife > 0 {
		md["customHalfLife"] = rule.CustomHalfLife
	}
	if rule.Reinforceable {
		md["reinforceable"] = true
	}
	return md
}

// compile-time check
var _ Extractor = (*RuleBasedExtractor)(nil)
