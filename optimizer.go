package engram

import (
	"regexp"
	"sync"
)

// Tier names used in extraction plans. "skip" marks messages the budget
// cannot afford.
const (
	PlanTierRules = "rules"
	PlanTierSmall = "small-llm"
	PlanTierLarge = "large-llm"
	PlanTierSkip  = "skip"
)

// longContentChars is the length above which a message is worth the
// premium tier when the budget allows it.
const longContentChars = 500

// TierAssignment maps one message to the tier the optimizer chose for it.
type TierAssignment struct {
	MessageID     string  `json:"message_id"`
	Tier          string  `json:"tier"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// ExtractionPlan is the optimizer's answer: which message goes to which
// tier, and what the whole batch is expected to cost.
type ExtractionPlan struct {
	Assignments   []TierAssignment `json:"assignments"`
	EstimatedCost float64          `json:"estimated_cost"`
	Budget        float64          `json:"budget"` // 0 = unlimited
}

// CostOptimizer assigns messages to extraction tiers under a budget. The
// plan is advisory: it lets callers preview spend and route messages
// before committing to a batch run.
type CostOptimizer struct {
	small Extractor
	large Extractor

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewCostOptimizer creates an optimizer pricing messages with the given
// tier extractors. Either may be nil, which removes that tier from
// consideration.
func NewCostOptimizer(small, large Extractor) *CostOptimizer {
	return &CostOptimizer{
		small:    small,
		large:    large,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Plan walks messages in order and assigns each the best tier the
// remaining budget affords. Messages covered by an active rule go to the
// zero-cost rules tier. Long messages prefer the large tier, falling back
// to small when the budget is short, then to skip.
func (o *CostOptimizer) Plan(msgs []MemoryMessage, rules []ExtractionRule, budget float64) ExtractionPlan {
	plan := ExtractionPlan{
		Assignments: make([]TierAssignment, 0, len(msgs)),
		Budget:      budget,
	}
	for _, m := range msgs {
		a := o.assign(m, rules, budget, plan.EstimatedCost)
		plan.EstimatedCost += a.EstimatedCost
		plan.Assignments = append(plan.Assignments, a)
	}
	return plan
}

func (o *CostOptimizer) assign(m MemoryMessage, rules []ExtractionRule, budget, spent float64) TierAssignment {
	if o.ruleCovers(m.Content, rules) {
		return TierAssignment{MessageID: m.ID, Tier: PlanTierRules}
	}

	wantLarge := len(m.Content) > longContentChars
	if wantLarge && o.large != nil {
		cost := o.large.EstimateCost([]MemoryMessage{m})
		if affordable(budget, spent, cost) {
			return TierAssignment{MessageID: m.ID, Tier: PlanTierLarge, EstimatedCost: cost}
		}
	}
	if o.small != nil {
		cost := o.small.EstimateCost([]MemoryMessage{m})
		if affordable(budget, spent, cost) {
			return TierAssignment{MessageID: m.ID, Tier: PlanTierSmall, EstimatedCost: cost}
		}
	}
	return TierAssignment{MessageID: m.ID, Tier: PlanTierSkip}
}

// ruleCovers reports whether any active rule pattern matches the content.
// Invalid patterns are ignored here; rule creation already validates them.
func (o *CostOptimizer) ruleCovers(content string, rules []ExtractionRule) bool {
	if len(content) > ruleContentCap {
		content = content[:ruleContentCap]
	}
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		re := o.compile(r.Pattern)
		if re != nil && re.MatchString(content) {
			return true
		}
	}
	return false
}

func (o *CostOptimizer) compile(pattern string) *regexp.Regexp {
	o.mu.Lock()
	defer o.mu.Unlock()
	if re, ok := o.patterns[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		o.patterns[pattern] = nil
		return nil
	}
	o.patterns[pattern] = re
	return re
}

func affordable(budget, spent, cost float64) bool {
	return budget <= 0 || spent+cost <= budget
}
