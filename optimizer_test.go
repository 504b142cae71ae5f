package engram

import (
	"math"
	"strings"
	"testing"
)

func TestCostOptimizerPlan(t *testing.T) {
	small := &stubExtractor{tier: PlanTierSmall, cost: 0.01}
	large := &stubExtractor{tier: PlanTierLarge, cost: 0.10}
	o := NewCostOptimizer(small, large)

	rules := []ExtractionRule{
		{ID: "r1", Pattern: `I prefer`, Type: MemorySemantic, IsActive: true},
		{ID: "r2", Pattern: `(`, Type: MemorySemantic, IsActive: true}, // invalid, ignored
		{ID: "r3", Pattern: `inactive`, Type: MemorySemantic, IsActive: false},
	}
	msgs := []MemoryMessage{
		{ID: "m1", Content: "I prefer dark mode"},
		{ID: "m2", Content: strings.Repeat("x", 600)},
		{ID: "m3", Content: "short note"},
		{ID: "m4", Content: "this rule is inactive"},
	}

	plan := o.Plan(msgs, rules, 0)
	want := []string{PlanTierRules, PlanTierLarge, PlanTierSmall, PlanTierSmall}
	for i, a := range plan.Assignments {
		if a.Tier != want[i] {
			t.Errorf("assignment %s = %s, want %s", a.MessageID, a.Tier, want[i])
		}
	}
	if plan.Assignments[0].EstimatedCost != 0 {
		t.Error("rule-covered messages must cost nothing")
	}
	if math.Abs(plan.EstimatedCost-0.12) > 1e-9 {
		t.Errorf("total = %v, want 0.12", plan.EstimatedCost)
	}
	if plan.Budget != 0 {
		t.Errorf("budget = %v, want 0", plan.Budget)
	}
}

func TestCostOptimizerBudgetForcesSmallThenSkip(t *testing.T) {
	small := &stubExtractor{tier: PlanTierSmall, cost: 0.25}
	large := &stubExtractor{tier: PlanTierLarge, cost: 2.0}
	o := NewCostOptimizer(small, large)

	long := strings.Repeat("x", 600)
	msgs := []MemoryMessage{
		{ID: "m1", Content: long},
		{ID: "m2", Content: long},
		{ID: "m3", Content: long},
	}

	// 2.5 affords one large pass plus two small ones.
	plan := o.Plan(msgs, nil, 2.5)
	want := []string{PlanTierLarge, PlanTierSmall, PlanTierSmall}
	for i, a := range plan.Assignments {
		if a.Tier != want[i] {
			t.Errorf("assignment %s = %s, want %s", a.MessageID, a.Tier, want[i])
		}
	}

	plan = o.Plan(msgs, nil, 2.1)
	want = []string{PlanTierLarge, PlanTierSkip, PlanTierSkip}
	for i, a := range plan.Assignments {
		if a.Tier != want[i] {
			t.Errorf("tight budget: assignment %s = %s, want %s", a.MessageID, a.Tier, want[i])
		}
	}
}

func TestCostOptimizerWithoutLargeTier(t *testing.T) {
	small := &stubExtractor{tier: PlanTierSmall, cost: 0.01}
	o := NewCostOptimizer(small, nil)

	plan := o.Plan([]MemoryMessage{{ID: "m1", Content: strings.Repeat("x", 600)}}, nil, 0)
	if plan.Assignments[0].Tier != PlanTierSmall {
		t.Errorf("tier = %s, want small when no large tier is configured", plan.Assignments[0].Tier)
	}
}

func TestCostOptimizerNoTiers(t *testing.T) {
	o := NewCostOptimizer(nil, nil)
	plan := o.Plan([]MemoryMessage{{ID: "m1", Content: "anything"}}, nil, 0)
	if plan.Assignments[0].Tier != PlanTierSkip {
		t.Errorf("tier = %s, want skip with no extractors", plan.Assignments[0].Tier)
	}
}

func TestAffordable(t *testing.T) {
	tests := []struct {
		budget, spent, cost float64
		want                bool
	}{
		{0, 100, 100, true}, // 0 = unlimited
		{-1, 5, 5, true},
		{1.0, 0.5, 0.5, true}, // exactly at budget
		{1.0, 0.6, 0.5, false},
	}
	for _, tt := range tests {
		if got := affordable(tt.budget, tt.spent, tt.cost); got != tt.want {
			t.Errorf("affordable(%v, %v, %v) = %v, want %v", tt.budget, tt.spent, tt.cost, got, tt.want)
		}
	}
}
