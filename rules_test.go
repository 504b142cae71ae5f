package engram

import (
	"context"
	"errors"
	"testing"
)

// --- Rule persistence tests ---

func TestSaveExtractionRuleValidation(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	tests := []struct {
		name   string
		userID string
		rule   ExtractionRule
	}{
		{"empty user", "", ExtractionRule{Pattern: "x", Importance: 0.5}},
		{"empty pattern", "u1", ExtractionRule{Importance: 0.5}},
		{"invalid regex", "u1", ExtractionRule{Pattern: "(", Importance: 0.5}},
		{"importance too high", "u1", ExtractionRule{Pattern: "x", Importance: 1.5}},
		{"importance negative", "u1", ExtractionRule{Pattern: "x", Importance: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SaveExtractionRule(ctx, st, tt.userID, "a1", tt.rule)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
	// Nothing was written.
	rules, err := LoadExtractionRules(ctx, st, "u1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("got %d rules, want 0", len(rules))
	}
}

func TestSaveExtractionRuleUpsert(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	rule := ExtractionRule{Pattern: `I prefer (.+)`, Type: MemorySemantic, Importance: 0.8, IsActive: true}
	if err := SaveExtractionRule(ctx, st, "u1", "a1", rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules, err := LoadExtractionRules(ctx, st, "u1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	if rules[0].ID == "" {
		t.Error("rule should get an id on save")
	}

	// Same id replaces in place.
	updated := rules[0]
	updated.Importance = 0.4
	if err := SaveExtractionRule(ctx, st, "u1", "a1", updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules, _ = LoadExtractionRules(ctx, st, "u1", "a1")
	if len(rules) != 1 {
		t.Fatalf("after upsert got %d rules, want 1", len(rules))
	}
	if rules[0].Importance != 0.4 {
		t.Errorf("Importance = %v, want 0.4", rules[0].Importance)
	}

	// A new id appends.
	if err := SaveExtractionRule(ctx, st, "u1", "a1", ExtractionRule{Pattern: "deadline", Importance: 0.6}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules, _ = LoadExtractionRules(ctx, st, "u1", "a1")
	if len(rules) != 2 {
		t.Errorf("got %d rules, want 2", len(rules))
	}
}

func TestDeleteExtractionRule(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	rule := ExtractionRule{ID: "r1", Pattern: "x", Importance: 0.5}
	if err := SaveExtractionRule(ctx, st, "u1", "a1", rule); err != nil {
		t.Fatal(err)
	}

	found, err := DeleteExtractionRule(ctx, st, "u1", "a1", "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Error("delete should report the rule existed")
	}
	if found, _ := DeleteExtractionRule(ctx, st, "u1", "a1", "r1"); found {
		t.Error("second delete should report absence")
	}
	rules, _ := LoadExtractionRules(ctx, st, "u1", "a1")
	if len(rules) != 0 {
		t.Errorf("got %d rules after delete, want 0", len(rules))
	}
}

func TestLoadExtractionRulesAbsent(t *testing.T) {
	rules, err := LoadExtractionRules(context.Background(), newMemStore(), "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("got %d rules, want 0", len(rules))
	}
}

// --- Rule-based extraction tests ---

func TestRuleExtractorCaptureGroup(t *testing.T) {
	e := NewRuleExtractor()
	e.clock = fixedClock(5000)
	msg := MemoryMessage{ID: "msg-1", Content: "I prefer dark mode.", Timestamp: 4000}
	ectx := ExtractionContext{
		UserID:  "u1",
		AgentID: "a1",
		Rules: []ExtractionRule{{
			ID:         "r1",
			Pattern:    `I prefer (.+)`,
			Type:       MemorySemantic,
			Importance: 0.8,
			Tags:       []string{"preference"},
			IsActive:   true,
		}},
	}

	mems, err := e.Extract(context.Background(), msg, ectx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories, want 1", len(mems))
	}
	m := mems[0]
	if m.Content != "dark mode" {
		t.Errorf("Content = %q, want %q (captured and cleaned)", m.Content, "dark mode")
	}
	if m.Type != MemorySemantic {
		t.Errorf("Type = %q, want semantic", m.Type)
	}
	if m.Importance != 0.8 {
		t.Errorf("Importance = %v, want 0.8", m.Importance)
	}
	if m.Resonance != 1.0 {
		t.Errorf("Resonance = %v, want 1.0", m.Resonance)
	}
	if m.CreatedAt != 4000 || m.LastAccessedAt != 4000 {
		t.Errorf("timestamps anchored to message: created=%d accessed=%d, want 4000", m.CreatedAt, m.LastAccessedAt)
	}
	if m.UpdatedAt != 5000 {
		t.Errorf("UpdatedAt = %d, want 5000", m.UpdatedAt)
	}
	if len(m.Keywords) != 1 || m.Keywords[0] != "preference" {
		t.Errorf("Keywords = %v, want [preference]", m.Keywords)
	}
	if len(m.SourceMessageIDs) != 1 || m.SourceMessageIDs[0] != "msg-1" {
		t.Errorf("SourceMessageIDs = %v, want [msg-1]", m.SourceMessageIDs)
	}
	if m.Metadata["extractor"] != "rules" || m.Metadata["ruleId"] != "r1" {
		t.Errorf("Metadata = %v, want extractor=rules ruleId=r1", m.Metadata)
	}
}

func TestRuleExtractorWholeMatchWithoutGroup(t *testing.T) {
	e := NewRuleExtractor()
	ectx := ExtractionContext{
		UserID:  "u1",
		AgentID: "a1",
		Rules:   []ExtractionRule{{ID: "r1", Pattern: `deadline`, Type: MemoryWorking, Importance: 0.5, IsActive: true}},
	}
	mems, err := e.Extract(context.Background(), MemoryMessage{ID: "m", Content: "the deadline is friday"}, ectx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || mems[0].Content != "deadline" {
		t.Errorf("got %v, want one memory %q", mems, "deadline")
	}
}

func TestRuleExtractorMultipleMatches(t *testing.T) {
	e := NewRuleExtractor()
	ectx := ExtractionContext{
		Rules: []ExtractionRule{{ID: "r1", Pattern: `order (\d+)`, Type: MemoryEpisodic, Importance: 0.5, IsActive: true}},
	}
	mems, err := e.Extract(context.Background(), MemoryMessage{ID: "m", Content: "order 12 then order 34"}, ectx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 2 {
		t.Fatalf("got %d memories, want 2", len(mems))
	}
	if mems[0].Content != "12" || mems[1].Content != "34" {
		t.Errorf("contents = %q, %q; want 12, 34", mems[0].Content, mems[1].Content)
	}
}

func TestRuleExtractorSkipsInactiveAndInvalid(t *testing.T) {
	e := NewRuleExtractor()
	ectx := ExtractionContext{
		Rules: []ExtractionRule{
			{ID: "off", Pattern: `dark`, Type: MemorySemantic, Importance: 0.5, IsActive: false},
			{ID: "bad", Pattern: `(`, Type: MemorySemantic, Importance: 0.5, IsActive: true},
		},
	}
	mems, err := e.Extract(context.Background(), MemoryMessage{ID: "m", Content: "dark mode"}, ectx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 0 {
		t.Errorf("got %d memories, want 0", len(mems))
	}
}

func TestRuleExtractorCancelledContext(t *testing.T) {
	e := NewRuleExtractor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ectx := ExtractionContext{
		Rules: []ExtractionRule{{ID: "r1", Pattern: `dark`, Type: MemorySemantic, Importance: 0.5, IsActive: true}},
	}
	mems, err := e.Extract(ctx, MemoryMessage{ID: "m", Content: "dark mode"}, ectx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 0 {
		t.Errorf("got %d memories after cancellation, want 0", len(mems))
	}
}

func TestRuleExtractorPlantsDecayMetadata(t *testing.T) {
	e := NewRuleExtractor()
	ectx := ExtractionContext{
		Rules: []ExtractionRule{{
			ID:             "r1",
			Pattern:        `dark`,
			Type:           MemorySemantic,
			Importance:     0.5,
			IsActive:       true,
			NeverDecay:     true,
			CustomHalfLife: 3.5,
			Reinforceable:  true,
		}},
	}
	mems, err := e.Extract(context.Background(), MemoryMessage{ID: "m", Content: "dark mode"}, ectx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories, want 1", len(mems))
	}
	md := mems[0].Metadata
	if md["neverDecay"] != true {
		t.Error("neverDecay flag should propagate to the memory")
	}
	if md["customHalfLife"] != 3.5 {
		t.Errorf("customHalfLife = %v, want 3.5", md["customHalfLife"])
	}
	if md["reinforceable"] != true {
		t.Error("reinforceable flag should propagate to the memory")
	}
}

func TestRuleExtractorZeroCost(t *testing.T) {
	tracker := NewCostTracker()
	e := NewRuleExtractor(WithRuleCostTracker(tracker))
	if got := e.EstimateCost([]MemoryMessage{{Content: "anything at all"}}); got != 0 {
		t.Errorf("EstimateCost = %v, want 0", got)
	}
	if e.Type() != "rules" {
		t.Errorf("Type() = %q, want %q", e.Type(), "rules")
	}

	ectx := ExtractionContext{
		AgentID: "a1",
		Rules:   []ExtractionRule{{ID: "r1", Pattern: `dark`, Type: MemorySemantic, Importance: 0.5, IsActive: true}},
	}
	if _, err := e.Extract(context.Background(), MemoryMessage{ID: "m", Content: "dark mode"}, ectx); err != nil {
		t.Fatal(err)
	}
	recs := tracker.Records("a1")
	if len(recs) != 1 {
		t.Fatalf("got %d cost records, want 1", len(recs))
	}
	if recs[0].Cost != 0 || recs[0].ExtractorType != "rules" || recs[0].MemoriesExtracted != 1 {
		t.Errorf("record = %+v, want zero-cost rules entry with 1 memory", recs[0])
	}
}

func TestCleanCapture(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  hello   world  ", "hello world"},
		{"**great**", "great"},
		{"dark mode.", "dark mode"},
		{"...", ""},
		{"a", "a"},
	}
	for _, tt := range tests {
		if got := cleanCapture(tt.in); got != tt.want {
			t.Errorf("cleanCapture(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
