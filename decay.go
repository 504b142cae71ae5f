package engram

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// DecayConfig tunes the exponential resonance decay pass.
type DecayConfig struct {
	// DefaultDecayRate per day, used when no rule matches.
	DefaultDecayRate float64
	// DeleteThreshold removes memories whose post-decay resonance falls
	// below it.
	DeleteThreshold float64
	// DefaultMinImportance floors resonance when no rule matches.
	DefaultMinImportance float64
	// Rules are evaluated in order; the first enabled rule whose
	// condition holds wins.
	Rules []DecayRule
}

// DefaultDecayConfig returns the baseline decay configuration.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		DefaultDecayRate: 0.1,
		DeleteThreshold:  0.1,
	}
}

// DecayEngine applies rule-selected exponential decay to an agent's
// memories. Rule conditions go through the safe evaluator in
// decayexpr.go; a rejected condition is warned about once and the rule
// never matches.
type DecayEngine struct {
	store  Storage
	cfg    DecayConfig
	logger *slog.Logger
	clock  func() int64

	mu     sync.Mutex
	parsed map[string]*decayCondition // rule id -> condition, nil = rejected
}

// DecayOption configures a DecayEngine.
type DecayOption func(*DecayEngine)

// WithDecayLogger sets the structured logger.
func WithDecayLogger(l *slog.Logger) DecayOption {
	return func(d *DecayEngine) { d.logger = l }
}

// NewDecayEngine creates a decay engine over the given storage.
// Out-of-range rates and thresholds are clamped to [0,1]; an explicit
// zero rate means "no default decay".
func NewDecayEngine(store Storage, cfg DecayConfig, opts ...DecayOption) *DecayEngine {
	cfg.DefaultDecayRate = clamp01(cfg.DefaultDecayRate)
	cfg.DeleteThreshold = clamp01(cfg.DeleteThreshold)
	cfg.DefaultMinImportance = clamp01(cfg.DefaultMinImportance)

	d := &DecayEngine{
		store:  store,
		cfg:    cfg,
		logger: nopLogger,
		clock:  NowUnixMilli,
		parsed: make(map[string]*decayCondition),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Threshold returns the delete threshold, shared with the lifecycle
// manager's cleanup pass.
func (d *DecayEngine) Threshold() float64 { return d.cfg.DeleteThreshold }

type ruleStat struct {
	name     string
	affected int
	sumDecay float64
}

// ApplyDecay runs one decay pass over all memories of (userID, agentID):
// pick the first matching rule per memory, apply the exponential decay
// formula, write changed memories back, and delete those falling below
// the threshold. Storage failures abort the pass; already-written
// memories keep their new state.
func (d *DecayEngine) ApplyDecay(ctx context.Context, userID, agentID string) (*DecayReport, error) {
	if userID == "" {
		return nil, fmt.Errorf("apply decay: user id is empty: %w", ErrInvalidArgument)
	}
	now := d.clock()
	memories, err := listMemories(ctx, d.store, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("apply decay: %w", err)
	}

	report := &DecayReport{Timestamp: now}
	stats := make(map[string]*ruleStat)

	for i := range memories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m := &memories[i]
		report.Processed++

		rule := d.matchRule(m, now)
		rate := d.cfg.DefaultDecayRate
		minImportance := d.cfg.DefaultMinImportance
		never := neverDecays(m)
		statKey, statName := "default", "default"
		if rule != nil {
			rate = rule.DecayRate
			minImportance = rule.MinImportance
			never = never || rule.NeverDecay
			statKey, statName = rule.ID, rule.Name
		}
		if hl, ok := halfLifeOverride(m); ok {
			rate = math.Ln2 / hl
		}

		var next float64
		if never {
			// Never lower; the floor can still raise it.
			next = math.Max(m.Resonance, minImportance)
		} else {
			next = math.Max(minImportance, m.Resonance*math.Exp(-rate*daysSinceAccess(m, now)))
		}
		decayed := m.Resonance - next

		if next < d.cfg.DeleteThreshold {
			if _, err := deleteMemory(ctx, d.store, userID, agentID, m.ID); err != nil {
				return nil, fmt.Errorf("delete memory %s: %w", m.ID, err)
			}
			report.Deleted++
			bumpStat(stats, statKey, statName, decayed)
			continue
		}
		if next != m.Resonance {
			m.Resonance = next
			m.UpdatedAt = now
			if err := storeMemory(ctx, d.store, userID, agentID, *m); err != nil {
				return nil, fmt.Errorf("update memory %s: %w", m.ID, err)
			}
			report.Updated++
			bumpStat(stats, statKey, statName, decayed)
		}
	}

	report.RuleResults = d.ruleResults(stats)
	d.logger.Info("decay pass complete",
		"user_id", userID,
		"agent_id", agentID,
		"processed", report.Processed,
		"updated", report.Updated,
		"deleted", report.Deleted)
	return report, nil
}

// matchRule returns the first enabled rule whose condition holds for m.
func (d *DecayEngine) matchRule(m *Memory, now int64) *DecayRule {
	for i := range d.cfg.Rules {
		r := &d.cfg.Rules[i]
		if !r.Enabled {
			continue
		}
		cond := d.condition(r)
		if cond != nil && cond.eval(m, now) {
			return r
		}
	}
	return nil
}

// condition parses and caches a rule's condition. A condition outside the
// safe grammar is logged once and treated as never matching.
func (d *DecayEngine) condition(r *DecayRule) *decayCondition {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.parsed[r.ID]; ok {
		return c
	}
	c, err := parseDecayCondition(r.Condition)
	if err != nil {
		d.logger.Warn("rejecting decay condition",
			"rule_id", r.ID,
			"rule_name", r.Name,
			"error", err)
		d.parsed[r.ID] = nil
		return nil
	}
	d.parsed[r.ID] = c
	return c
}

// ruleResults orders stats by configured rule order, default path last.
func (d *DecayEngine) ruleResults(stats map[string]*ruleStat) []DecayRuleResult {
	if len(stats) == 0 {
		return nil
	}
	results := make([]DecayRuleResult, 0, len(stats))
	emit := func(key string) {
		s, ok := stats[key]
		if !ok {
			return
		}
		results = append(results, DecayRuleResult{
			RuleID:           key,
			RuleName:         s.name,
			MemoriesAffected: s.affected,
			AvgDecayApplied:  s.sumDecay / float64(s.affected),
		})
	}
	for _, r := range d.cfg.Rules {
		emit(r.ID)
	}
	emit("default")
	return results
}

func bumpStat(stats map[string]*ruleStat, key, name string, decayed float64) {
	s, ok := stats[key]
	if !ok {
		s = &ruleStat{name: name}
		stats[key] = s
	}
	s.affected++
	s.sumDecay += decayed
}

// daysSinceAccess measures age from lastAccessedAt, falling back to
// createdAt. Future timestamps count as zero so decay can never raise
// resonance.
func daysSinceAccess(m *Memory, now int64) float64 {
	ts := m.LastAccessedAt
	if ts == 0 {
		ts = m.CreatedAt
	}
	if ts >= now {
		return 0
	}
	return float64(now-ts) / millisPerDay
}

// neverDecays reports the per-memory override planted by extraction
// rules with NeverDecay set.
func neverDecays(m *Memory) bool {
	b, ok := m.Metadata["neverDecay"].(bool)
	return ok && b
}

// halfLifeOverride reads a customHalfLife (in days) planted by an
// extraction rule and converts it to a decay rate on use.
func halfLifeOverride(m *Memory) (float64, bool) {
	v, ok := m.Metadata["customHalfLife"]
	if !ok {
		return 0, false
	}
	hl, ok := toFloat(v)
	if !ok || hl <= 0 {
		return 0, false
	}
	return hl, true
}
