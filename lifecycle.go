package engram

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"
)

// LifecycleConfig tunes promotion, archival, cleanup, and the per-agent
// memory cap.
type LifecycleConfig struct {
	// EpisodicToSemanticDays is the minimum age before an episodic memory
	// can be promoted.
	EpisodicToSemanticDays int
	// MinImportanceForPromotion and MinAccessCountForPromotion are the
	// other two promotion criteria.
	MinImportanceForPromotion  float64
	MinAccessCountForPromotion int
	// PreserveOriginal keeps the episodic original after promotion.
	PreserveOriginal bool
	// ArchiveEnabled copies memories to a TTL-bounded archive key before
	// deletion.
	ArchiveEnabled bool
	// ArchiveTTL bounds how long archived memories survive.
	ArchiveTTL time.Duration
	// ArchiveKeyPattern supports {agentId} and {memoryId} placeholders.
	// Empty uses DefaultArchiveKeyPattern.
	ArchiveKeyPattern string
	// MaxMemoriesPerAgent caps an agent's memory count; 0 disables the
	// cap.
	MaxMemoriesPerAgent int
	// ReinforcementBoost is added to resonance on Reinforce, capped at 1.
	ReinforcementBoost float64
}

// DefaultLifecycleConfig returns the baseline lifecycle configuration.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		EpisodicToSemanticDays:     7,
		MinImportanceForPromotion:  0.6,
		MinAccessCountForPromotion: 3,
		PreserveOriginal:           true,
		ArchiveEnabled:             true,
		ArchiveTTL:                 30 * 24 * time.Hour,
		ArchiveKeyPattern:          DefaultArchiveKeyPattern,
		MaxMemoriesPerAgent:        1000,
		ReinforcementBoost:         0.1,
	}
}

const promotionReason = "episodic-to-semantic promotion criteria met"

// LifecycleManager runs the ordered maintenance pipeline over an agent's
// memories: decay, promotion, cleanup, limit enforcement.
type LifecycleManager struct {
	store  Storage
	decay  *DecayEngine
	cfg    LifecycleConfig
	logger *slog.Logger
	clock  func() int64
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// WithLifecycleLogger sets the structured logger.
func WithLifecycleLogger(l *slog.Logger) LifecycleOption {
	return func(lm *LifecycleManager) { lm.logger = l }
}

// NewLifecycleManager creates a lifecycle manager sharing the decay
// engine's delete threshold for cleanup.
func NewLifecycleManager(store Storage, decay *DecayEngine, cfg LifecycleConfig, opts ...LifecycleOption) *LifecycleManager {
	def := DefaultLifecycleConfig()
	cfg.MinImportanceForPromotion = clamp01(cfg.MinImportanceForPromotion)
	cfg.ReinforcementBoost = clamp01(cfg.ReinforcementBoost)
	if cfg.EpisodicToSemanticDays < 0 {
		cfg.EpisodicToSemanticDays = def.EpisodicToSemanticDays
	}
	if cfg.MinAccessCountForPromotion < 0 {
		cfg.MinAccessCountForPromotion = def.MinAccessCountForPromotion
	}
	if cfg.MaxMemoriesPerAgent < 0 {
		cfg.MaxMemoriesPerAgent = 0
	}
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = def.ArchiveTTL
	}

	lm := &LifecycleManager{
		store:  store,
		decay:  decay,
		cfg:    cfg,
		logger: nopLogger,
		clock:  NowUnixMilli,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// DecayEngine returns the engine backing the decay stage, for callers
// that trigger passes directly.
func (lm *LifecycleManager) DecayEngine() *DecayEngine { return lm.decay }

// RunLifecycle executes the full pipeline in order. A failing stage
// aborts the run; mutations made by completed stages stay.
func (lm *LifecycleManager) RunLifecycle(ctx context.Context, userID, agentID string) (*LifecycleResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("run lifecycle: user id is empty: %w", ErrInvalidArgument)
	}
	res := &LifecycleResult{}

	decayReport, err := lm.decay.ApplyDecay(ctx, userID, agentID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle decay: %w", err)
	}
	res.Decay = *decayReport

	if res.Promoted, err = lm.PromoteMemories(ctx, userID, agentID); err != nil {
		return nil, fmt.Errorf("lifecycle promotion: %w", err)
	}
	if res.Cleaned, err = lm.CleanupMemories(ctx, userID, agentID); err != nil {
		return nil, fmt.Errorf("lifecycle cleanup: %w", err)
	}
	if res.Trimmed, err = lm.EnforceLimit(ctx, userID, agentID); err != nil {
		return nil, fmt.Errorf("lifecycle limit enforcement: %w", err)
	}
	res.Timestamp = lm.clock()

	lm.logger.Info("lifecycle pass complete",
		"user_id", userID,
		"agent_id", agentID,
		"decayed", res.Decay.Updated,
		"deleted", res.Decay.Deleted,
		"promoted", res.Promoted,
		"cleaned", res.Cleaned,
		"trimmed", res.Trimmed)
	return res, nil
}

// PromoteMemories clones episodic memories that crossed the age,
// importance, and access thresholds into new semantic memories. The
// original is deleted unless PreserveOriginal is set, in which case it is
// marked so later passes skip it.
func (lm *LifecycleManager) PromoteMemories(ctx context.Context, userID, agentID string) (int, error) {
	now := lm.clock()
	cutoff := now - int64(lm.cfg.EpisodicToSemanticDays)*millisPerDay
	memories, err := listMemories(ctx, lm.store, userID, agentID)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for i := range memories {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		m := &memories[i]
		if m.Type != MemoryEpisodic || m.CreatedAt >= cutoff {
			continue
		}
		if m.Importance < lm.cfg.MinImportanceForPromotion {
			continue
		}
		if m.AccessCount < lm.cfg.MinAccessCountForPromotion {
			continue
		}
		if _, done := m.Metadata["promotedTo"]; done {
			continue
		}

		clone := Memory{
			ID:               NewID(),
			UserID:           userID,
			AgentID:          agentID,
			Content:          m.Content,
			Type:             MemorySemantic,
			Importance:       m.Importance,
			Resonance:        m.Resonance,
			AccessCount:      m.AccessCount,
			CreatedAt:        now,
			UpdatedAt:        now,
			LastAccessedAt:   now,
			Keywords:         slices.Clone(m.Keywords),
			SourceMessageIDs: slices.Clone(m.SourceMessageIDs),
			BatchID:          m.BatchID,
			Metadata: map[string]any{
				"originalType":    string(MemoryEpisodic),
				"originalId":      m.ID,
				"promotedAt":      now,
				"promotionReason": promotionReason,
			},
		}
		if err := storeMemory(ctx, lm.store, userID, agentID, clone); err != nil {
			return promoted, fmt.Errorf("store promoted memory %s: %w", clone.ID, err)
		}
		lm.recordEvolution(ctx, agentID, clone.ID, "promotion", promotionReason, map[string]any{"originalId": m.ID})

		if lm.cfg.PreserveOriginal {
			if m.Metadata == nil {
				m.Metadata = make(map[string]any, 1)
			}
			m.Metadata["promotedTo"] = clone.ID
			m.UpdatedAt = now
			if err := storeMemory(ctx, lm.store, userID, agentID, *m); err != nil {
				return promoted, fmt.Errorf("mark promoted original %s: %w", m.ID, err)
			}
		} else {
			if _, err := deleteMemory(ctx, lm.store, userID, agentID, m.ID); err != nil {
				return promoted, fmt.Errorf("delete promoted original %s: %w", m.ID, err)
			}
		}
		promoted++
	}
	return promoted, nil
}

// CleanupMemories archives and deletes memories whose resonance sits
// below the decay engine's delete threshold.
func (lm *LifecycleManager) CleanupMemories(ctx context.Context, userID, agentID string) (int, error) {
	threshold := lm.decay.Threshold()
	memories, err := listMemories(ctx, lm.store, userID, agentID)
	if err != nil {
		return 0, err
	}
	cleaned := 0
	for i := range memories {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		if memories[i].Resonance >= threshold {
			continue
		}
		if err := lm.archiveThenDelete(ctx, userID, agentID, memories[i], "resonance below delete threshold"); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}

// EnforceLimit trims the agent down to MaxMemoriesPerAgent, removing the
// lowest-resonance (oldest first on ties) memories with the same
// archive-then-delete policy as cleanup.
func (lm *LifecycleManager) EnforceLimit(ctx context.Context, userID, agentID string) (int, error) {
	if lm.cfg.MaxMemoriesPerAgent <= 0 {
		return 0, nil
	}
	memories, err := listMemories(ctx, lm.store, userID, agentID)
	if err != nil {
		return 0, err
	}
	excess := len(memories) - lm.cfg.MaxMemoriesPerAgent
	if excess <= 0 {
		return 0, nil
	}
	sort.Slice(memories, func(i, j int) bool {
		if memories[i].Resonance != memories[j].Resonance {
			return memories[i].Resonance < memories[j].Resonance
		}
		return memories[i].CreatedAt < memories[j].CreatedAt
	})
	trimmed := 0
	for i := 0; i < excess; i++ {
		if err := ctx.Err(); err != nil {
			return trimmed, err
		}
		if err := lm.archiveThenDelete(ctx, userID, agentID, memories[i], "memory limit enforcement"); err != nil {
			return trimmed, err
		}
		trimmed++
	}
	return trimmed, nil
}

// Reinforce records an access: bumps accessCount, refreshes
// lastAccessedAt, and boosts resonance by the configured amount, capped
// at 1. Memories bound to a rule get the boost only when the rule opted
// in via reinforceable; unbound memories always do. Returns the updated
// memory.
func (lm *LifecycleManager) Reinforce(ctx context.Context, userID, agentID, memoryID string) (*Memory, error) {
	m, ok, err := getMemory(ctx, lm.store, userID, agentID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("reinforce %s: %w", memoryID, err)
	}
	if !ok {
		return nil, fmt.Errorf("reinforce %s: %w", memoryID, ErrNotFound)
	}
	now := lm.clock()
	m.AccessCount++
	m.LastAccessedAt = now
	m.UpdatedAt = now
	if reinforceAllowed(m) {
		m.Resonance = math.Min(1, m.Resonance+lm.cfg.ReinforcementBoost)
	}
	if err := storeMemory(ctx, lm.store, userID, agentID, m); err != nil {
		return nil, fmt.Errorf("reinforce %s: %w", memoryID, err)
	}
	return &m, nil
}

func reinforceAllowed(m Memory) bool {
	if _, bound := m.Metadata["ruleId"]; !bound {
		return true
	}
	v, _ := m.Metadata["reinforceable"].(bool)
	return v
}

func (lm *LifecycleManager) archiveThenDelete(ctx context.Context, userID, agentID string, m Memory, reason string) error {
	if lm.cfg.ArchiveEnabled {
		key := ArchiveKey(lm.cfg.ArchiveKeyPattern, agentID, m.ID)
		if err := SetJSON(ctx, lm.store, key, m, lm.cfg.ArchiveTTL); err != nil {
			return fmt.Errorf("archive memory %s: %w", m.ID, err)
		}
	}
	if _, err := deleteMemory(ctx, lm.store, userID, agentID, m.ID); err != nil {
		return fmt.Errorf("delete memory %s: %w", m.ID, err)
	}
	lm.recordEvolution(ctx, agentID, m.ID, "deletion", reason, nil)
	return nil
}

// recordEvolution writes an audit record for a lifecycle mutation.
// Failures are logged, never fatal: evolution records are advisory.
func (lm *LifecycleManager) recordEvolution(ctx context.Context, agentID, memoryID, changeType, reason string, md map[string]any) {
	ev := Evolution{
		ID:         NewID(),
		MemoryID:   memoryID,
		AgentID:    agentID,
		ChangeType: changeType,
		Reason:     reason,
		CreatedAt:  lm.clock(),
		Metadata:   md,
	}
	if err := SetJSON(ctx, lm.store, evolutionKey(agentID, ev.ID), ev, 0); err != nil {
		lm.logger.Warn("evolution record write failed",
			"memory_id", memoryID,
			"change_type", changeType,
			"error", err)
	}
}
