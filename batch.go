package engram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BatchConfig tunes buffering, sampling, and tier gating for the batch
// pipeline.
type BatchConfig struct {
	// MaxBatchSize triggers processing as soon as a buffer reaches this
	// many messages.
	MaxBatchSize int
	// MinBatchSize is the smallest buffer the timeout path will process.
	MinBatchSize int
	// Timeout makes a buffer ripe once its newest message is older than
	// this and MinBatchSize is met.
	Timeout time.Duration
	// ExtractionRate in [0,1] is the fraction of ripe batches that run
	// the tiered extractors. The decision is derived from a content
	// fingerprint, so replaying the same batch always decides the same
	// way.
	ExtractionRate float64
	// EnableSmallModel gates tier 2 (runs when a filtered batch has more
	// than 3 messages).
	EnableSmallModel bool
	// EnablePremiumModel gates tier 3 (runs when a filtered batch has
	// more than 5 messages).
	EnablePremiumModel bool
	// CostBudget in USD caps tier 2/3 spend per batch. 0 means no cap.
	CostBudget float64
}

// DefaultBatchConfig returns the baseline batch configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:       10,
		MinBatchSize:       3,
		Timeout:            30 * time.Minute,
		ExtractionRate:     1.0,
		EnableSmallModel:   true,
		EnablePremiumModel: true,
	}
}

type bufferKey struct {
	userID  string
	agentID string
}

// agentBuffer serializes one (userID, agentID): appends, the ripeness
// check, the drain, and the batch run all happen under its lock, so
// batch N finishes (metadata write included) before batch N+1 starts.
type agentBuffer struct {
	mu   sync.Mutex
	msgs []MemoryMessage
}

// BatchProcessor buffers messages per (userID, agentID) and runs the
// three-tier extraction pipeline when a buffer ripens.
type BatchProcessor struct {
	cfg     BatchConfig
	store   Storage
	noise   *NoiseFilter
	rules   Extractor
	small   Extractor
	large   Extractor
	tracker *CostTracker
	logger  *slog.Logger
	clock   func() int64

	mu      sync.Mutex
	buffers map[bufferKey]*agentBuffer
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithNoiseFilter drops low-signal messages before extraction.
func WithNoiseFilter(f *NoiseFilter) BatchOption {
	return func(b *BatchProcessor) { b.noise = f }
}

// WithRuleExtractor wires tier 1. Rules run on every message and are
// never charged against the cost budget.
func WithRuleExtractor(e Extractor) BatchOption {
	return func(b *BatchProcessor) { b.rules = e }
}

// WithSmallExtractor wires tier 2.
func WithSmallExtractor(e Extractor) BatchOption {
	return func(b *BatchProcessor) { b.small = e }
}

// WithLargeExtractor wires tier 3.
func WithLargeExtractor(e Extractor) BatchOption {
	return func(b *BatchProcessor) { b.large = e }
}

// WithBatchCostTracker records one aggregate entry per processed batch
// under extractor type "batch". Extractor-level trackers are wired on the
// extractors themselves.
func WithBatchCostTracker(t *CostTracker) BatchOption {
	return func(b *BatchProcessor) { b.tracker = t }
}

// WithBatchLogger sets the structured logger.
func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(b *BatchProcessor) { b.logger = l }
}

// NewBatchProcessor creates a batch processor over the given storage.
// Out-of-range config values are normalized to defaults.
func NewBatchProcessor(store Storage, cfg BatchConfig, opts ...BatchOption) *BatchProcessor {
	def := DefaultBatchConfig()
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MinBatchSize < 1 {
		cfg.MinBatchSize = 1
	}
	if cfg.MinBatchSize > cfg.MaxBatchSize {
		cfg.MinBatchSize = cfg.MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	cfg.ExtractionRate = clamp01(cfg.ExtractionRate)

	b := &BatchProcessor{
		cfg:     cfg,
		store:   store,
		logger:  nopLogger,
		clock:   NowUnixMilli,
		buffers: make(map[bufferKey]*agentBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddMessage appends msg to the (userID, agentID) buffer and, when the
// buffer is ripe, drains and processes it. The returned memories are the
// batch's surviving, persisted memories; an empty result means the buffer
// has not ripened (or the batch was sampled out).
func (b *BatchProcessor) AddMessage(ctx context.Context, userID, agentID string, msg MemoryMessage) ([]Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("add message: user id is empty: %w", ErrInvalidArgument)
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = b.clock()
	}
	msg.AgentID = agentID

	buf := b.buffer(userID, agentID)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	buf.msgs = append(buf.msgs, msg)
	if !b.ripe(buf.msgs) {
		return nil, nil
	}
	batch := buf.msgs
	buf.msgs = nil
	return b.processBatch(ctx, userID, agentID, batch)
}

// Process runs one-shot batch processing over caller-supplied messages,
// bypassing the buffer. It serializes with AddMessage batches for the
// same (userID, agentID).
func (b *BatchProcessor) Process(ctx context.Context, userID, agentID string, msgs []MemoryMessage) ([]Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("process: user id is empty: %w", ErrInvalidArgument)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	buf := b.buffer(userID, agentID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return b.processBatch(ctx, userID, agentID, msgs)
}

// Flush drains and processes the (userID, agentID) buffer regardless of
// ripeness. Returns nil when the buffer is empty.
func (b *BatchProcessor) Flush(ctx context.Context, userID, agentID string) ([]Memory, error) {
	buf := b.buffer(userID, agentID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if len(buf.msgs) == 0 {
		return nil, nil
	}
	batch := buf.msgs
	buf.msgs = nil
	return b.processBatch(ctx, userID, agentID, batch)
}

// FlushStale processes every buffer that ripened through the timeout
// path. Per-buffer failures are joined into the returned error; one
// failing agent never blocks another.
func (b *BatchProcessor) FlushStale(ctx context.Context) error {
	b.mu.Lock()
	keys := make([]bufferKey, 0, len(b.buffers))
	for k := range b.buffers {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		buf := b.buffer(k.userID, k.agentID)
		buf.mu.Lock()
		if !b.staleRipe(buf.msgs) {
			buf.mu.Unlock()
			continue
		}
		batch := buf.msgs
		buf.msgs = nil
		_, err := b.processBatch(ctx, k.userID, k.agentID, batch)
		buf.mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("flush %s/%s: %w", k.userID, k.agentID, err))
		}
	}
	return errors.Join(errs...)
}

// Start runs periodic FlushStale sweeps until ctx is cancelled, then
// returns nil. The sweep interval is a quarter of the configured timeout,
// at least one second.
func (b *BatchProcessor) Start(ctx context.Context) error {
	interval := b.cfg.Timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := b.FlushStale(ctx); err != nil {
				b.logger.Warn("stale buffer flush failed", "error", err)
			}
		}
	}
}

// Buffered reports how many messages are waiting for (userID, agentID).
func (b *BatchProcessor) Buffered(userID, agentID string) int {
	buf := b.buffer(userID, agentID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.msgs)
}

func (b *BatchProcessor) buffer(userID, agentID string) *agentBuffer {
	k := bufferKey{userID: userID, agentID: agentID}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.buffers[k]
	if !ok {
		buf = &agentBuffer{}
		b.buffers[k] = buf
	}
	return buf
}

// ripe reports whether a buffer should be processed: full, or stale with
// at least the minimum size.
func (b *BatchProcessor) ripe(msgs []MemoryMessage) bool {
	if len(msgs) >= b.cfg.MaxBatchSize {
		return true
	}
	return b.staleRipe(msgs)
}

func (b *BatchProcessor) staleRipe(msgs []MemoryMessage) bool {
	if len(msgs) < b.cfg.MinBatchSize {
		return false
	}
	age := time.Duration(b.clock()-msgs[len(msgs)-1].Timestamp) * time.Millisecond
	return age > b.cfg.Timeout
}

// processBatch takes the sampling decision, runs extraction, and writes
// BatchMetadata exactly once whatever the outcome.
func (b *BatchProcessor) processBatch(ctx context.Context, userID, agentID string, msgs []MemoryMessage) ([]Memory, error) {
	start := b.clock()
	hash := batchFingerprint(userID, agentID, msgs)
	batchID := fmt.Sprintf("batch_%08x", hash)
	meta := BatchMetadata{
		BatchID:           batchID,
		SourceMessageIDs:  messageIDs(msgs),
		StartTime:         start,
		MessagesProcessed: len(msgs),
	}

	if !sampledIn(hash, b.cfg.ExtractionRate) {
		b.logger.Debug("batch sampled out",
			"batch_id", batchID,
			"agent_id", agentID,
			"extraction_rate", b.cfg.ExtractionRate)
		meta.EndTime = b.clock()
		meta.ExtractionMethods = []string{"skipped"}
		b.writeMetadata(ctx, meta)
		return nil, nil
	}

	memories, methods, spent, err := b.extract(ctx, userID, agentID, batchID, msgs)
	meta.EndTime = b.clock()
	if err != nil {
		meta.Error = err.Error()
		meta.ExtractionMethods = []string{"error"}
		b.writeMetadata(ctx, meta)
		return nil, fmt.Errorf("batch %s: %w", batchID, err)
	}
	meta.MemoriesCreated = len(memories)
	meta.ExtractionMethods = methods
	b.writeMetadata(ctx, meta)

	if b.tracker != nil {
		b.tracker.Record(ctx, CostRecord{
			AgentID:           agentID,
			ExtractorType:     "batch",
			Cost:              spent,
			MemoriesExtracted: len(memories),
			MessagesProcessed: len(msgs),
			DurationMs:        meta.EndTime - start,
			Metadata:          map[string]any{"batch_id": batchID},
		})
	}
	b.logger.Info("batch processed",
		"batch_id", batchID,
		"agent_id", agentID,
		"messages", len(msgs),
		"memories", len(memories),
		"methods", methods)
	return memories, nil
}

// extract runs the tiered pipeline over one sampled-in batch.
func (b *BatchProcessor) extract(ctx context.Context, userID, agentID, batchID string, msgs []MemoryMessage) ([]Memory, []string, float64, error) {
	kept := msgs
	if b.noise != nil {
		kept = b.noise.Filter(ctx, msgs)
	}

	rules, err := LoadExtractionRules(ctx, b.store, userID, agentID)
	if err != nil {
		b.logger.Warn("loading extraction rules failed, extracting without them",
			"user_id", userID,
			"agent_id", agentID,
			"error", err)
		rules = nil
	}
	ectx := ExtractionContext{UserID: userID, AgentID: agentID, Rules: rules}

	var (
		all     []Memory
		methods []string
		spent   float64
	)
	ruleHit := make(map[string]bool, len(kept))

	// Tier 1: rules on every message, no cost gate. A rule hit
	// short-circuits tiers 2/3 for that message.
	if b.rules != nil {
		var produced int
		for _, m := range kept {
			if err := ctx.Err(); err != nil {
				return nil, nil, spent, err
			}
			mems, err := b.rules.Extract(ctx, m, ectx)
			if err != nil {
				b.logger.Warn("rule extraction failed",
					"message_id", m.ID,
					"error", err)
				continue
			}
			if len(mems) > 0 {
				ruleHit[m.ID] = true
				produced += len(mems)
				all = append(all, mems...)
			}
		}
		if produced > 0 {
			methods = append(methods, b.rules.Type())
		}
	}

	if b.small != nil && b.cfg.EnableSmallModel && len(kept) > 3 {
		mems, err := b.runTier(ctx, b.small, kept, ruleHit, ectx, &spent)
		if err != nil {
			return nil, nil, spent, err
		}
		if len(mems) > 0 {
			methods = append(methods, b.small.Type())
			all = append(all, mems...)
		}
	}

	if b.large != nil && b.cfg.EnablePremiumModel && len(kept) > 5 {
		mems, err := b.runTier(ctx, b.large, kept, ruleHit, ectx, &spent)
		if err != nil {
			return nil, nil, spent, err
		}
		if len(mems) > 0 {
			methods = append(methods, b.large.Type())
			all = append(all, mems...)
		}
	}

	all = dedupMemories(all)
	for i := range all {
		all[i].BatchID = batchID
	}

	// Write-back failures are fatal for the batch; memories persisted
	// before the failure stay.
	for i := range all {
		if err := storeMemory(ctx, b.store, userID, agentID, all[i]); err != nil {
			return nil, nil, spent, fmt.Errorf("store memory %s: %w", all[i].ID, err)
		}
	}
	return all, methods, spent, nil
}

// runTier runs one LLM tier over the batch, skipping messages already
// covered by rules and messages the budget cannot afford. Per-message
// extractor errors are contained.
func (b *BatchProcessor) runTier(ctx context.Context, ex Extractor, msgs []MemoryMessage, ruleHit map[string]bool, ectx ExtractionContext, spent *float64) ([]Memory, error) {
	var out []Memory
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ruleHit[m.ID] {
			continue
		}
		est := ex.EstimateCost([]MemoryMessage{m})
		if b.cfg.CostBudget > 0 && *spent+est > b.cfg.CostBudget {
			b.logger.Debug("cost budget reached, skipping message",
				"extractor", ex.Type(),
				"message_id", m.ID,
				"spent", *spent,
				"estimated", est)
			continue
		}
		mems, err := ex.Extract(ctx, m, ectx)
		if err != nil {
			b.logger.Warn("extraction failed",
				"extractor", ex.Type(),
				"message_id", m.ID,
				"error", err)
			continue
		}
		*spent += est
		out = append(out, mems...)
	}
	return out, nil
}

func (b *BatchProcessor) writeMetadata(ctx context.Context, meta BatchMetadata) {
	if err := SetJSON(ctx, b.store, BatchMetadataKey(meta.BatchID), meta, 0); err != nil {
		b.logger.Warn("batch metadata write failed",
			"batch_id", meta.BatchID,
			"error", err)
	}
}

// batchFingerprint hashes (userID, agentID, per-message shape) with
// FNV-1a. The shape is the first three lowercased words, the digits, and
// the byte length of each message, which keeps the decision stable under
// trivial reformatting but sensitive to actual content changes.
func batchFingerprint(userID, agentID string, msgs []MemoryMessage) uint32 {
	h := fnv.New32a()
	io.WriteString(h, userID)
	h.Write([]byte{0})
	io.WriteString(h, agentID)
	for _, m := range msgs {
		words := strings.Fields(strings.ToLower(m.Content))
		if len(words) > 3 {
			words = words[:3]
		}
		h.Write([]byte{0})
		io.WriteString(h, strings.Join(words, " "))
		h.Write([]byte{0})
		io.WriteString(h, digitsOf(m.Content))
		h.Write([]byte{0})
		io.WriteString(h, strconv.Itoa(len(m.Content)))
	}
	return h.Sum32()
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sampledIn maps the fingerprint into [0,1) and compares against the
// extraction rate. Rate 1.0 always extracts, 0.0 never does.
func sampledIn(hash uint32, rate float64) bool {
	return float64(hash%10000)/10000.0 < rate
}

func messageIDs(msgs []MemoryMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// dedupMemories drops memories whose lowercased, trimmed content was
// already seen, keeping the first occurrence.
func dedupMemories(in []Memory) []Memory {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]Memory, 0, len(in))
	for _, m := range in {
		k := strings.ToLower(strings.TrimSpace(m.Content))
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}
	return out
}
