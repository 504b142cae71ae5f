package engram

import (
	"context"
	"log/slog"
	"sync"
)

// CostTracker accumulates per-agent extraction cost records. Records are
// append-only and safe for concurrent writers. When a Storage is attached,
// every record is also persisted under its own key so spend survives
// restarts.
type CostTracker struct {
	mu      sync.Mutex
	records []CostRecord

	store  Storage // nil = in-memory only
	logger *slog.Logger
	clock  func() int64
}

// CostTrackerOption configures a CostTracker.
type CostTrackerOption func(*CostTracker)

// WithCostStorage persists each record to st in addition to keeping it in
// memory. Persistence failures are logged, never surfaced — cost accounting
// must not fail an extraction.
func WithCostStorage(st Storage) CostTrackerOption {
	return func(t *CostTracker) { t.store = st }
}

// WithCostLogger sets the structured logger for persistence failures.
func WithCostLogger(l *slog.Logger) CostTrackerOption {
	return func(t *CostTracker) { t.logger = l }
}

// NewCostTracker creates a CostTracker.
func NewCostTracker(opts ...CostTrackerOption) *CostTracker {
	t := &CostTracker{
		logger: nopLogger,
		clock:  NowUnixMilli,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends one cost entry. A zero CreatedAt is stamped with the
// current time.
func (t *CostTracker) Record(ctx context.Context, rec CostRecord) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = t.clock()
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	store := t.store
	t.mu.Unlock()

	if store == nil {
		return
	}
	key := costRecordKey(rec.AgentID, NewID())
	if err := SetJSON(ctx, store, key, rec, 0); err != nil {
		t.logger.Warn("persist cost record failed",
			"agent_id", rec.AgentID,
			"extractor", rec.ExtractorType,
			"error", err)
	}
}

// Records returns a copy of all recorded entries for agentID.
// An empty agentID returns every entry.
func (t *CostTracker) Records(agentID string) []CostRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CostRecord, 0, len(t.records))
	for _, r := range t.records {
		if agentID == "" || r.AgentID == agentID {
			out = append(out, r)
		}
	}
	return out
}

// TotalCost sums the recorded USD spend for agentID.
func (t *CostTracker) TotalCost(agentID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, r := range t.records {
		if agentID == "" || r.AgentID == agentID {
			total += r.Cost
		}
	}
	return total
}
