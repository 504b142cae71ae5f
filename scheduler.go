package engram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// AgentRef identifies one agent's memory space.
type AgentRef struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

type lifecycleOp string

const (
	opDecay     lifecycleOp = "decay"
	opPromotion lifecycleOp = "promotion"
	opCleanup   lifecycleOp = "cleanup"
)

// OperationHook is called after each scheduled operation completes,
// success or failure. Use it to route outcomes without coupling the
// scheduler to a specific destination.
type OperationHook func(op string, ref AgentRef, err error)

// SchedulerConfig tunes the periodic lifecycle triggers.
type SchedulerConfig struct {
	// Per-operation intervals. 0 disables that operation.
	DecayInterval     time.Duration
	PromotionInterval time.Duration
	CleanupInterval   time.Duration
	// MaxConcurrentOperations bounds operations in flight across all
	// agents. Triggers beyond the cap are skipped, not queued.
	MaxConcurrentOperations int
	// MaxRetries is the number of additional attempts after a failed
	// operation.
	MaxRetries int
	// RetryBackoff is the base delay between attempts, doubled each
	// retry.
	RetryBackoff time.Duration
}

// DefaultSchedulerConfig returns the baseline scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DecayInterval:           time.Hour,
		PromotionInterval:       6 * time.Hour,
		CleanupInterval:         24 * time.Hour,
		MaxConcurrentOperations: 4,
		MaxRetries:              2,
		RetryBackoff:            time.Second,
	}
}

type opKey struct {
	op      lifecycleOp
	userID  string
	agentID string
}

// LifecycleScheduler fires periodic decay, promotion, and cleanup
// operations for every registered agent. Concurrency is capped globally;
// the same (operation, user, agent) never runs twice at once.
//
// Usage:
//
//	sched := engram.NewLifecycleScheduler(manager, engram.DefaultSchedulerConfig())
//	sched.Register("user-1", "agent-1")
//	g.Go(func() error { return sched.Start(ctx) })
type LifecycleScheduler struct {
	manager *LifecycleManager
	cfg     SchedulerConfig
	logger  *slog.Logger
	hook    OperationHook
	sem     *semaphore.Weighted

	mu      sync.Mutex
	agents  map[AgentRef]bool
	running map[opKey]bool
	wg      sync.WaitGroup
}

// SchedulerOption configures a LifecycleScheduler.
type SchedulerOption func(*LifecycleScheduler)

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *LifecycleScheduler) { s.logger = l }
}

// WithOnOperation registers a hook called after each operation run.
func WithOnOperation(hook OperationHook) SchedulerOption {
	return func(s *LifecycleScheduler) { s.hook = hook }
}

// NewLifecycleScheduler creates a scheduler driving the given manager.
func NewLifecycleScheduler(manager *LifecycleManager, cfg SchedulerConfig, opts ...SchedulerOption) *LifecycleScheduler {
	def := DefaultSchedulerConfig()
	if cfg.MaxConcurrentOperations < 1 {
		cfg.MaxConcurrentOperations = def.MaxConcurrentOperations
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	s := &LifecycleScheduler{
		manager: manager,
		cfg:     cfg,
		logger:  nopLogger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentOperations)),
		agents:  make(map[AgentRef]bool),
		running: make(map[opKey]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds an agent to the periodic schedule. Registering the same
// pair twice is a no-op.
func (s *LifecycleScheduler) Register(userID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[AgentRef{UserID: userID, AgentID: agentID}] = true
}

// Unregister removes an agent from the schedule. An in-flight operation
// for the agent finishes normally.
func (s *LifecycleScheduler) Unregister(userID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, AgentRef{UserID: userID, AgentID: agentID})
}

// Start runs the periodic triggers until ctx is cancelled, then waits for
// in-flight operations to finish. Returns nil on clean shutdown.
func (s *LifecycleScheduler) Start(ctx context.Context) error {
	var loops sync.WaitGroup
	runLoop := func(op lifecycleOp, interval time.Duration) {
		if interval <= 0 {
			return
		}
		loops.Add(1)
		go func() {
			defer loops.Done()
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					s.tick(ctx, op)
				}
			}
		}()
	}
	runLoop(opDecay, s.cfg.DecayInterval)
	runLoop(opPromotion, s.cfg.PromotionInterval)
	runLoop(opCleanup, s.cfg.CleanupInterval)

	loops.Wait()
	s.wg.Wait()
	return nil
}

// tick fires one operation for every registered agent.
func (s *LifecycleScheduler) tick(ctx context.Context, op lifecycleOp) {
	s.mu.Lock()
	refs := make([]AgentRef, 0, len(s.agents))
	for ref := range s.agents {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		s.trigger(ctx, op, ref)
	}
}

// trigger starts one operation unless its (op, user, agent) is already
// running or the global cap is reached. Skipped triggers are not queued;
// the next tick retries naturally.
func (s *LifecycleScheduler) trigger(ctx context.Context, op lifecycleOp, ref AgentRef) {
	key := opKey{op: op, userID: ref.UserID, agentID: ref.AgentID}
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		s.logger.Debug("operation already running, skipping",
			"op", string(op),
			"user_id", ref.UserID,
			"agent_id", ref.AgentID)
		return
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		s.logger.Debug("concurrency cap reached, skipping",
			"op", string(op),
			"user_id", ref.UserID,
			"agent_id", ref.AgentID)
		return
	}
	s.running[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			s.mu.Lock()
			delete(s.running, key)
			s.mu.Unlock()
		}()

		err := s.runOp(ctx, op, ref)
		if err != nil {
			s.logger.Warn("lifecycle operation failed",
				"op", string(op),
				"user_id", ref.UserID,
				"agent_id", ref.AgentID,
				"error", err)
		}
		if s.hook != nil {
			s.hook(string(op), ref, err)
		}
	}()
}

// runOp executes one operation with retries. Cancellation stops retrying
// immediately.
func (s *LifecycleScheduler) runOp(ctx context.Context, op lifecycleOp, ref AgentRef) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(retryBackoff(s.cfg.RetryBackoff, attempt-1)):
			}
		}
		lastErr = s.execute(ctx, op, ref)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (s *LifecycleScheduler) execute(ctx context.Context, op lifecycleOp, ref AgentRef) error {
	switch op {
	case opDecay:
		_, err := s.manager.DecayEngine().ApplyDecay(ctx, ref.UserID, ref.AgentID)
		return err
	case opPromotion:
		_, err := s.manager.PromoteMemories(ctx, ref.UserID, ref.AgentID)
		return err
	case opCleanup:
		if _, err := s.manager.CleanupMemories(ctx, ref.UserID, ref.AgentID); err != nil {
			return err
		}
		_, err := s.manager.EnforceLimit(ctx, ref.UserID, ref.AgentID)
		return err
	}
	return fmt.Errorf("unknown lifecycle operation %q", op)
}
