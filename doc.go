// Package engram is an agent memory engine for Go.
//
// It ingests conversational messages produced by an AI agent, extracts
// durable memories from them through a tiered pipeline (regex rules, small
// model, large model, or the single-call PRIME strategy), stores those
// memories in a pluggable backend, and applies lifecycle operations — decay,
// episodic-to-semantic promotion, archival, cleanup — over time so an agent
// retains only the most useful information at bounded cost.
//
// # Quick Start
//
// Wire a storage adapter and an LLM adapter, then feed messages through a
// BatchProcessor:
//
//	st := memstore.New()
//	llm := engram.WithRetry(openaicompat.New(apiKey, "gpt-4o-mini", baseURL))
//
//	tracker := engram.NewCostTracker(engram.WithCostStorage(st))
//	batch := engram.NewBatchProcessor(st, engram.DefaultBatchConfig(),
//		engram.WithSmallExtractor(engram.NewSmallLLMExtractor(llm)),
//		engram.WithBatchCostTracker(tracker),
//	)
//
//	mems, err := batch.AddMessage(ctx, userID, agentID, msg)
//
// Lifecycle maintenance runs on its own schedule:
//
//	decay := engram.NewDecayEngine(st, engram.DefaultDecayConfig())
//	mgr := engram.NewLifecycleManager(st, decay, engram.DefaultLifecycleConfig())
//	sched := engram.NewLifecycleScheduler(mgr, engram.DefaultSchedulerConfig())
//	sched.Register(userID, agentID)
//	g.Go(func() error { return sched.Start(ctx) })
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Storage] — key-value persistence with TTL and prefix listing
//   - [MemoryWriter] — optional storage fast path for memory records
//   - [LLM] — model backend (structured object generation, streamed text)
//   - [Embedder] — text-to-vector embedding
//   - [Extractor] — pluggable memory extraction strategy
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), resolved by
// name through provider/resolve.
// Storage: store/memstore (in-process), store/sqlite (local file),
// store/postgres (pgx pool).
// Observability: the observer package wraps [LLM] and [Embedder] with
// OpenTelemetry traces, metrics, and logs.
//
// See cmd/engram for a complete wiring example.
package engram
