package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/nevindra/engram"
	"github.com/nevindra/engram/internal/config"
	"github.com/nevindra/engram/observer"
	"github.com/nevindra/engram/provider/resolve"
	"github.com/nevindra/engram/store/memstore"
	"github.com/nevindra/engram/store/postgres"
	"github.com/nevindra/engram/store/sqlite"
)

const (
	devUserID  = "dev"
	devAgentID = "assistant"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("ENGRAM_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 3. Store
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	// 4. LLM adapters, wrapped with retry, rate limiting, and observability
	small, err := buildLLM(cfg, cfg.LLM.SmallModel, inst)
	if err != nil {
		log.Fatalf("small model: %v", err)
	}
	large, err := buildLLM(cfg, cfg.LLM.LargeModel, inst)
	if err != nil {
		log.Fatalf("large model: %v", err)
	}

	embedder, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		log.Fatalf("embedding: %v", err)
	}
	embedder = engram.WithEmbeddingRetry(embedder)
	if inst != nil {
		embedder = observer.WrapEmbedder(embedder, cfg.Embedding.Model, inst)
	}

	// 5. Cost tracking, noise filtering, extraction tiers
	tracker := engram.NewCostTracker(
		engram.WithCostStorage(store),
		engram.WithCostLogger(logger),
	)

	noiseOpts := []engram.NoiseOption{engram.WithNoiseLogger(logger)}
	if cfg.Noise.LLMCheck {
		noiseOpts = append(noiseOpts, engram.WithNoiseLLM(small))
	}
	noise := engram.NewNoiseFilter(engram.NoiseConfig{
		MinMessageLength:    cfg.Noise.MinMessageLength,
		CustomPatterns:      cfg.Noise.CustomPatterns,
		HeuristicBased:      cfg.Noise.HeuristicBased,
		PerplexityThreshold: cfg.Noise.PerplexityThreshold,
		LanguageAgnostic:    cfg.Noise.LanguageAgnostic,
		LLMModel:            cfg.Noise.LLMModel,
	}, noiseOpts...)

	rules := engram.NewRuleExtractor(
		engram.WithRuleCostTracker(tracker),
		engram.WithRuleLogger(logger),
	)

	batchCfg := engram.BatchConfig{
		MaxBatchSize:       cfg.Batch.MaxBatchSize,
		MinBatchSize:       cfg.Batch.MinBatchSize,
		Timeout:            time.Duration(cfg.Batch.TimeoutMinutes) * time.Minute,
		ExtractionRate:     cfg.Batch.ExtractionRate,
		EnableSmallModel:   cfg.Batch.EnableSmallModel,
		EnablePremiumModel: cfg.Batch.EnablePremiumModel,
		CostBudget:         cfg.Batch.CostBudget,
	}

	batchOpts := []engram.BatchOption{
		engram.WithNoiseFilter(noise),
		engram.WithRuleExtractor(rules),
		engram.WithBatchCostTracker(tracker),
		engram.WithBatchLogger(logger),
	}
	if cfg.PRIME.Enabled {
		// PRIME already auto-tiers internally, so it takes over the LLM
		// side of the pipeline and the separate premium tier is disabled.
		primeLLM, err := buildPRIMELLM(cfg, inst)
		if err != nil {
			log.Fatalf("prime model: %v", err)
		}
		prime, err := engram.NewPRIMEExtractor(primeLLM, primeConfig(cfg.PRIME),
			engram.WithPRIMECostTracker(tracker),
			engram.WithPRIMELogger(logger),
		)
		if err != nil {
			log.Fatalf("prime: %v", err)
		}
		batchCfg.EnablePremiumModel = false
		batchOpts = append(batchOpts, engram.WithSmallExtractor(prime))
	} else {
		smallEx := engram.NewSmallLLMExtractor(small,
			engram.WithExtractorCostTracker(tracker),
			engram.WithExtractorLogger(logger),
		)
		largeEx := engram.NewLargeLLMExtractor(large,
			engram.WithExtractorCostTracker(tracker),
			engram.WithExtractorLogger(logger),
		)
		batchOpts = append(batchOpts,
			engram.WithSmallExtractor(smallEx),
			engram.WithLargeExtractor(largeEx),
		)
	}

	// 6. Batch pipeline
	processor := engram.NewBatchProcessor(store, batchCfg, batchOpts...)

	// 7. Decay, lifecycle, scheduler
	decay := engram.NewDecayEngine(store, decayConfig(cfg.Decay), engram.WithDecayLogger(logger))
	lifecycle := engram.NewLifecycleManager(store, decay, lifecycleConfig(cfg.Lifecycle),
		engram.WithLifecycleLogger(logger))

	schedOpts := []engram.SchedulerOption{engram.WithSchedulerLogger(logger)}
	if inst != nil {
		schedOpts = append(schedOpts, engram.WithOnOperation(observer.LifecycleHook(inst)))
	}
	sched := engram.NewLifecycleScheduler(lifecycle, schedulerConfig(cfg.Scheduler), schedOpts...)
	sched.Register(devUserID, devAgentID)

	// 8. Connection graph
	graph := engram.NewConnectionGraph(store,
		engram.WithGraphLogger(logger),
		engram.WithGraphEmbedder(embedder),
	)

	// 9. Run background loops + dev loop
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return sched.Start(gctx) })
	}
	g.Go(func() error { return devLoop(gctx, stop, store, processor, lifecycle, graph, inst) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

// openStore selects the storage backend from config. The returned close
// function is safe to call once.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (engram.Storage, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	case "memory":
		return memstore.New(), func() {}, nil
	default:
		st := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
}

// buildLLM resolves one chat adapter and applies the middleware stack.
func buildLLM(cfg config.Config, model string, inst *observer.Instruments) (engram.LLM, error) {
	llm, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return wrapLLM(llm, model, cfg, inst), nil
}

func buildPRIMELLM(cfg config.Config, inst *observer.Instruments) (engram.LLM, error) {
	llm, err := resolve.Provider(resolve.Config{
		Provider: cfg.PRIME.Provider,
		APIKey:   cfg.PRIME.APIKey,
		Model:    cfg.PRIME.BalancedModel,
	})
	if err != nil {
		return nil, err
	}
	return wrapLLM(llm, cfg.PRIME.BalancedModel, cfg, inst), nil
}

func wrapLLM(llm engram.LLM, model string, cfg config.Config, inst *observer.Instruments) engram.LLM {
	retryOpts := []engram.RetryOption{}
	if cfg.Retry.MaxAttempts > 0 {
		retryOpts = append(retryOpts, engram.RetryMaxAttempts(cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.BaseDelayMs > 0 {
		retryOpts = append(retryOpts, engram.RetryBaseDelay(time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond))
	}
	if cfg.Retry.TimeoutSeconds > 0 {
		retryOpts = append(retryOpts, engram.RetryTimeout(time.Duration(cfg.Retry.TimeoutSeconds)*time.Second))
	}
	llm = engram.WithRetry(llm, retryOpts...)

	if cfg.RateLimit.RPM > 0 || cfg.RateLimit.TPM > 0 {
		rlOpts := []engram.RateLimitOption{}
		if cfg.RateLimit.RPM > 0 {
			rlOpts = append(rlOpts, engram.RPM(cfg.RateLimit.RPM))
		}
		if cfg.RateLimit.TPM > 0 {
			rlOpts = append(rlOpts, engram.TPM(cfg.RateLimit.TPM))
		}
		llm = engram.WithRateLimit(llm, rlOpts...)
	}

	if inst != nil {
		llm = observer.WrapLLM(llm, model, inst)
	}
	return llm
}

func primeConfig(c config.PRIMEConfig) engram.PRIMEConfig {
	return engram.PRIMEConfig{
		Provider:          c.Provider,
		APIKey:            c.APIKey,
		DefaultTier:       c.DefaultTier,
		AutoTierSelection: c.AutoTierSelection,
		FastMaxChars:      c.FastMaxChars,
		AccurateMinChars:  c.AccurateMinChars,
		FastModel:         c.FastModel,
		BalancedModel:     c.BalancedModel,
		AccurateModel:     c.AccurateModel,
		MaxTokens:         c.MaxTokens,
		FallbackEnabled:   c.FallbackEnabled,
		FallbackThreshold: c.FallbackThreshold,
	}
}

func decayConfig(c config.DecayConfig) engram.DecayConfig {
	rules := make([]engram.DecayRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, engram.DecayRule{
			ID:            r.ID,
			Name:          r.Name,
			Condition:     r.Condition,
			DecayRate:     r.DecayRate,
			MinImportance: r.MinImportance,
			NeverDecay:    r.NeverDecay,
			Enabled:       r.Enabled,
		})
	}
	return engram.DecayConfig{
		DefaultDecayRate:     c.DefaultDecayRate,
		DeleteThreshold:      c.DeleteThreshold,
		DefaultMinImportance: c.DefaultMinImportance,
		Rules:                rules,
	}
}

func lifecycleConfig(c config.LifecycleConfig) engram.LifecycleConfig {
	return engram.LifecycleConfig{
		EpisodicToSemanticDays:     c.EpisodicToSemanticDays,
		MinImportanceForPromotion:  c.MinImportanceForPromotion,
		MinAccessCountForPromotion: c.MinAccessCountForPromotion,
		PreserveOriginal:           c.PreserveOriginal,
		ArchiveEnabled:             c.ArchiveEnabled,
		ArchiveTTL:                 time.Duration(c.ArchiveTTLDays) * 24 * time.Hour,
		ArchiveKeyPattern:          c.ArchiveKeyPattern,
		MaxMemoriesPerAgent:        c.MaxMemoriesPerAgent,
		ReinforcementBoost:         c.ReinforcementBoost,
	}
}

func schedulerConfig(c config.SchedulerConfig) engram.SchedulerConfig {
	return engram.SchedulerConfig{
		DecayInterval:           time.Duration(c.DecayIntervalMinutes) * time.Minute,
		PromotionInterval:       time.Duration(c.PromotionIntervalMinutes) * time.Minute,
		CleanupInterval:         time.Duration(c.CleanupIntervalMinutes) * time.Minute,
		MaxConcurrentOperations: c.MaxConcurrentOperations,
		MaxRetries:              c.MaxRetries,
	}
}

// devLoop feeds stdin lines through the pipeline as user messages.
// Slash commands poke the maintenance surfaces directly.
func devLoop(ctx context.Context, stop context.CancelFunc, store engram.Storage, processor *engram.BatchProcessor, lifecycle *engram.LifecycleManager, graph *engram.ConnectionGraph, inst *observer.Instruments) error {
	fmt.Println("engram dev loop. Type a message, or /flush /memories /lifecycle /insights /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed: process what is left, then shut down.
				flush(ctx, processor, inst)
				stop()
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			switch {
			case line == "/quit":
				stop()
				return nil
			case line == "/flush":
				flush(ctx, processor, inst)
			case line == "/memories":
				listMemories(ctx, store)
			case line == "/lifecycle":
				res, err := lifecycle.RunLifecycle(ctx, devUserID, devAgentID)
				if err != nil {
					fmt.Println("lifecycle:", err)
					continue
				}
				fmt.Printf("decay %d/%d updated, %d deleted; promoted %d, cleaned %d, trimmed %d\n",
					res.Decay.Updated, res.Decay.Processed, res.Decay.Deleted,
					res.Promoted, res.Cleaned, res.Trimmed)
			case line == "/insights":
				ins, err := graph.GraphInsights(ctx, devUserID, devAgentID)
				if err != nil {
					fmt.Println("insights:", err)
					continue
				}
				fmt.Printf("%d memories, %d connections, avg degree %.2f, %d clusters\n",
					ins.TotalMemories, ins.TotalConnections, ins.AvgDegree, len(ins.Clusters))
			default:
				msg := engram.UserMemoryMessage(devAgentID, line)
				memories, err := processor.AddMessage(ctx, devUserID, devAgentID, msg)
				if err != nil {
					fmt.Println("add:", err)
					continue
				}
				if len(memories) == 0 {
					fmt.Printf("buffered (%d waiting)\n", processor.Buffered(devUserID, devAgentID))
					continue
				}
				if inst != nil {
					inst.RecordExtraction(ctx, devAgentID, memories)
				}
				printMemories(memories)
			}
		}
	}
}

func flush(ctx context.Context, processor *engram.BatchProcessor, inst *observer.Instruments) {
	memories, err := processor.Flush(ctx, devUserID, devAgentID)
	if err != nil {
		fmt.Println("flush:", err)
		return
	}
	if inst != nil {
		inst.RecordExtraction(ctx, devAgentID, memories)
	}
	printMemories(memories)
}

func listMemories(ctx context.Context, store engram.Storage) {
	keys, err := store.List(ctx, engram.MemoryPrefix(devUserID, devAgentID))
	if err != nil {
		fmt.Println("list:", err)
		return
	}
	for _, key := range keys {
		m, ok, err := engram.GetJSON[engram.Memory](ctx, store, key)
		if err != nil || !ok {
			continue
		}
		fmt.Printf("  %s [%s] imp=%.2f res=%.2f %s\n", m.ID, m.Type, m.Importance, m.Resonance, snippet(m.Content))
	}
	fmt.Printf("%d memories\n", len(keys))
}

func printMemories(memories []engram.Memory) {
	for _, m := range memories {
		fmt.Printf("  + [%s] imp=%.2f %s\n", m.Type, m.Importance, snippet(m.Content))
	}
	fmt.Printf("extracted %d memories\n", len(memories))
}

func snippet(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[:77] + "..."
}
