package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store     StoreConfig     `toml:"store"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	PRIME     PRIMEConfig     `toml:"prime"`
	Batch     BatchConfig     `toml:"batch"`
	Noise     NoiseConfig     `toml:"noise"`
	Decay     DecayConfig     `toml:"decay"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Retry     RetryConfig     `toml:"retry"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Observer  ObserverConfig  `toml:"observer"`
}

type StoreConfig struct {
	Backend     string `toml:"backend"` // "sqlite", "postgres", "memory"
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type LLMConfig struct {
	Provider   string `toml:"provider"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
	SmallModel string `toml:"small_model"`
	LargeModel string `toml:"large_model"`
}

type EmbeddingConfig struct {
	Provider   string `toml:"provider"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
	BaseURL    string `toml:"base_url"`
}

type PRIMEConfig struct {
	Enabled           bool    `toml:"enabled"`
	Provider          string  `toml:"provider"`
	APIKey            string  `toml:"api_key"`
	DefaultTier       string  `toml:"default_tier"`
	AutoTierSelection bool    `toml:"auto_tier_selection"`
	FastMaxChars      int     `toml:"fast_max_chars"`
	AccurateMinChars  int     `toml:"accurate_min_chars"`
	FastModel         string  `toml:"fast_model"`
	BalancedModel     string  `toml:"balanced_model"`
	AccurateModel     string  `toml:"accurate_model"`
	MaxTokens         int     `toml:"max_tokens"`
	FallbackEnabled   bool    `toml:"fallback_enabled"`
	FallbackThreshold float64 `toml:"fallback_threshold"`
}

type BatchConfig struct {
	MaxBatchSize       int     `toml:"max_batch_size"`
	MinBatchSize       int     `toml:"min_batch_size"`
	TimeoutMinutes     int     `toml:"timeout_minutes"`
	ExtractionRate     float64 `toml:"extraction_rate"`
	EnableSmallModel   bool    `toml:"enable_small_model"`
	EnablePremiumModel bool    `toml:"enable_premium_model"`
	CostBudget         float64 `toml:"cost_budget"`
}

type NoiseConfig struct {
	MinMessageLength    int      `toml:"min_message_length"`
	CustomPatterns      []string `toml:"custom_patterns"`
	HeuristicBased      bool     `toml:"heuristic_based"`
	PerplexityThreshold float64  `toml:"perplexity_threshold"`
	LanguageAgnostic    bool     `toml:"language_agnostic"`
	LLMCheck            bool     `toml:"llm_check"`
	LLMModel            string   `toml:"llm_model"`
}

type DecayConfig struct {
	DefaultDecayRate     float64           `toml:"default_decay_rate"`
	DeleteThreshold      float64           `toml:"delete_threshold"`
	DefaultMinImportance float64           `toml:"default_min_importance"`
	Rules                []DecayRuleConfig `toml:"rules"`
}

type DecayRuleConfig struct {
	ID            string  `toml:"id"`
	Name          string  `toml:"name"`
	Condition     string  `toml:"condition"`
	DecayRate     float64 `toml:"decay_rate"`
	MinImportance float64 `toml:"min_importance"`
	NeverDecay    bool    `toml:"never_decay"`
	Enabled       bool    `toml:"enabled"`
}

type LifecycleConfig struct {
	EpisodicToSemanticDays     int     `toml:"episodic_to_semantic_days"`
	MinImportanceForPromotion  float64 `toml:"min_importance_for_promotion"`
	MinAccessCountForPromotion int     `toml:"min_access_count_for_promotion"`
	PreserveOriginal           bool    `toml:"preserve_original"`
	ArchiveEnabled             bool    `toml:"archive_enabled"`
	ArchiveTTLDays             int     `toml:"archive_ttl_days"`
	ArchiveKeyPattern          string  `toml:"archive_key_pattern"`
	MaxMemoriesPerAgent        int     `toml:"max_memories_per_agent"`
	ReinforcementBoost         float64 `toml:"reinforcement_boost"`
}

type SchedulerConfig struct {
	Enabled                  bool `toml:"enabled"`
	DecayIntervalMinutes     int  `toml:"decay_interval_minutes"`
	PromotionIntervalMinutes int  `toml:"promotion_interval_minutes"`
	CleanupIntervalMinutes   int  `toml:"cleanup_interval_minutes"`
	MaxConcurrentOperations  int  `toml:"max_concurrent_operations"`
	MaxRetries               int  `toml:"max_retries"`
}

type RetryConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	BaseDelayMs    int `toml:"base_delay_ms"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type RateLimitConfig struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Store:     StoreConfig{Backend: "sqlite", Path: "engram.db"},
		LLM:       LLMConfig{Provider: "openai", SmallModel: "gpt-4o-mini", LargeModel: "gpt-4o"},
		Embedding: EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536},
		PRIME: PRIMEConfig{
			Provider:          "openai",
			DefaultTier:       "balanced",
			AutoTierSelection: true,
			FastMaxChars:      200,
			AccurateMinChars:  1000,
			FastModel:         "gpt-4.1-nano",
			BalancedModel:     "gpt-4o-mini",
			AccurateModel:     "gpt-4o",
			MaxTokens:         500,
			FallbackEnabled:   true,
			FallbackThreshold: 0.3,
		},
		Batch: BatchConfig{
			MaxBatchSize:       10,
			MinBatchSize:       3,
			TimeoutMinutes:     30,
			ExtractionRate:     1.0,
			EnableSmallModel:   true,
			EnablePremiumModel: true,
		},
		Noise: NoiseConfig{
			MinMessageLength:    10,
			HeuristicBased:      true,
			PerplexityThreshold: 2.0,
		},
		Decay: DecayConfig{DefaultDecayRate: 0.1, DeleteThreshold: 0.1},
		Lifecycle: LifecycleConfig{
			EpisodicToSemanticDays:     7,
			MinImportanceForPromotion:  0.6,
			MinAccessCountForPromotion: 3,
			PreserveOriginal:           true,
			ArchiveEnabled:             true,
			ArchiveTTLDays:             30,
			MaxMemoriesPerAgent:        1000,
			ReinforcementBoost:         0.1,
		},
		Scheduler: SchedulerConfig{
			DecayIntervalMinutes:     60,
			PromotionIntervalMinutes: 360,
			CleanupIntervalMinutes:   1440,
			MaxConcurrentOperations:  4,
			MaxRetries:               2,
		},
		Retry: RetryConfig{MaxAttempts: 3, BaseDelayMs: 1000, TimeoutSeconds: 30},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "engram.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ENGRAM_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ENGRAM_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ENGRAM_PRIME_API_KEY"); v != "" {
		cfg.PRIME.APIKey = v
	}
	if v := os.Getenv("ENGRAM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ENGRAM_POSTGRES_URL"); v != "" {
		cfg.Store.PostgresURL = v
		cfg.Store.Backend = "postgres"
	}
	if os.Getenv("ENGRAM_OBSERVER_ENABLED") == "true" || os.Getenv("ENGRAM_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.PRIME.Provider == "" {
		cfg.PRIME.Provider = cfg.LLM.Provider
	}
	if cfg.PRIME.APIKey == "" {
		cfg.PRIME.APIKey = cfg.LLM.APIKey
	}

	return cfg
}
