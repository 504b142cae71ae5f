// Package resolve turns provider-agnostic configuration into concrete
// LLM and Embedder adapters. It exists so callers can name a provider in
// config ("openai", "groq", ...) without importing adapter packages.
package resolve

import (
	"fmt"

	"github.com/nevindra/engram"
	"github.com/nevindra/engram/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating an LLM.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// Embedder.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates an engram.LLM from a provider-agnostic Config.
func Provider(cfg Config) (engram.LLM, error) {
	switch cfg.Provider {
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, &engram.ErrConfig{Component: "resolve", Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}

// EmbeddingProvider creates an engram.Embedder from a provider-agnostic
// EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (engram.Embedder, error) {
	switch cfg.Provider {
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.NewEmbedding(cfg.APIKey, cfg.Model, baseURL, cfg.Dimensions,
			openaicompat.WithEmbeddingName(cfg.Provider)), nil
	default:
		return nil, &engram.ErrConfig{Component: "resolve", Message: fmt.Sprintf("embedding provider %q not supported", cfg.Provider)}
	}
}

func openaiCompatProvider(cfg Config) engram.LLM {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	var provOpts []openaicompat.ProviderOption
	provOpts = append(provOpts, openaicompat.WithName(cfg.Provider))

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
