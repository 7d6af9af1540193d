// Package resolve maps provider names onto concrete provider constructors
// with sensible per-provider defaults.
package resolve

import (
	"github.com/skanga/conductor"
	"github.com/skanga/conductor/provider/anthropic"
	"github.com/skanga/conductor/provider/gemini"
	"github.com/skanga/conductor/provider/openaicompat"
)

// Config holds provider-agnostic settings for creating a Provider.
type Config struct {
	// Provider selects the backend: "anthropic", "gemini", "openai",
	// "azure", "groq", "deepseek", "together", "mistral", "ollama",
	// "localai", "vllm", "lmstudio".
	Provider string
	APIKey   string
	Model    string

	// BaseURL overrides the provider default. Required for azure (the
	// deployment URL) and for self-hosted endpoints on non-default ports.
	BaseURL string

	// Common cross-provider options (nil = provider default).
	Temperature  *float64
	TopP         *float64
	SystemPrompt string
}

// EmbeddingConfig holds settings for creating an EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates a conductor.Provider from a provider-agnostic Config.
// Unknown names and providers without a client in this module are reported
// as config errors.
func Provider(cfg Config) (conductor.Provider, error) {
	name := conductor.NormalizeName(cfg.Provider)
	switch name {
	case "anthropic", "claude":
		return anthropicProvider(cfg), nil
	case "gemini", "google":
		return geminiProvider(cfg), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama", "localai", "vllm", "lmstudio":
		return openaiCompatProvider(cfg, name), nil
	case "azure":
		return azureProvider(cfg)
	case "bedrock", "oracle":
		return nil, conductor.Errorf(conductor.CategoryConfig, "UNSUPPORTED_PROVIDER",
			"provider %q has no client in this build", name)
	default:
		return nil, conductor.Errorf(conductor.CategoryConfig, "UNKNOWN_PROVIDER",
			"unknown provider %q", cfg.Provider)
	}
}

// Embedding creates a conductor.EmbeddingProvider from an EmbeddingConfig.
func Embedding(cfg EmbeddingConfig) (conductor.EmbeddingProvider, error) {
	name := conductor.NormalizeName(cfg.Provider)
	switch name {
	case "gemini", "google":
		return gemini.NewEmbedding(cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case "openai", "ollama", "localai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(name)
		}
		return openaicompat.NewEmbedder(cfg.APIKey, cfg.Model, baseURL, cfg.Dimensions), nil
	default:
		return nil, conductor.Errorf(conductor.CategoryConfig, "UNKNOWN_PROVIDER",
			"embedding provider %q not supported", cfg.Provider)
	}
}

func anthropicProvider(cfg Config) conductor.Provider {
	var opts []anthropic.Option
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature != nil {
		opts = append(opts, anthropic.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, anthropic.WithTopP(*cfg.TopP))
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, anthropic.WithSystemPrompt(cfg.SystemPrompt))
	}
	return anthropic.New(cfg.APIKey, cfg.Model, opts...)
}

func geminiProvider(cfg Config) conductor.Provider {
	var opts []gemini.Option
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.SystemPrompt != "" {
		opts = append(opts, gemini.WithSystemPrompt(cfg.SystemPrompt))
	}
	return gemini.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config, name string) conductor.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(name)
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, compatOpts(cfg, name)...)
}

// azureProvider requires an explicit deployment URL; there is no sensible
// default host.
func azureProvider(cfg Config) (conductor.Provider, error) {
	if cfg.BaseURL == "" {
		return nil, conductor.NewError(conductor.CategoryConfig, "MISSING_BASE_URL",
			"azure provider requires the deployment URL as base URL")
	}
	opts := append(compatOpts(cfg, "azure"), openaicompat.WithAzure())
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, opts...), nil
}

func compatOpts(cfg Config, name string) []openaicompat.ProviderOption {
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(name)}
	if cfg.SystemPrompt != "" {
		provOpts = append(provOpts, openaicompat.WithSystemPrompt(cfg.SystemPrompt))
	}

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
	return provOpts
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
	case "localai":
		return "http://localhost:8080/v1"
	case "vllm":
		return "http://localhost:8000/v1"
	case "lmstudio":
		return "http://localhost:1234/v1"
	default:
		return ""
	}
}
