package openaicompat

import (
	"log/slog"
	"net/http"
)

// Option configures a chat request.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0.0-2.0).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0-1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithStop sets one or more stop sequences.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed sets a deterministic seed for reproducible outputs.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// ProviderOption configures the Provider itself.
type ProviderOption func(*Provider)

// WithName overrides the provider name used for routing and metrics.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithSystemPrompt sets a system message sent before every user prompt.
func WithSystemPrompt(s string) ProviderOption {
	return func(p *Provider) { p.systemPrompt = s }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithAzure switches auth to Azure OpenAI mode: the key goes into the
// api-key header and the base URL is used verbatim (deployment URLs carry
// their own path and api-version query).
func WithAzure() ProviderOption {
	return func(p *Provider) { p.azure = true }
}

// WithOptions applies request options to every call.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithLogger sets a structured logger. Default: no logs.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}
