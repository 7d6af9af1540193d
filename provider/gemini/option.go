package gemini

import (
	"log/slog"
	"net/http"
)

// Option configures the Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (0.0-2.0). Default 0.1.
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets nucleus sampling top-p. Default 0.9.
func WithTopP(p float64) Option {
	return func(g *Gemini) { g.topP = p }
}

// WithSystemPrompt sets a system instruction sent with every request.
func WithSystemPrompt(s string) Option {
	return func(g *Gemini) { g.systemPrompt = s }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.client = c }
}

// WithLogger sets a structured logger. Default: no logs.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gemini) { g.logger = l }
}
