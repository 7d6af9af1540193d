package conductor

import "log/slog"

// ResilienceConfig bundles the four provider call policies.
type ResilienceConfig struct {
	RateLimiter    RateLimiterConfig `toml:"rate_limiter"`
	CircuitBreaker BreakerConfig     `toml:"circuit_breaker"`
	Retry          RetryConfig       `toml:"retry"`
	TimeLimiter    TimeLimiterConfig `toml:"time_limiter"`
}

// DefaultResilienceConfig returns the stack applied to providers when the
// orchestrator is not given an explicit one.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		RateLimiter:    DefaultRateLimiterConfig(),
		CircuitBreaker: DefaultBreakerConfig(),
		Retry:          DefaultRetryConfig(),
		TimeLimiter:    DefaultTimeLimiterConfig(),
	}
}

// Validate reports the first invalid policy as a config error.
func (c ResilienceConfig) Validate() error {
	if err := c.RateLimiter.Validate(); err != nil {
		return err
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return c.TimeLimiter.Validate()
}

type resilienceOptions struct {
	logger *slog.Logger
}

// ResilienceOption configures WrapResilience.
type ResilienceOption func(*resilienceOptions)

// ResilienceLogger sets the structured logger shared by all four policy
// layers. The default discards policy events.
func ResilienceLogger(l *slog.Logger) ResilienceOption {
	return func(o *resilienceOptions) { o.logger = l }
}

// WrapResilience layers the call policies around p. A call traverses, in
// order: rate limiter, circuit breaker, retry loop, per-attempt time limit,
// then p itself. The limiter runs first to protect the dependency, the
// breaker next to short-circuit a known-bad target before any waiting
// happens, and the time limit sits innermost so each attempt gets its own
// deadline rather than sharing one across the whole retry sequence.
//
//	llm := conductor.WrapResilience(openaicompat.New(key, model), conductor.DefaultResilienceConfig())
func WrapResilience(p Provider, cfg ResilienceConfig, opts ...ResilienceOption) Provider {
	o := resilienceOptions{logger: nopLogger}
	for _, opt := range opts {
		opt(&o)
	}
	wrapped := WithTimeLimit(p, cfg.TimeLimiter)
	wrapped = WithRetry(wrapped, cfg.Retry, RetryLogger(o.logger))
	wrapped = WithCircuitBreaker(wrapped, cfg.CircuitBreaker, BreakerLogger(o.logger))
	return WithRateLimit(wrapped, cfg.RateLimiter)
}
