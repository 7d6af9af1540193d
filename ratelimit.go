package conductor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// --- Policy configuration ---

// RateLimiterConfig controls WithRateLimit. Permits refill continuously at
// LimitForPeriod per LimitRefreshPeriod with a burst of LimitForPeriod.
type RateLimiterConfig struct {
	// LimitForPeriod is the number of permits granted per refresh period.
	LimitForPeriod int `toml:"limit_for_period"`

	// LimitRefreshPeriod is the window over which LimitForPeriod applies.
	LimitRefreshPeriod Duration `toml:"limit_refresh_period"`

	// TimeoutDuration is how long a caller waits for a permit before the
	// call fails with rate_limit/RATE_LIMITER_TIMEOUT. Zero waits forever.
	TimeoutDuration Duration `toml:"timeout_duration"`
}

// DefaultRateLimiterConfig returns the limiter policy used when none is supplied.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		LimitForPeriod:     50,
		LimitRefreshPeriod: Duration(time.Second),
		TimeoutDuration:    Duration(5 * time.Second),
	}
}

// Validate reports the first invalid field as a config error.
func (c RateLimiterConfig) Validate() error {
	if c.LimitForPeriod < 1 {
		return Errorf(CategoryConfig, "INVALID_RATE_LIMITER_CONFIG", "limit for period must be at least 1, got %d", c.LimitForPeriod)
	}
	if c.LimitRefreshPeriod <= 0 {
		return Errorf(CategoryConfig, "INVALID_RATE_LIMITER_CONFIG", "limit refresh period must be positive")
	}
	if c.TimeoutDuration < 0 {
		return Errorf(CategoryConfig, "INVALID_RATE_LIMITER_CONFIG", "timeout duration must not be negative")
	}
	return nil
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	d := DefaultRateLimiterConfig()
	if c.LimitForPeriod <= 0 {
		c.LimitForPeriod = d.LimitForPeriod
	}
	if c.LimitRefreshPeriod <= 0 {
		c.LimitRefreshPeriod = d.LimitRefreshPeriod
	}
	return c
}

// --- Rate limiter ---

// RateLimiter is a token bucket guarding one (provider, operation) pair.
type RateLimiter struct {
	name    string
	cfg     RateLimiterConfig
	limiter *rate.Limiter
}

// NewRateLimiter builds a standalone limiter. Most callers want LimiterFor,
// which shares limiters process-wide per (provider, operation).
func NewRateLimiter(name string, cfg RateLimiterConfig) *RateLimiter {
	cfg = cfg.withDefaults()
	per := cfg.LimitRefreshPeriod.Duration()
	return &RateLimiter{
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.LimitForPeriod)/per.Seconds()), cfg.LimitForPeriod),
	}
}

// Name returns the registry key of this limiter.
func (rl *RateLimiter) Name() string { return rl.name }

// Acquire blocks until a permit is available, the configured wait timeout
// elapses, or ctx is done. Timeout yields rate_limit/RATE_LIMITER_TIMEOUT;
// caller cancellation yields the context error unchanged. The reservation is
// taken up front and the wait is performed here rather than via Limiter.Wait,
// which would fail fast instead of honoring cancellation when the required
// wait exceeds the timeout.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := rl.limiter.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	wait := rl.cfg.TimeoutDuration.Duration()
	if wait > 0 && delay > wait {
		// The permit cannot arrive within the timeout. Release it and hold
		// the caller for the remaining window so cancellation still wins.
		res.Cancel()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return Errorf(CategoryRateLimit, "RATE_LIMITER_TIMEOUT",
				"no permit for %s within %s", rl.name, rl.cfg.TimeoutDuration)
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// --- Registry ---

// The limiter registry is process-global so every wrapped provider instance
// targeting the same (provider, operation) pair draws from one bucket.
var (
	limitersMu sync.Mutex
	limiters   = map[string]*RateLimiter{}
)

// LimiterFor returns the shared rate limiter for (provider, operation),
// creating it with cfg on first use. Later calls for the same pair keep the
// original configuration.
func LimiterFor(provider, operation string, cfg RateLimiterConfig) *RateLimiter {
	key := provider + "/" + operation
	limitersMu.Lock()
	defer limitersMu.Unlock()
	if rl, ok := limiters[key]; ok {
		return rl
	}
	rl := NewRateLimiter(key, cfg)
	limiters[key] = rl
	return rl
}

// ResetRateLimiters drops every registered limiter. Intended for tests and
// for operational resets after a configuration rollout.
func ResetRateLimiters() {
	limitersMu.Lock()
	defer limitersMu.Unlock()
	limiters = map[string]*RateLimiter{}
}

// --- Provider decorator ---

// rateLimitProvider wraps a Provider so calls wait for a permit before they
// reach the dependency.
type rateLimitProvider struct {
	inner Provider
	rl    *RateLimiter
}

// WithRateLimit wraps p with the process-wide token bucket for its normalized
// provider name. Compose with other wrappers:
//
//	llm = conductor.WithRateLimit(provider, cfg)
//	llm = conductor.WithRateLimit(conductor.WithRetry(provider, retryCfg), cfg)
func WithRateLimit(p Provider, cfg RateLimiterConfig) Provider {
	name := NormalizeName(p.Info().Name)
	r := &rateLimitProvider{inner: p, rl: LimiterFor(name, "generate", cfg)}
	if s, ok := p.(StreamingProvider); ok {
		return &rateLimitStreamingProvider{
			rateLimitProvider: r,
			stream:            s,
			srl:               LimiterFor(name, "generate_stream", cfg),
		}
	}
	return r
}

// Info delegates to the inner provider.
func (r *rateLimitProvider) Info() ProviderInfo { return r.inner.Info() }

// Generate implements Provider behind the limiter.
func (r *rateLimitProvider) Generate(ctx context.Context, prompt string) (string, error) {
	if err := r.rl.Acquire(ctx); err != nil {
		return "", err
	}
	return r.inner.Generate(ctx, prompt)
}

// rateLimitStreamingProvider draws stream permits from a bucket of its own so
// streaming load cannot starve plain generation.
type rateLimitStreamingProvider struct {
	*rateLimitProvider
	stream StreamingProvider
	srl    *RateLimiter
}

// GenerateStream implements StreamingProvider behind the limiter.
func (r *rateLimitStreamingProvider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	if err := r.srl.Acquire(ctx); err != nil {
		return "", err
	}
	return r.stream.GenerateStream(ctx, prompt, sink)
}

// compile-time checks
var (
	_ Provider          = (*rateLimitProvider)(nil)
	_ Provider          = (*rateLimitStreamingProvider)(nil)
	_ StreamingProvider = (*rateLimitStreamingProvider)(nil)
)
