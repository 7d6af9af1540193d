package conductor

import (
	"context"
	"errors"
	"time"
)

// --- Policy configuration ---

// TimeLimiterConfig controls WithTimeLimit.
type TimeLimiterConfig struct {
	// TimeoutDuration is the per-call deadline. Zero disables the limiter.
	TimeoutDuration Duration `toml:"timeout_duration"`
}

// DefaultTimeLimiterConfig returns the per-call deadline used when none is supplied.
func DefaultTimeLimiterConfig() TimeLimiterConfig {
	return TimeLimiterConfig{TimeoutDuration: Duration(60 * time.Second)}
}

// Validate reports an invalid deadline as a config error.
func (c TimeLimiterConfig) Validate() error {
	if c.TimeoutDuration < 0 {
		return Errorf(CategoryConfig, "INVALID_TIME_LIMITER_CONFIG", "timeout duration must not be negative")
	}
	return nil
}

// --- Provider decorator ---

// timeLimitProvider bounds every call to the inner provider with its own
// deadline. Sitting innermost in the resilience stack means the bound applies
// per attempt, not across a whole retry sequence.
type timeLimitProvider struct {
	inner Provider
	cfg   TimeLimiterConfig
}

// WithTimeLimit wraps p so each call runs under cfg.TimeoutDuration. On
// expiry the in-flight work is cancelled through the context and the call
// fails with timeout/PROVIDER_TIMEOUT. A deadline the caller set earlier
// stays authoritative and surfaces as the caller's own context error.
func WithTimeLimit(p Provider, cfg TimeLimiterConfig) Provider {
	t := &timeLimitProvider{inner: p, cfg: cfg}
	if s, ok := p.(StreamingProvider); ok {
		return &timeLimitStreamingProvider{timeLimitProvider: t, stream: s}
	}
	return t
}

// Info delegates to the inner provider.
func (t *timeLimitProvider) Info() ProviderInfo { return t.inner.Info() }

// Generate implements Provider under the per-call deadline.
func (t *timeLimitProvider) Generate(ctx context.Context, prompt string) (string, error) {
	d := t.cfg.TimeoutDuration.Duration()
	if d <= 0 {
		return t.inner.Generate(ctx, prompt)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	text, err := t.inner.Generate(callCtx, prompt)
	if err != nil && ctx.Err() == nil && deadlineHit(callCtx, err) {
		return "", t.timeoutErr(d)
	}
	return text, err
}

// timeLimitStreamingProvider applies the same per-call deadline to streams.
type timeLimitStreamingProvider struct {
	*timeLimitProvider
	stream StreamingProvider
}

// GenerateStream implements StreamingProvider under the per-call deadline.
func (t *timeLimitStreamingProvider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	d := t.cfg.TimeoutDuration.Duration()
	if d <= 0 {
		return t.stream.GenerateStream(ctx, prompt, sink)
	}
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	text, err := t.stream.GenerateStream(callCtx, prompt, sink)
	if err != nil && ctx.Err() == nil && deadlineHit(callCtx, err) {
		return "", t.timeoutErr(d)
	}
	return text, err
}

func (t *timeLimitProvider) timeoutErr(d time.Duration) *StructuredError {
	return Errorf(CategoryTimeout, "PROVIDER_TIMEOUT", "provider %s exceeded %s", t.inner.Info().Name, d)
}

// deadlineHit reports whether the failure traces back to the per-call
// deadline rather than an error of the provider's own.
func deadlineHit(callCtx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
}

// compile-time checks
var (
	_ Provider          = (*timeLimitProvider)(nil)
	_ Provider          = (*timeLimitStreamingProvider)(nil)
	_ StreamingProvider = (*timeLimitStreamingProvider)(nil)
)
