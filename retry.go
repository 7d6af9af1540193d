package conductor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// --- Policy configuration ---

// RetryStrategy selects the delay schedule between attempts.
type RetryStrategy string

const (
	// RetryExponentialBackoff grows the wait geometrically. The wait after the
	// k-th failed attempt is clamp(InitialDelay·Multiplier^(k-1), InitialDelay, MaxDelay).
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"

	// RetryFixedDelay waits InitialDelay between every pair of attempts.
	RetryFixedDelay RetryStrategy = "fixed_delay"

	// RetryNone retries immediately without waiting.
	RetryNone RetryStrategy = "none"
)

// RetryConfig controls WithRetry.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, first try included.
	MaxAttempts int `toml:"max_attempts"`

	// Strategy selects the delay schedule. Empty means exponential backoff.
	Strategy RetryStrategy `toml:"strategy"`

	// InitialDelay is the wait after the first failed attempt and the lower
	// clamp bound under exponential backoff.
	InitialDelay Duration `toml:"initial_delay"`

	// MaxDelay is the upper clamp bound. Zero means uncapped.
	MaxDelay Duration `toml:"max_delay"`

	// Multiplier is the geometric growth factor, valid in (1.0, 10.0].
	Multiplier float64 `toml:"multiplier"`

	// JitterEnabled perturbs each wait by a uniform offset in
	// [-JitterFactor·d, +JitterFactor·d].
	JitterEnabled bool    `toml:"jitter_enabled"`
	JitterFactor  float64 `toml:"jitter_factor"`

	// MaxTotalDuration bounds the cumulative wait across all attempts.
	// Zero means unbounded.
	MaxTotalDuration Duration `toml:"max_total_duration"`
}

// DefaultRetryConfig returns the retry policy used when none is supplied.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      3,
		Strategy:         RetryExponentialBackoff,
		InitialDelay:     Duration(500 * time.Millisecond),
		MaxDelay:         Duration(30 * time.Second),
		Multiplier:       2.0,
		JitterEnabled:    true,
		JitterFactor:     0.1,
		MaxTotalDuration: Duration(2 * time.Minute),
	}
}

// Validate reports the first invalid field as a config error.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return Errorf(CategoryConfig, "INVALID_RETRY_CONFIG", "max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	switch c.Strategy {
	case "", RetryExponentialBackoff, RetryFixedDelay, RetryNone:
	default:
		return Errorf(CategoryConfig, "INVALID_RETRY_CONFIG", "unknown retry strategy %q", c.Strategy)
	}
	if c.Strategy == RetryExponentialBackoff || c.Strategy == "" {
		if c.Multiplier <= 1.0 || c.Multiplier > 10.0 {
			return Errorf(CategoryConfig, "INVALID_RETRY_CONFIG", "multiplier must be in (1.0, 10.0], got %g", c.Multiplier)
		}
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return Errorf(CategoryConfig, "INVALID_RETRY_CONFIG", "jitter factor must be in [0, 1], got %g", c.JitterFactor)
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.MaxTotalDuration < 0 {
		return Errorf(CategoryConfig, "INVALID_RETRY_CONFIG", "delays must not be negative")
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return Errorf(CategoryConfig, "INVALID_RETRY_CONFIG", "max delay %s is below initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	return nil
}

// withDefaults fills zero fields so a partially built config stays usable.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Strategy == "" {
		c.Strategy = RetryExponentialBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	return c
}

// --- Provider decorator ---

// retryProvider wraps a Provider and re-issues failed calls while the error
// classifies as retryable.
type retryProvider struct {
	inner  Provider
	cfg    RetryConfig
	logger *slog.Logger
}

// RetryOption configures a retry wrapper beyond the policy itself.
type RetryOption func(*retryProvider)

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN and exhaustion at ERROR; the default discards both.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p so Generate is re-issued per cfg while errors classify as
// retryable. Non-retryable errors return after a single attempt. Compose with
// any Provider:
//
//	llm = conductor.WithRetry(openaicompat.New(key, model), conductor.DefaultRetryConfig())
func WithRetry(p Provider, cfg RetryConfig, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, cfg: cfg.withDefaults(), logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	if s, ok := p.(StreamingProvider); ok {
		return &retryStreamingProvider{retryProvider: r, stream: s}
	}
	return r
}

// Info delegates to the inner provider.
func (r *retryProvider) Info() ProviderInfo { return r.inner.Info() }

// Generate implements Provider with retry.
func (r *retryProvider) Generate(ctx context.Context, prompt string) (string, error) {
	return retryCall(ctx, r.cfg, r.inner.Info().Name, r.logger, func() (string, error) {
		return r.inner.Generate(ctx, prompt)
	})
}

// retryStreamingProvider re-dispatches a stream only while no token has
// reached the sink. Once output is flowing, errors pass through immediately
// so the caller never sees duplicate content.
type retryStreamingProvider struct {
	*retryProvider
	stream StreamingProvider
}

// GenerateStream implements StreamingProvider with retry.
func (r *retryStreamingProvider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	var started bool
	guarded := func(token string) {
		started = true
		sink(token)
	}

	var last error
	var slept time.Duration
	budget := r.cfg.MaxTotalDuration.Duration()
	name := r.inner.Info().Name
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		text, err := r.stream.GenerateStream(ctx, prompt, guarded)
		if err == nil || started || !IsRetryable(err) {
			return text, err
		}
		last = err
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := retryDelay(r.cfg, attempt, err)
		if budget > 0 && slept+delay > budget {
			r.logger.Warn("retry wait budget exhausted (stream)",
				"provider", name, "attempt", attempt, "slept", slept, "budget", budget)
			return "", last
		}
		r.logger.Warn("retrying after transient failure (stream)",
			"provider", name, "attempt", attempt, "max_attempts", r.cfg.MaxAttempts, "delay", delay, "error", err)
		if err := sleepFor(ctx, delay); err != nil {
			return "", err
		}
		slept += delay
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", name, "attempts", r.cfg.MaxAttempts, "error", last)
	return "", last
}

// --- Retry loop ---

// retryCall runs fn up to cfg.MaxAttempts times, waiting retryDelay between
// retryable failures while the cumulative wait stays within MaxTotalDuration.
// The last error is returned unchanged so classification survives the loop.
func retryCall[T any](ctx context.Context, cfg RetryConfig, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	var slept time.Duration
	budget := cfg.MaxTotalDuration.Duration()
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil || !IsRetryable(err) {
			return result, err
		}
		last = err
		if attempt == cfg.MaxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt, err)
		if budget > 0 && slept+delay > budget {
			logger.Warn("retry wait budget exhausted",
				"provider", name, "attempt", attempt, "slept", slept, "budget", budget)
			return zero, last
		}
		logger.Warn("retrying after transient failure",
			"provider", name, "attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay", delay, "error", err)
		if err := sleepFor(ctx, delay); err != nil {
			return zero, err
		}
		slept += delay
	}
	logger.Error("all retry attempts exhausted",
		"provider", name, "attempts", cfg.MaxAttempts, "error", last)
	return zero, last
}

// sleepFor blocks for d or until ctx is done, whichever comes first.
func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay computes the wait after the k-th failed attempt (1-indexed).
// A server Retry-After value acts as a floor over the scheduled backoff.
func retryDelay(cfg RetryConfig, k int, err error) time.Duration {
	d := retryBackoff(cfg, k)
	if cfg.JitterEnabled {
		d = retryJitter(d, cfg.JitterFactor)
	}
	if ra := retryAfterOf(err); ra > d {
		return ra
	}
	return d
}

// retryBackoff returns the scheduled wait after the k-th failed attempt,
// before jitter.
func retryBackoff(cfg RetryConfig, k int) time.Duration {
	switch cfg.Strategy {
	case RetryNone:
		return 0
	case RetryFixedDelay:
		return cfg.InitialDelay.Duration()
	}
	base := cfg.InitialDelay.Duration()
	if base <= 0 {
		return 0
	}
	f := float64(base) * math.Pow(cfg.Multiplier, float64(k-1))
	if f > float64(math.MaxInt64) {
		f = float64(math.MaxInt64)
	}
	d := time.Duration(f)
	if d < base {
		d = base
	}
	if limit := cfg.MaxDelay.Duration(); limit > 0 && d > limit {
		d = limit
	}
	return d
}

// retryJitter perturbs d by a uniform offset in [-f·d, +f·d], floored at zero.
func retryJitter(d time.Duration, f float64) time.Duration {
	if f <= 0 || d <= 0 {
		return d
	}
	off := (rand.Float64()*2 - 1) * f * float64(d)
	j := d + time.Duration(off)
	if j < 0 {
		return 0
	}
	return j
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// compile-time checks
var (
	_ Provider          = (*retryProvider)(nil)
	_ Provider          = (*retryStreamingProvider)(nil)
	_ StreamingProvider = (*retryStreamingProvider)(nil)
)
