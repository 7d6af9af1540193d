package conductor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// --- Policy configuration ---

// SlidingWindowType selects how a circuit breaker aggregates call outcomes.
type SlidingWindowType string

const (
	// WindowCountBased aggregates over the last SlidingWindowSize calls.
	WindowCountBased SlidingWindowType = "COUNT_BASED"

	// WindowTimeBased aggregates over the last SlidingWindowSize seconds.
	WindowTimeBased SlidingWindowType = "TIME_BASED"
)

// BreakerState is the circuit breaker lifecycle state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig controls WithCircuitBreaker.
type BreakerConfig struct {
	// SlidingWindowType is COUNT_BASED or TIME_BASED. Empty means COUNT_BASED.
	SlidingWindowType SlidingWindowType `toml:"sliding_window_type"`

	// SlidingWindowSize is a call count (COUNT_BASED) or seconds (TIME_BASED).
	SlidingWindowSize int `toml:"sliding_window_size"`

	// MinimumCalls is how many recorded calls the window needs before the
	// breaker evaluates rates at all.
	MinimumCalls int `toml:"minimum_calls"`

	// FailureRateThreshold opens the circuit when the failure percentage over
	// the window reaches it.
	FailureRateThreshold float64 `toml:"failure_rate_threshold"`

	// SlowCallDurationThreshold marks a call slow when it takes at least this
	// long, successful or not.
	SlowCallDurationThreshold Duration `toml:"slow_call_duration_threshold"`

	// SlowCallRateThreshold opens the circuit when the slow-call percentage
	// over the window reaches it.
	SlowCallRateThreshold float64 `toml:"slow_call_rate_threshold"`

	// WaitDurationInOpenState is how long the circuit stays open before a
	// probe window is admitted.
	WaitDurationInOpenState Duration `toml:"wait_duration_in_open_state"`

	// PermittedCallsInHalfOpenState is the probe window size.
	PermittedCallsInHalfOpenState int `toml:"permitted_calls_in_half_open_state"`
}

// DefaultBreakerConfig returns the breaker policy used when none is supplied.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		SlidingWindowType:             WindowCountBased,
		SlidingWindowSize:             20,
		MinimumCalls:                  5,
		FailureRateThreshold:          50,
		SlowCallDurationThreshold:     Duration(10 * time.Second),
		SlowCallRateThreshold:         100,
		WaitDurationInOpenState:       Duration(30 * time.Second),
		PermittedCallsInHalfOpenState: 3,
	}
}

// Validate reports the first invalid field as a config error.
func (c BreakerConfig) Validate() error {
	switch c.SlidingWindowType {
	case "", WindowCountBased, WindowTimeBased:
	default:
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "unknown sliding window type %q", c.SlidingWindowType)
	}
	if c.SlidingWindowSize < 1 {
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "sliding window size must be at least 1, got %d", c.SlidingWindowSize)
	}
	if c.MinimumCalls < 1 {
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "minimum calls must be at least 1, got %d", c.MinimumCalls)
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "failure rate threshold must be in (0, 100], got %g", c.FailureRateThreshold)
	}
	if c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 100 {
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "slow call rate threshold must be in (0, 100], got %g", c.SlowCallRateThreshold)
	}
	if c.WaitDurationInOpenState <= 0 {
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "wait duration in open state must be positive")
	}
	if c.PermittedCallsInHalfOpenState < 1 {
		return Errorf(CategoryConfig, "INVALID_BREAKER_CONFIG", "permitted half-open calls must be at least 1, got %d", c.PermittedCallsInHalfOpenState)
	}
	return nil
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.SlidingWindowType == "" {
		c.SlidingWindowType = d.SlidingWindowType
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = d.SlidingWindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = d.MinimumCalls
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.SlowCallDurationThreshold <= 0 {
		c.SlowCallDurationThreshold = d.SlowCallDurationThreshold
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = d.SlowCallRateThreshold
	}
	if c.WaitDurationInOpenState <= 0 {
		c.WaitDurationInOpenState = d.WaitDurationInOpenState
	}
	if c.PermittedCallsInHalfOpenState <= 0 {
		c.PermittedCallsInHalfOpenState = d.PermittedCallsInHalfOpenState
	}
	return c
}

// --- Circuit breaker ---

type breakerCall struct {
	at      time.Time
	failure bool
	slow    bool
}

// CircuitBreaker tracks call outcomes for one (provider, operation) pair and
// short-circuits calls while the tracked dependency looks unhealthy.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	window   []breakerCall
	openedAt time.Time

	// half-open probe bookkeeping
	probeBudget int
	probeDone   int
	probeFails  int

	now func() time.Time
}

// NewCircuitBreaker builds a standalone breaker. Most callers want BreakerFor,
// which shares breakers process-wide per (provider, operation).
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: nopLogger,
		state:  BreakerClosed,
		now:    time.Now,
	}
}

// Name returns the registry key of this breaker.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current lifecycle state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// acquire admits or rejects one call. The returned error is nil when the call
// may proceed; otherwise it is a service_unavailable/CIRCUIT_OPEN error.
func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.WaitDurationInOpenState.Duration() {
			return cb.openErr()
		}
		cb.toHalfOpen()
		cb.probeBudget--
		return nil
	case BreakerHalfOpen:
		if cb.probeBudget <= 0 {
			return cb.openErr()
		}
		cb.probeBudget--
		return nil
	}
	return nil
}

// record registers the outcome of an admitted call.
func (cb *CircuitBreaker) record(elapsed time.Duration, err error) {
	// Caller cancellation is not a dependency outcome and is not recorded.
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	failure := err != nil
	slow := elapsed >= cb.cfg.SlowCallDurationThreshold.Duration()

	switch cb.state {
	case BreakerClosed:
		cb.window = append(cb.window, breakerCall{at: cb.now(), failure: failure, slow: slow})
		cb.prune()
		if fails, slows, total := cb.rates(); total >= cb.cfg.MinimumCalls {
			failRate := percent(fails, total)
			slowRate := percent(slows, total)
			if failRate >= cb.cfg.FailureRateThreshold || slowRate >= cb.cfg.SlowCallRateThreshold {
				cb.toOpen(failRate, slowRate)
			}
		}
	case BreakerHalfOpen:
		cb.probeDone++
		if failure {
			cb.probeFails++
		}
		if cb.probeDone >= cb.cfg.PermittedCallsInHalfOpenState {
			failRate := percent(cb.probeFails, cb.probeDone)
			if failRate < cb.cfg.FailureRateThreshold {
				cb.toClosed()
			} else {
				cb.toOpen(failRate, 0)
			}
		}
	case BreakerOpen:
		// A call admitted just before the circuit opened; the outcome no
		// longer influences the window.
	}
}

// prune drops window entries outside the configured sliding window.
// Callers hold cb.mu.
func (cb *CircuitBreaker) prune() {
	if cb.cfg.SlidingWindowType == WindowTimeBased {
		cutoff := cb.now().Add(-time.Duration(cb.cfg.SlidingWindowSize) * time.Second)
		i := 0
		for i < len(cb.window) && cb.window[i].at.Before(cutoff) {
			i++
		}
		cb.window = cb.window[i:]
		return
	}
	if over := len(cb.window) - cb.cfg.SlidingWindowSize; over > 0 {
		cb.window = cb.window[over:]
	}
}

// rates counts failures, slow calls, and total calls in the window.
// Callers hold cb.mu.
func (cb *CircuitBreaker) rates() (fails, slows, total int) {
	for _, c := range cb.window {
		if c.failure {
			fails++
		}
		if c.slow {
			slows++
		}
	}
	return fails, slows, len(cb.window)
}

func (cb *CircuitBreaker) toOpen(failRate, slowRate float64) {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.window = nil
	cb.logger.Warn("circuit opened",
		"breaker", cb.name, "failure_rate", failRate, "slow_call_rate", slowRate,
		"wait", cb.cfg.WaitDurationInOpenState.Duration())
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = BreakerHalfOpen
	cb.probeBudget = cb.cfg.PermittedCallsInHalfOpenState
	cb.probeDone = 0
	cb.probeFails = 0
	cb.logger.Info("circuit half-open", "breaker", cb.name, "probes", cb.probeBudget)
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = BreakerClosed
	cb.window = nil
	cb.logger.Info("circuit closed", "breaker", cb.name)
}

func (cb *CircuitBreaker) openErr() *StructuredError {
	return Errorf(CategoryServiceUnavailable, "CIRCUIT_OPEN", "circuit breaker %s is open", cb.name).
		WithHint(HintUseFallback)
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// --- Registry ---

// The breaker registry is process-global so every wrapped provider instance
// targeting the same (provider, operation) pair shares one breaker. Together
// with the rate limiter registry it is the only module-level mutable state.
var (
	breakersMu sync.Mutex
	breakers   = map[string]*CircuitBreaker{}
)

// BreakerFor returns the shared circuit breaker for (provider, operation),
// creating it with cfg and logger on first use. Later calls for the same pair
// keep the original configuration. A nil logger discards state-change events.
func BreakerFor(provider, operation string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	key := provider + "/" + operation
	breakersMu.Lock()
	defer breakersMu.Unlock()
	if cb, ok := breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(key, cfg)
	if logger != nil {
		cb.logger = logger
	}
	breakers[key] = cb
	return cb
}

// ResetBreakers drops every registered breaker. Intended for tests and for
// operational resets after a configuration rollout.
func ResetBreakers() {
	breakersMu.Lock()
	defer breakersMu.Unlock()
	breakers = map[string]*CircuitBreaker{}
}

// --- Provider decorator ---

// breakerProvider wraps a Provider with a shared circuit breaker per
// (provider, operation).
type breakerProvider struct {
	inner  Provider
	cb     *CircuitBreaker
	logger *slog.Logger
}

// BreakerOption configures WithCircuitBreaker.
type BreakerOption func(*breakerProvider)

// BreakerLogger sets the structured logger for breaker state changes.
func BreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *breakerProvider) { b.logger = l }
}

// WithCircuitBreaker wraps p with the process-wide breaker for its normalized
// provider name. Calls rejected while the circuit is open fail immediately
// with service_unavailable/CIRCUIT_OPEN and never reach p.
func WithCircuitBreaker(p Provider, cfg BreakerConfig, opts ...BreakerOption) Provider {
	b := &breakerProvider{inner: p, logger: nopLogger}
	for _, opt := range opts {
		opt(b)
	}
	name := NormalizeName(p.Info().Name)
	b.cb = BreakerFor(name, "generate", cfg, b.logger)
	if s, ok := p.(StreamingProvider); ok {
		scb := BreakerFor(name, "generate_stream", cfg, b.logger)
		return &breakerStreamingProvider{breakerProvider: b, stream: s, scb: scb}
	}
	return b
}

// Info delegates to the inner provider.
func (b *breakerProvider) Info() ProviderInfo { return b.inner.Info() }

// Generate implements Provider behind the breaker.
func (b *breakerProvider) Generate(ctx context.Context, prompt string) (string, error) {
	if err := b.cb.acquire(); err != nil {
		return "", err
	}
	start := time.Now()
	text, err := b.inner.Generate(ctx, prompt)
	b.cb.record(time.Since(start), err)
	return text, err
}

// breakerStreamingProvider guards the streaming operation with its own
// breaker so a broken stream path cannot poison plain generation.
type breakerStreamingProvider struct {
	*breakerProvider
	stream StreamingProvider
	scb    *CircuitBreaker
}

// GenerateStream implements StreamingProvider behind the breaker.
func (b *breakerStreamingProvider) GenerateStream(ctx context.Context, prompt string, sink func(token string)) (string, error) {
	if err := b.scb.acquire(); err != nil {
		return "", err
	}
	start := time.Now()
	text, err := b.stream.GenerateStream(ctx, prompt, sink)
	b.scb.record(time.Since(start), err)
	return text, err
}

// compile-time checks
var (
	_ Provider          = (*breakerProvider)(nil)
	_ Provider          = (*breakerStreamingProvider)(nil)
	_ StreamingProvider = (*breakerStreamingProvider)(nil)
)
