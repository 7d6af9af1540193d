package conductor

import (
	"context"
	"errors"
	"testing"
	"time"
)

// slowProvider blocks until its delay passes or the context ends.
type slowProvider struct {
	name  string
	delay time.Duration
	text  string
}

func (s *slowProvider) Generate(ctx context.Context, _ string) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *slowProvider) Info() ProviderInfo {
	return ProviderInfo{Name: s.name, Model: "fake-model"}
}

func TestWithTimeLimitPassesFastCalls(t *testing.T) {
	inner := &slowProvider{name: "fast", delay: time.Millisecond, text: "ok"}
	p := WithTimeLimit(inner, TimeLimiterConfig{TimeoutDuration: Duration(time.Second)})
	got, err := p.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Generate() = %q, want %q", got, "ok")
	}
}

func TestWithTimeLimitTimesOut(t *testing.T) {
	inner := &slowProvider{name: "slow", delay: time.Minute, text: "never"}
	p := WithTimeLimit(inner, TimeLimiterConfig{TimeoutDuration: Duration(20 * time.Millisecond)})
	_, err := p.Generate(context.Background(), "hi")
	if err == nil {
		t.Fatal("Generate() error = nil, want timeout")
	}
	se := Classify(err)
	if se.Category != CategoryTimeout || se.Code != "PROVIDER_TIMEOUT" {
		t.Errorf("timeout = %s/%s, want timeout/PROVIDER_TIMEOUT", se.Category, se.Code)
	}
	if !se.Retryable {
		t.Error("per-call timeout must classify retryable")
	}
}

func TestWithTimeLimitZeroDisables(t *testing.T) {
	inner := &slowProvider{name: "unbounded", delay: 5 * time.Millisecond, text: "ok"}
	p := WithTimeLimit(inner, TimeLimiterConfig{})
	if _, err := p.Generate(context.Background(), "hi"); err != nil {
		t.Errorf("Generate() with disabled limiter = %v, want nil", err)
	}
}

func TestWithTimeLimitCallerDeadlineWins(t *testing.T) {
	inner := &slowProvider{name: "caller-deadline", delay: time.Minute, text: "never"}
	p := WithTimeLimit(inner, TimeLimiterConfig{TimeoutDuration: Duration(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, "hi")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Generate() error = %v, want the caller's own deadline error", err)
	}
}

func TestWithTimeLimitPreservesProviderErrors(t *testing.T) {
	inner := &failNTimesProvider{name: "failing", n: 1, err: &ErrHTTP{Status: 401}, text: "never"}
	p := WithTimeLimit(inner, TimeLimiterConfig{TimeoutDuration: Duration(time.Second)})
	_, err := p.Generate(context.Background(), "hi")
	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 401 {
		t.Errorf("Generate() error = %v, want the provider's own 401", err)
	}
}
