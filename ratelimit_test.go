package conductor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimiterConfig
		wantErr bool
	}{
		{"defaults", DefaultRateLimiterConfig(), false},
		{"zero permits", RateLimiterConfig{LimitForPeriod: 0, LimitRefreshPeriod: Duration(time.Second)}, true},
		{"zero period", RateLimiterConfig{LimitForPeriod: 1}, true},
		{"negative wait", RateLimiterConfig{LimitForPeriod: 1, LimitRefreshPeriod: Duration(time.Second), TimeoutDuration: Duration(-1)}, true},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestRateLimiterAcquireWithinBurst(t *testing.T) {
	rl := NewRateLimiter("burst", RateLimiterConfig{
		LimitForPeriod:     3,
		LimitRefreshPeriod: Duration(time.Second),
		TimeoutDuration:    Duration(10 * time.Millisecond),
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := rl.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d = %v, want nil within burst", i, err)
		}
	}
}

func TestRateLimiterTimeout(t *testing.T) {
	rl := NewRateLimiter("drained", RateLimiterConfig{
		LimitForPeriod:     1,
		LimitRefreshPeriod: Duration(time.Hour),
		TimeoutDuration:    Duration(10 * time.Millisecond),
	})
	ctx := context.Background()
	if err := rl.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire = %v", err)
	}
	err := rl.Acquire(ctx)
	if err == nil {
		t.Fatal("second Acquire = nil, want timeout")
	}
	se := Classify(err)
	if se.Category != CategoryRateLimit || se.Code != "RATE_LIMITER_TIMEOUT" {
		t.Errorf("timeout = %s/%s, want rate_limit/RATE_LIMITER_TIMEOUT", se.Category, se.Code)
	}
}

func TestRateLimiterCallerCancellation(t *testing.T) {
	rl := NewRateLimiter("cancelled", RateLimiterConfig{
		LimitForPeriod:     1,
		LimitRefreshPeriod: Duration(time.Hour),
		TimeoutDuration:    Duration(time.Minute),
	})
	_ = rl.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := rl.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire = %v, want context.Canceled passed through", err)
	}
}

func TestLimiterForSharesInstances(t *testing.T) {
	resetResilienceRegistries()
	cfg := DefaultRateLimiterConfig()
	a := LimiterFor("prov", "generate", cfg)
	b := LimiterFor("prov", "generate", cfg)
	if a != b {
		t.Error("LimiterFor returned distinct limiters for the same pair")
	}
	c := LimiterFor("other", "generate", cfg)
	if a == c {
		t.Error("LimiterFor shared a limiter across providers")
	}
}

func TestWithRateLimitRejectsWhenDrained(t *testing.T) {
	resetResilienceRegistries()
	inner := newFakeProvider("ratelimit-test-provider", "ok")
	p := WithRateLimit(inner, RateLimiterConfig{
		LimitForPeriod:     2,
		LimitRefreshPeriod: Duration(time.Hour),
		TimeoutDuration:    Duration(10 * time.Millisecond),
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Generate(ctx, "hi"); err != nil {
			t.Fatalf("Generate %d = %v", i, err)
		}
	}
	if _, err := p.Generate(ctx, "hi"); err == nil {
		t.Fatal("Generate past the bucket = nil, want rate limit failure")
	}
	if inner.callCount() != 2 {
		t.Errorf("inner calls = %d, want 2: rejected call must not reach the provider", inner.callCount())
	}
}
