package safety

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToCapacity(t *testing.T) {
	rl := NewRateLimiter("test", 3, 1)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("call %d should be allowed within capacity", i+1)
		}
	}
	if rl.Allow() {
		t.Fatal("call beyond capacity should be refused")
	}
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter("test", 1, 1)
	if !rl.Allow() {
		t.Fatal("first call should be allowed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("bybit", BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("closed breaker refused call %d: %v", i+1, err)
		}
		cb.RecordFailure()
	}

	if cb.State() != BreakerOpen {
		t.Fatalf("expected OPEN after threshold, got %v", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("bybit", BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenTimeout:      time.Millisecond,
	})

	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("expected OPEN, got %v", cb.State())
	}

	time.Sleep(5 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe after timeout refused: %v", err)
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", cb.State())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected CLOSED after recovery, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("bybit", BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe refused: %v", err)
	}
	cb.RecordFailure()

	if cb.State() != BreakerOpen {
		t.Fatalf("half-open failure must reopen, got %v", cb.State())
	}
}

func TestProtectorTripsPerExchange(t *testing.T) {
	p := NewProtector(ProtectorConfig{
		RateCapacity:     100,
		RatePerSecond:    100,
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
	})

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := p.Do(context.Background(), "bybit", func() error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped call error, got %v", err)
		}
	}

	err := p.Do(context.Background(), "bybit", func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen for tripped exchange, got %v", err)
	}

	// A different exchange is unaffected.
	if err := p.Do(context.Background(), "binance", func() error { return nil }); err != nil {
		t.Fatalf("independent exchange blocked: %v", err)
	}
}
