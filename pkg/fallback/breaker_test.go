package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quotient-labs/quotient/pkg/audit"
)

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute %d: %v", i, err)
		}
	}
	if cb.GetState() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	// Open circuit fails without invoking the function.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if err == nil {
		t.Error("expected error from open circuit")
	}
	if called {
		t.Error("function called while circuit open")
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	if err := cb.Execute(func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected failure")
	}
	if cb.GetState() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset window: %v", err)
	}
	if cb.GetState() != CircuitClosed {
		t.Errorf("state = %v, want closed", cb.GetState())
	}
}

func TestWithBreakerFallsThrough(t *testing.T) {
	deadCalls := 0
	dead := Strategy{
		Name: StrategyRankedService,
		Fetch: func(ctx context.Context) (any, error) {
			deadCalls++
			return nil, errors.New("connection refused")
		},
	}
	backup := Strategy{
		Name: StrategyBackupStore,
		Fetch: func(ctx context.Context) (any, error) {
			return []any{map[string]any{"id": "b1"}}, nil
		},
	}

	r := NewResolver(Config{
		Strategies: []Strategy{WithBreaker(dead, 2, time.Hour), backup},
		Audit:      audit.NopSink{},
	})

	for i := 0; i < 5; i++ {
		res := r.Resolve(context.Background(), "ride")
		if !res.Success || res.FallbackUsed != StrategyBackupStore {
			t.Fatalf("resolution %d: %+v", i, res)
		}
	}

	// Tier 1 stops being invoked once the breaker opens.
	if deadCalls != 2 {
		t.Errorf("dead tier called %d times, want 2", deadCalls)
	}
}
