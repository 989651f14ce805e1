package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quotient-labs/quotient/pkg/audit"
)

func okStrategy(name string, data any) Strategy {
	return Strategy{
		Name:  name,
		Fetch: func(context.Context) (any, error) { return data, nil },
	}
}

func failStrategy(name string, err error) Strategy {
	return Strategy{
		Name:  name,
		Fetch: func(context.Context) (any, error) { return nil, err },
	}
}

func TestResolveFirstTierSuccess(t *testing.T) {
	r := NewResolver(Config{
		Strategies: []Strategy{
			okStrategy(StrategyRankedService, []string{"live"}),
			failStrategy(StrategyBackupStore, errors.New("should not be reached")),
		},
		Messages: DefaultMessageTable(),
		Audit:    audit.NopSink{},
	})

	result := r.Resolve(context.Background(), "ride")
	if !result.Success {
		t.Fatal("Resolve() Success = false, want true")
	}
	if result.FallbackUsed != StrategyRankedService {
		t.Errorf("FallbackUsed = %s, want %s", result.FallbackUsed, StrategyRankedService)
	}
	if result.ShouldRetry {
		t.Error("ShouldRetry = true, want false for live answer")
	}
}

func TestResolveSecondTierSuccess(t *testing.T) {
	r := NewResolver(Config{
		Strategies: []Strategy{
			failStrategy(StrategyRankedService, errors.New("network unreachable")),
			okStrategy(StrategyBackupStore, []string{"cached"}),
			okStrategy(StrategyStaticDataset, []string{"static"}),
		},
		Messages: DefaultMessageTable(),
		Audit:    audit.NopSink{},
	})

	result := r.Resolve(context.Background(), "pharmacy")
	if !result.Success {
		t.Fatal("Resolve() Success = false, want true")
	}
	if result.FallbackUsed != StrategyBackupStore {
		t.Errorf("FallbackUsed = %s, want %s", result.FallbackUsed, StrategyBackupStore)
	}
	if result.ShouldRetry {
		t.Error("ShouldRetry = true, want false for backup-store answer")
	}
}

func TestResolveStaticTierInvitesRetry(t *testing.T) {
	r := NewResolver(Config{
		Strategies: []Strategy{
			failStrategy(StrategyRankedService, errors.New("timeout")),
			failStrategy(StrategyBackupStore, errors.New("query failed")),
			okStrategy(StrategyStaticDataset, []string{"example"}),
		},
		Messages: DefaultMessageTable(),
		Audit:    audit.NopSink{},
	})

	result := r.Resolve(context.Background(), "hardware")
	if !result.Success {
		t.Fatal("Resolve() Success = false, want true")
	}
	if result.FallbackUsed != StrategyStaticDataset {
		t.Errorf("FallbackUsed = %s, want %s", result.FallbackUsed, StrategyStaticDataset)
	}
	if !result.ShouldRetry {
		t.Error("ShouldRetry = false, want true for static data")
	}
	if result.UserMessage == "" {
		t.Error("UserMessage should explain the data is placeholder")
	}
}

func TestResolveExhausted(t *testing.T) {
	r := NewResolver(Config{
		Strategies: []Strategy{
			failStrategy(StrategyRankedService, errors.New("down")),
			failStrategy(StrategyBackupStore, errors.New("down")),
			failStrategy(StrategyStaticDataset, errors.New("down")),
		},
		Messages: DefaultMessageTable(),
		Audit:    audit.NopSink{},
	})

	result := r.Resolve(context.Background(), "ride")
	if result.Success {
		t.Fatal("Resolve() Success = true, want false")
	}
	if result.FallbackUsed != StrategyNone {
		t.Errorf("FallbackUsed = %s, want %s", result.FallbackUsed, StrategyNone)
	}
	if !result.ShouldRetry {
		t.Error("ShouldRetry = false, want true when everything failed")
	}
	if result.UserMessage == "" {
		t.Error("UserMessage should be populated from the vertical table")
	}
}

func TestResolveTierTimeout(t *testing.T) {
	slow := Strategy{
		Name: StrategyRankedService,
		Fetch: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	r := NewResolver(Config{
		Strategies:  []Strategy{slow, okStrategy(StrategyBackupStore, "fast")},
		TierTimeout: 20 * time.Millisecond,
		Messages:    DefaultMessageTable(),
		Audit:       audit.NopSink{},
	})

	start := time.Now()
	result := r.Resolve(context.Background(), "ride")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Resolve() took %v, slow tier should have been cut off", elapsed)
	}
	if result.FallbackUsed != StrategyBackupStore {
		t.Errorf("FallbackUsed = %s, want %s after timeout", result.FallbackUsed, StrategyBackupStore)
	}
}

func TestResolvePanickingStrategy(t *testing.T) {
	r := NewResolver(Config{
		Strategies: []Strategy{
			{Name: StrategyRankedService, Fetch: func(context.Context) (any, error) { panic("boom") }},
			okStrategy(StrategyBackupStore, "safe"),
		},
		Messages: DefaultMessageTable(),
		Audit:    audit.NopSink{},
	})

	result := r.Resolve(context.Background(), "marketplace")
	if !result.Success || result.FallbackUsed != StrategyBackupStore {
		t.Errorf("Resolve() = %+v, want backup-store success after panic", result)
	}
}

func TestResolveCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(Config{
		Strategies: []Strategy{okStrategy(StrategyRankedService, "data")},
		Messages:   DefaultMessageTable(),
		Audit:      audit.NopSink{},
	})

	result := r.Resolve(ctx, "ride")
	if result.Success {
		t.Error("Resolve() on cancelled context should not report success")
	}
}

func TestResolveEmitsAuditEvents(t *testing.T) {
	events := make([]audit.Event, 0)
	sink := sinkFunc(func(ev audit.Event) { events = append(events, ev) })

	r := NewResolver(Config{
		Strategies: []Strategy{
			failStrategy(StrategyRankedService, errors.New("timeout")),
			okStrategy(StrategyBackupStore, "data"),
		},
		Messages: DefaultMessageTable(),
		Audit:    sink,
	})

	r.Resolve(context.Background(), "pharmacy")

	if len(events) != 2 {
		t.Fatalf("emitted %d events, want 2 (one per attempt)", len(events))
	}
	if events[0].Status != "failure" || events[0].Details["errorClass"] != string(ErrTimeout) {
		t.Errorf("first event = %+v, want classified failure", events[0])
	}
	if events[1].Status != "success" || events[1].Details["strategy"] != StrategyBackupStore {
		t.Errorf("second event = %+v, want backup-store success", events[1])
	}
}

type sinkFunc func(audit.Event)

func (f sinkFunc) Emit(_ context.Context, ev audit.Event) { f(ev) }

func TestMessageTableLookup(t *testing.T) {
	table := DefaultMessageTable()

	ride := table.Lookup("ride")
	if ride.Live == "" || ride.Exhausted == "" {
		t.Error("ride vertical should have full message set")
	}

	unknown := table.Lookup("submarine")
	if unknown != table.Default {
		t.Errorf("Lookup(unknown) = %+v, want the default set", unknown)
	}
}

type codedErr struct {
	code string
	msg  string
}

func (e codedErr) Error() string { return e.msg }
func (e codedErr) Code() string  { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrUnclassified},
		{"timeout wording", errors.New("request timeout after 3s"), ErrTimeout},
		{"context deadline", context.DeadlineExceeded, ErrTimeout},
		{"unauthorized", errors.New("401 unauthorized"), ErrAuth},
		{"auth substring", errors.New("auth token expired"), ErrAuth},
		{"network", errors.New("network unreachable"), ErrNetwork},
		{"fetch", errors.New("failed to fetch candidates"), ErrNetwork},
		{"query code", codedErr{code: "PGRST301", msg: "relation missing"}, ErrQueryFailed},
		{"query wording", errors.New("query returned no relation"), ErrQueryFailed},
		{"unknown", errors.New("something odd"), ErrUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestDegradedResponse(t *testing.T) {
	env := DegradedResponse([]any{"a", "b"}, StrategyRankedService, "retry soon")

	if env.Total != 2 || env.HasMore {
		t.Errorf("envelope = %+v, want total 2 and no more pages", env)
	}
	if env.Integration == nil || env.Integration.Status != "degraded" {
		t.Fatalf("Integration = %+v, want degraded label", env.Integration)
	}
	if env.Integration.Target != StrategyRankedService {
		t.Errorf("Target = %s, want %s", env.Integration.Target, StrategyRankedService)
	}

	empty := DegradedResponse(nil, "backup-store", "")
	if empty.Data == nil || empty.Total != 0 {
		t.Errorf("DegradedResponse(nil) = %+v, want empty non-nil data", empty)
	}
}
