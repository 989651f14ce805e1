// Package fallback implements the tiered resolution cascade that keeps
// every read path answering under partial failure. A resolver tries an
// ordered list of data strategies (live ranked service, backup store,
// static dataset) and wraps whichever answered in a uniform result that
// tells the caller exactly how trustworthy the data is.
package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/quotient-labs/quotient/pkg/audit"
	"github.com/quotient-labs/quotient/pkg/observability"
)

// Canonical strategy names. Callers key retry and messaging behavior off
// these, so custom strategies should reuse them where the semantics match.
const (
	StrategyRankedService = "ranked-service"
	StrategyBackupStore   = "backup-store"
	StrategyStaticDataset = "static-dataset"
	StrategyNone          = "none"
)

// Strategy is one tier of the cascade: a named, no-argument fetch.
type Strategy struct {
	// Name identifies the tier in results, events, and metrics.
	Name string
	// Fetch attempts the data fetch. It must honor ctx cancellation.
	Fetch func(ctx context.Context) (any, error)
}

// Result is the uniform outcome of a cascade resolution.
type Result struct {
	// Success reports whether any tier produced data.
	Success bool `json:"success"`
	// Data is the fetched payload, nil when Success is false.
	Data any `json:"data,omitempty"`
	// FallbackUsed names the tier that answered, or "none".
	FallbackUsed string `json:"fallbackUsed"`
	// ShouldRetry tells the caller whether retrying later may upgrade
	// the answer.
	ShouldRetry bool `json:"shouldRetry"`
	// UserMessage is a vertical-appropriate message for display.
	UserMessage string `json:"userMessage"`
}

// Config configures a Resolver. All state is explicit so independent
// verticals can run concurrent resolvers with different tables.
type Config struct {
	// Strategies is the ordered cascade, most trusted first.
	Strategies []Strategy
	// TierTimeout bounds each tier's fetch. Zero means no per-tier bound.
	TierTimeout time.Duration
	// Messages supplies user-facing copy per vertical.
	Messages MessageTable
	// Audit receives one event per attempt. Defaults to a log sink.
	Audit audit.Sink
}

// Resolver runs the cascade. Safe for concurrent use.
type Resolver struct {
	strategies  []Strategy
	tierTimeout time.Duration
	messages    MessageTable
	sink        audit.Sink
}

// NewResolver creates a resolver from config.
func NewResolver(cfg Config) *Resolver {
	sink := cfg.Audit
	if sink == nil {
		sink = audit.NewLogSink()
	}
	return &Resolver{
		strategies:  cfg.Strategies,
		tierTimeout: cfg.TierTimeout,
		messages:    cfg.Messages,
		sink:        sink,
	}
}

// Resolve attempts each strategy in order and returns the first success.
// Tiers run sequentially: each has materially different cost and trust, so
// there is no speculative parallel execution. A tier that exceeds the
// configured timeout counts as failed and the cascade proceeds. Resolve
// never panics and never returns an error; an exhausted cascade yields a
// Result with Success false and ShouldRetry true.
//
// vertical is the agentType used for metrics dimensions and message lookup.
func (r *Resolver) Resolve(ctx context.Context, vertical string) Result {
	start := time.Now()
	defer func() {
		observability.RecordFallbackResolution(vertical, time.Since(start))
	}()

	for _, strat := range r.strategies {
		if ctx.Err() != nil {
			// Caller abandoned the read; stop without corrupting anything.
			break
		}

		data, err := r.attempt(ctx, strat)
		if err != nil {
			class := Classify(err)
			observability.RecordFallbackAttempt(vertical, strat.Name, "failure")
			r.sink.Emit(ctx, audit.NewEvent("fallback.tier", vertical, "failure", map[string]any{
				"strategy":   strat.Name,
				"errorClass": string(class),
				"error":      err.Error(),
			}))
			continue
		}

		observability.RecordFallbackAttempt(vertical, strat.Name, "success")
		r.sink.Emit(ctx, audit.NewEvent("fallback.tier", vertical, "success", map[string]any{
			"strategy": strat.Name,
		}))
		return r.wrap(vertical, strat.Name, data)
	}

	observability.RecordFallbackAttempt(vertical, StrategyNone, "exhausted")
	r.sink.Emit(ctx, audit.NewEvent("fallback.exhausted", vertical, "failure", map[string]any{
		"tiers": len(r.strategies),
	}))

	return Result{
		Success:      false,
		FallbackUsed: StrategyNone,
		ShouldRetry:  true,
		UserMessage:  r.messages.Lookup(vertical).Exhausted,
	}
}

type attemptOutcome struct {
	data any
	err  error
}

// attempt runs one tier under the per-tier timeout, converting panics into
// errors so a misbehaving strategy cannot take down the cascade.
func (r *Resolver) attempt(ctx context.Context, strat Strategy) (any, error) {
	if r.tierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.tierTimeout)
		defer cancel()
	}

	outcome := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcome <- attemptOutcome{err: fmt.Errorf("strategy %s panicked: %v", strat.Name, rec)}
			}
		}()
		data, err := strat.Fetch(ctx)
		outcome <- attemptOutcome{data: data, err: err}
	}()

	select {
	case out := <-outcome:
		return out.data, out.err
	case <-ctx.Done():
		// The fetch goroutine is abandoned; tiers are read-only so this
		// cannot corrupt shared state.
		return nil, fmt.Errorf("strategy %s: %w", strat.Name, ctx.Err())
	}
}

func (r *Resolver) wrap(vertical, strategy string, data any) Result {
	msgs := r.messages.Lookup(vertical)

	result := Result{
		Success:      true,
		Data:         data,
		FallbackUsed: strategy,
	}

	switch strategy {
	case StrategyRankedService:
		result.ShouldRetry = false
		result.UserMessage = msgs.Live
	case StrategyBackupStore:
		result.ShouldRetry = false
		result.UserMessage = msgs.Backup
	case StrategyStaticDataset:
		result.ShouldRetry = true
		result.UserMessage = msgs.Static
	default:
		result.ShouldRetry = true
		result.UserMessage = msgs.Backup
	}
	return result
}
