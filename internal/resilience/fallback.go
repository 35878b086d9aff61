package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// AttemptTimeout bounds each individual attempt. Zero means no bound
	// beyond the caller's context.
	AttemptTimeout time.Duration

	// AlwaysTryLast runs the final entry even while its breaker is open, so
	// a call never fails without reaching the last resort.
	AlwaysTryLast bool

	// OnAttempt, if set, is called after every attempt that reached the
	// provider, with its latency and error (nil on success).
	OnAttempt func(name string, elapsed time.Duration, err error)
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds an ordered list of providers of the same type. Calls go
// to the first entry whose breaker admits them; on failure the next entry is
// tried. Entries are registered before use and never removed.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a provider. Entries are tried in registration order.
// AddFallback must not be called concurrently with Execute.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the circuit breaker of the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for i := range fg.entries {
		if fg.entries[i].name == name {
			return fg.entries[i].breaker
		}
	}
	return nil
}

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(ctx context.Context, name string, v T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, name string, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, name, v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds and returns its result. Entries with an open breaker are skipped,
// except the last one when AlwaysTryLast is set.
// Each attempt runs under its own context bounded by AttemptTimeout.
//
// If ctx is done the remaining entries are not tried and ctx.Err() is
// returned. Otherwise, when every entry fails, the error wraps
// [ErrAllFailed] together with every attempt's error.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(ctx context.Context, name string, v T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]

		var result R
		attempt := func() error {
			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if fg.cfg.AttemptTimeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, fg.cfg.AttemptTimeout)
			}
			defer cancel()

			start := time.Now()
			var innerErr error
			result, innerErr = fn(attemptCtx, entry.name, entry.value)
			if fg.cfg.OnAttempt != nil {
				fg.cfg.OnAttempt(entry.name, time.Since(start), innerErr)
			}
			return innerErr
		}
		var err error
		if fg.cfg.AlwaysTryLast && i == len(fg.entries)-1 {
			err = attempt()
		} else {
			err = entry.breaker.Execute(attempt)
		}
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
