// Package extract runs ordered extraction tiers and bounded batches of
// concurrent fetches.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrStrategyExhausted means every tier failed.
var ErrStrategyExhausted = errors.New("all extraction strategies failed")

// Strategy is one technique for producing items: an API call, a captured
// network response, a DOM heuristic.
type Strategy[T any] interface {
	Name() string
	Attempt(ctx context.Context) ([]T, error)
}

type funcStrategy[T any] struct {
	name string
	fn   func(ctx context.Context) ([]T, error)
}

func (s funcStrategy[T]) Name() string                             { return s.name }
func (s funcStrategy[T]) Attempt(ctx context.Context) ([]T, error) { return s.fn(ctx) }

// Func builds a Strategy from a function.
func Func[T any](name string, fn func(ctx context.Context) ([]T, error)) Strategy[T] {
	return funcStrategy[T]{name: name, fn: fn}
}

// Attempt records one tier's outcome.
type Attempt struct {
	Strategy string
	Items    int
	Err      error
	Duration time.Duration
}

// Result is the outcome of Execute.
type Result[T any] struct {
	Items    []T
	Strategy string // winning tier, "" when none
	Attempts []Attempt
	Err      error
}

// Succeeded reports whether a tier produced items.
func (r Result[T]) Succeeded() bool {
	return r.Strategy != ""
}

type options struct {
	logger *slog.Logger
}

// Option configures Execute.
type Option func(*options)

// WithLogger logs each failed tier at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Execute tries strategies in order and returns the first non-empty result.
// A tier that errors, panics or returns nothing is skipped. When all tiers
// come back empty the result has no items; Err wraps ErrStrategyExhausted
// if at least one tier failed, and is nil if they simply had nothing.
func Execute[T any](ctx context.Context, strategies []Strategy[T], opts ...Option) Result[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	res := Result[T]{Items: []T{}}
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		start := time.Now()
		items, err := attempt(ctx, s)
		a := Attempt{Strategy: s.Name(), Items: len(items), Err: err, Duration: time.Since(start)}
		res.Attempts = append(res.Attempts, a)

		if err == nil && len(items) > 0 {
			res.Items = items
			res.Strategy = s.Name()
			return res
		}
		if err != nil {
			o.logger.Debug("extraction tier failed", "strategy", s.Name(), "error", err)
		}
	}

	var failures []string
	for _, a := range res.Attempts {
		if a.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
		}
	}
	if len(failures) > 0 {
		res.Err = fmt.Errorf("%w (%s)", ErrStrategyExhausted, strings.Join(failures, "; "))
	}
	return res
}

func attempt[T any](ctx context.Context, s Strategy[T]) (items []T, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Attempt(ctx)
}
