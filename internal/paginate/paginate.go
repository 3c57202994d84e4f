// Package paginate drives repeated fetch cycles over a paged or scrolling
// source, deduplicating by key until a stop condition holds.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"dex/internal/progress"
)

// DefaultMaxIterations applies when StopPolicy.MaxIterations is unset.
const DefaultMaxIterations = 100

// ErrSafetyCap marks a run that was cut off by the iteration cap.
var ErrSafetyCap = errors.New("pagination safety cap reached")

// Cursor tells the fetcher where it is.
type Cursor struct {
	Iteration int    // 1-based
	Count     int    // items accumulated so far
	Token     string // Page.Next of the previous page
}

// Page is one raw batch from the source.
type Page[T any] struct {
	Items []T
	Done  bool   // explicit end of data, e.g. hasNextPage=false
	Next  string // continuation token for the next call
}

// PageFetcher returns the next raw batch.
type PageFetcher[T any] func(ctx context.Context, cur Cursor) (Page[T], error)

// StopPolicy holds the stop thresholds. Zero values disable a rule, except
// MaxIterations which falls back to DefaultMaxIterations.
type StopPolicy struct {
	PageSize      int           // a page shorter than this ends the run
	StagnantLimit int           // consecutive iterations admitting nothing
	MaxItems      int           // absolute item ceiling
	MaxIterations int           // hard cap, always enforced
	Delay         time.Duration // pacing between iterations
}

// StopReason says why Collect returned.
type StopReason string

const (
	StopEndOfData   StopReason = "end-of-data"
	StopStagnant    StopReason = "stagnant"
	StopItemCeiling StopReason = "item-ceiling"
	StopSafetyCap   StopReason = "safety-cap"
	StopFetchFailed StopReason = "fetch-failed"
	StopCanceled    StopReason = "canceled"
)

// Result is what Collect accumulated.
type Result[T any] struct {
	Items      []T
	Iterations int
	Reason     StopReason
	Err        error // fetch or context error; nil for clean stops
}

type options struct {
	reporter progress.Reporter
	phase    progress.Phase
	noun     string
	logger   *slog.Logger
}

// Option configures Collect.
type Option func(*options)

// WithProgress reports the cumulative count after every iteration.
func WithProgress(r progress.Reporter, phase progress.Phase, noun string) Option {
	return func(o *options) {
		o.reporter = r
		o.phase = phase
		o.noun = noun
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Collect calls fetch until a stop condition holds and returns the
// deduplicated items in admission order. Items whose key is empty are
// dropped. A fetch error ends the loop and is returned with the partial
// items; it never panics the caller.
func Collect[T any](ctx context.Context, fetch PageFetcher[T], policy StopPolicy, key func(T) string, opts ...Option) Result[T] {
	o := options{reporter: progress.Discard, noun: "items", logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	maxIter := policy.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var limiter *rate.Limiter
	if policy.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(policy.Delay), 1)
	}

	res := Result[T]{Items: []T{}}
	seen := make(map[string]struct{})
	stagnant := 0
	cur := Cursor{Iteration: 1}

	for cur.Iteration <= maxIter {
		if err := ctx.Err(); err != nil {
			res.Reason, res.Err = StopCanceled, err
			return res
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				res.Reason, res.Err = StopCanceled, err
				return res
			}
		}

		page, err := fetch(ctx, cur)
		res.Iterations = cur.Iteration
		if err != nil {
			res.Reason, res.Err = StopFetchFailed, err
			return res
		}

		admitted := 0
		ceiling := false
		for _, item := range page.Items {
			k := key(item)
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			res.Items = append(res.Items, item)
			admitted++
			if policy.MaxItems > 0 && len(res.Items) >= policy.MaxItems {
				ceiling = true
				break
			}
		}

		o.reporter.Report(progress.Update{
			Phase:   o.phase,
			Message: fmt.Sprintf("Collected %d %s", len(res.Items), o.noun),
			Count:   progress.Count(len(res.Items)),
		})
		o.logger.Debug("page collected",
			"iteration", cur.Iteration, "raw", len(page.Items), "admitted", admitted, "total", len(res.Items))

		if admitted == 0 {
			stagnant++
		} else {
			stagnant = 0
		}

		switch {
		case ceiling:
			res.Reason = StopItemCeiling
		case page.Done, len(page.Items) == 0:
			res.Reason = StopEndOfData
		case policy.PageSize > 0 && len(page.Items) < policy.PageSize:
			res.Reason = StopEndOfData
		case policy.StagnantLimit > 0 && stagnant >= policy.StagnantLimit:
			res.Reason = StopStagnant
		}
		if res.Reason != "" {
			return res
		}

		cur = Cursor{Iteration: cur.Iteration + 1, Count: len(res.Items), Token: page.Next}
	}

	res.Reason = StopSafetyCap
	o.logger.Warn(ErrSafetyCap.Error(), "iterations", res.Iterations, "items", len(res.Items))
	return res
}
