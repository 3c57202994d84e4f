package extract

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchSize    = 5
	DefaultFetchTimeout = 30 * time.Second
)

// BatchOptions bounds Batch.
type BatchOptions struct {
	Size    int
	Timeout time.Duration // per request
}

func (o BatchOptions) normalized() BatchOptions {
	if o.Size <= 0 {
		o.Size = DefaultBatchSize
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultFetchTimeout
	}
	return o
}

// BatchResult is the outcome for the request at Index.
type BatchResult[R any] struct {
	Index int
	Value R
	Err   error
}

// Batch runs fn over reqs, Size at a time, waiting for each batch to finish
// before starting the next. Every call gets its own timeout. The returned
// slice is in request order regardless of completion order; a failing
// request does not cancel its siblings.
func Batch[Req, R any](ctx context.Context, reqs []Req, opts BatchOptions, fn func(ctx context.Context, req Req) (R, error)) []BatchResult[R] {
	opts = opts.normalized()
	results := make([]BatchResult[R], len(reqs))

	for start := 0; start < len(reqs); start += opts.Size {
		end := min(start+opts.Size, len(reqs))

		if err := ctx.Err(); err != nil {
			for i := start; i < len(reqs); i++ {
				results[i] = BatchResult[R]{Index: i, Err: err}
			}
			break
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				rctx, cancel := context.WithTimeout(ctx, opts.Timeout)
				defer cancel()

				v, err := call(rctx, reqs[i], fn)
				results[i] = BatchResult[R]{Index: i, Value: v, Err: err}
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

func call[Req, R any](ctx context.Context, req Req, fn func(context.Context, Req) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, req)
}
