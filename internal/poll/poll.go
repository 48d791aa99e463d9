// Package poll provides ticker-based polling with deadlines, the waiting
// primitive shared by the approval, CI, and trigger loops.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrDeadline is returned when polling reaches its deadline without the
// condition becoming final.
var ErrDeadline = errors.New("polling deadline reached")

// Options configures a polling loop.
type Options struct {
	Interval time.Duration // Time between condition checks
	Timeout  time.Duration // Total time budget; 0 means no deadline
}

// Result is returned by a poll condition. Done stops the loop and Value is
// handed back to the caller.
type Result[T any] struct {
	Done  bool
	Value T
}

// Continue reports the condition is not final yet.
func Continue[T any]() (Result[T], error) {
	return Result[T]{}, nil
}

// Finish reports the condition is final with the given value.
func Finish[T any](v T) (Result[T], error) {
	return Result[T]{Done: true, Value: v}, nil
}

// Until evaluates cond immediately and then on every tick until it reports
// done, returns an error, the timeout elapses (ErrDeadline), or the context
// is cancelled.
func Until[T any](ctx context.Context, opts Options, cond func(ctx context.Context) (Result[T], error)) (T, error) {
	var zero T

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		res, err := cond(ctx)
		if err != nil {
			return zero, err
		}
		if res.Done {
			return res.Value, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, ErrDeadline
			}
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}
