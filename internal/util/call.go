package util

import (
	"context"
	"fmt"
	"time"
)

// CallWithTimeout runs fn in its own goroutine and returns its result, or
// an error once timeout elapses or ctx is cancelled. fn keeps running in the
// background after a timeout; its result is discarded. A non-positive
// timeout only honours ctx.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("call timed out after %s: %w", timeout, ctx.Err())
	}
}
