package util

import (
	"context"
	"errors"
	"time"
)

// Backoff configures Retry. Delays start at Base and double after every
// failed attempt up to Max.
type Backoff struct {
	Attempts int           // <= 0 keeps trying until ctx is done
	Base     time.Duration
	Max      time.Duration // 0 leaves the delay uncapped
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// run out or ctx is done. It returns the last error from fn (unwrapped from
// Permanent), or ctx.Err() when the context ends first.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	delay := b.Base
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
}
