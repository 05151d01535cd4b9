// Package timeout bounds how long a caller waits on a blocking operation.
//
// Run cancels the caller's wait, not the operation: when the deadline wins,
// the operation keeps running in its goroutine and whatever it returns is
// discarded. Operations that write shared state must therefore write full
// replacement values so a late writer cannot leave a partial update.
package timeout

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/target/stockroom/internal/errors"
)

type result[T any] struct {
	val T
	err error
}

// Run starts op and a timer of d concurrently and returns whichever settles
// first. If the timer wins, Run returns timeoutErr (or a generic timeout
// error when nil). op is always started, even when d <= 0, and receives ctx
// unchanged so the deadline never cancels it.
func Run[T any](ctx context.Context, d time.Duration, timeoutErr error, op func(context.Context) (T, error)) (T, error) {
	// Buffered so an abandoned op can still complete and exit.
	done := make(chan result[T], 1)
	go func() {
		v, err := op(ctx)
		done <- result[T]{val: v, err: err}
	}()

	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.val, r.err
	case <-timer.C:
		// A result that is already available beats a zero-length deadline.
		select {
		case r := <-done:
			return r.val, r.err
		default:
		}
		if timeoutErr == nil {
			timeoutErr = apperrors.Timeout("operation")
		}
		return zero, timeoutErr
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "caller deadline exceeded")
		}
		return zero, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeCanceled, "wait canceled")
	}
}

// Exec is Run for operations that only return an error.
func Exec(ctx context.Context, d time.Duration, timeoutErr error, op func(context.Context) error) error {
	_, err := Run(ctx, d, timeoutErr, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
