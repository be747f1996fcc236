// Package poll implements bounded waiting: a check is evaluated against a
// fixed list of delay steps and gives up with ErrLoopExceeded once the
// list is exhausted.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLoopExceeded is matched by every *LoopExceededError.
var ErrLoopExceeded = errors.New("loop exceeded")

// LoopExceededError is returned when a check never succeeded within its
// step budget. Last holds the final (unsuccessful) result for diagnostics.
type LoopExceededError struct {
	What     string
	Attempts int
	Last     any
}

func (e *LoopExceededError) Error() string {
	return fmt.Sprintf("%s never succeeded after %d attempts, last result: %+v", e.What, e.Attempts, e.Last)
}

func (e *LoopExceededError) Is(target error) bool {
	return target == ErrLoopExceeded
}

// SleepFunc pauses between attempts. Implementations return early with
// ctx.Err() when the context is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// CheckFunc evaluates the awaited condition once. The bool reports
// success; a non-nil error aborts the loop.
type CheckFunc[T any] func(ctx context.Context) (T, bool, error)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Steps returns n equal delays of d.
func Steps(n int, d time.Duration) []time.Duration {
	if n < 0 {
		n = 0
	}
	steps := make([]time.Duration, n)
	for i := range steps {
		steps[i] = d
	}
	return steps
}

// Until evaluates check once per step, sleeping for the step's duration
// after every failed evaluation, and once more after the last step. It
// returns the first successful result without sleeping again. When every
// evaluation fails it returns *LoopExceededError carrying the last result,
// after exactly len(steps)+1 evaluations.
func Until[T any](ctx context.Context, what string, steps []time.Duration, sleep SleepFunc, check CheckFunc[T]) (T, error) {
	if sleep == nil {
		sleep = Sleep
	}

	var (
		result   T
		ok       bool
		err      error
		attempts int
	)
	for _, step := range steps {
		attempts++
		result, ok, err = check(ctx)
		if err != nil {
			return result, err
		}
		if ok {
			return result, nil
		}
		if err := sleep(ctx, step); err != nil {
			return result, err
		}
	}

	attempts++
	result, ok, err = check(ctx)
	if err != nil {
		return result, err
	}
	if ok {
		return result, nil
	}
	return result, &LoopExceededError{What: what, Attempts: attempts, Last: result}
}

// WaitFor polls get at a fixed one-second cadence until it reports the
// wanted status, giving up after timeout. It is the bounded replacement
// for open-ended "while state != wanted" loops.
func WaitFor(ctx context.Context, what, want string, timeout time.Duration, sleep SleepFunc, get func(ctx context.Context) (string, error)) error {
	steps := Steps(int(timeout/time.Second), time.Second)
	_, err := Until(ctx, what, steps, sleep, func(ctx context.Context) (string, bool, error) {
		status, err := get(ctx)
		if err != nil {
			return "", false, err
		}
		return status, status == want, nil
	})
	return err
}
