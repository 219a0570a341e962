// Package retry runs an operation repeatedly with exponential backoff.
//
// The same loop serves two purposes: retrying a failing call and polling an
// asynchronous job until a completion predicate holds. It knows nothing about
// what it is retrying.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrNotDone is returned by Poll when the completion predicate never held.
var ErrNotDone = errors.New("operation did not complete")

// Policy bounds the number of attempts and the delay between them.
type Policy struct {
	MaxRetries int           // Additional attempts after the first one
	BaseDelay  time.Duration // Delay before the first retry
	MaxDelay   time.Duration // Upper bound for a single delay (0 = unbounded)
	Jitter     bool          // Randomize each delay within [d/2, d]

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// Attempts returns the total number of calls the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Delay returns the wait before retry number attempt (0-based):
// BaseDelay * 2^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)+1))
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The loop returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls op until it succeeds or the policy is exhausted. The last error is
// returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	return run(ctx, p, op, nil)
}

// Poll calls op until done reports true for its result. Errors from op count
// as attempts too. When the policy runs out while op keeps succeeding, the
// last result is returned together with ErrNotDone.
func Poll[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), done func(T) bool) (T, error) {
	return run(ctx, p, op, done)
}

func run[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), done func(T) bool) (T, error) {
	var (
		last T
		err  error
	)
	attempts := p.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return last, err
		}

		last, err = op(ctx)
		if err == nil {
			if done == nil || done(last) {
				return last, nil
			}
			err = ErrNotDone
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return last, perm.err
		}

		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
	return last, err
}
