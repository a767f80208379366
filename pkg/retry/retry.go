// Package retry wraps failsafe-go retry policies for venue calls
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy defines how to retry an operation. MaxAttempts <= 0 retries
// until the context is done.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Always treats every error as transient
func Always(error) bool { return true }

func build[R any](policy RetryPolicy, isTransient IsTransientFunc) retrypolicy.RetryPolicy[R] {
	if isTransient == nil {
		isTransient = Always
	}
	initial := policy.InitialBackoff
	if initial <= 0 {
		initial = DefaultPolicy.InitialBackoff
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff < initial {
		maxBackoff = initial
	}

	builder := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithBackoff(initial, maxBackoff).
		WithJitterFactor(0.25).
		ReturnLastFailure()

	if policy.MaxAttempts <= 0 {
		builder = builder.WithMaxRetries(-1)
	} else {
		builder = builder.WithMaxAttempts(policy.MaxAttempts)
	}
	return builder.Build()
}

// Do executes fn with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	return failsafe.With[any](build[any](policy, isTransient)).WithContext(ctx).Run(fn)
}

// Get executes fn with retries and returns its value
func Get[T any](ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() (T, error)) (T, error) {
	return failsafe.With[T](build[T](policy, isTransient)).WithContext(ctx).Get(fn)
}

// WaitFor retries check until it succeeds or the bounded wait elapses
func WaitFor(ctx context.Context, wait time.Duration, interval time.Duration, check func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	policy := RetryPolicy{MaxAttempts: 0, InitialBackoff: interval, MaxBackoff: 4 * interval}
	err := Do(ctx, policy, Always, func() error {
		return check(ctx)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
