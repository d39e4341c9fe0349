package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a conflicting mutation is re-attempted.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialInterval: 50 * time.Millisecond}

// Retry runs op and re-runs it only when it fails with ErrConflict. op must
// re-read the wallets it mutates on every call. Once the budget is spent the
// last ErrConflict is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		exp.InitialInterval = policy.InitialInterval
		exp.MaxInterval = 20 * policy.InitialInterval
	}
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, policy.MaxRetries), ctx)
	return backoff.RetryWithData(func() (T, error) {
		result, err := op(ctx)
		if err != nil && !errors.Is(err, ErrConflict) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, b)
}
