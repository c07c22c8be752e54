// Package retry applies a bounded exponential backoff to idempotent
// operations.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// NotifyFunc is called after a failed attempt that will be retried.
type NotifyFunc func(err error, attempt int, next time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context
// ends, or the policy runs out of attempts. It returns the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify NotifyFunc) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, bo, func(err error, next time.Duration) {
		if notify != nil {
			notify(err, attempt, next)
		}
	})
}
