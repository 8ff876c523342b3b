// Package retry centralizes retry-with-backoff behavior for bus publishes,
// store writes and outbound transfer calls. Callers describe a Policy and a
// retryability predicate instead of hand-rolling loops at every call site.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	BaseDelay  time.Duration // first retry delay
	Multiplier float64       // delay growth factor
	MaxRetries int           // retries after the initial attempt
	MaxDelay   time.Duration // cap on a single delay; 0 means no cap
}

// DefaultPolicy matches the process-wide defaults for transient failures.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  250 * time.Millisecond,
		Multiplier: 2.0,
		MaxRetries: 3,
		MaxDelay:   5 * time.Second,
	}
}

// Permanent marks err as not retryable. Do stops immediately and returns the
// wrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy until it succeeds, returns a permanent error,
// exhausts its retries, or ctx is cancelled.
func Do(ctx context.Context, p Policy, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	eb.MaxElapsedTime = 0 // bounded by retry count, not wall clock

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(op, b)
}
