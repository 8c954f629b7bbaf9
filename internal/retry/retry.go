// Package retry is the single retry combinator, used by the vault sync and
// the supervisor's initial account subscription. The executor does not use
// it: a failed simulate or send ends that transaction without a retry.
package retry

import (
	"context"
	"time"
)

// Policy parameterizes a retry loop.
type Policy struct {
	MaxAttempts int
	Backoff     []time.Duration // backoff[i] sleeps after attempt i+1; last entry repeats
	// Retryable decides whether an error is worth another attempt. Nil means
	// every error is retryable.
	Retryable func(error) bool
}

// VaultSync is the 3-attempt 1s/2s/4s policy from the vault contract.
var VaultSync = Policy{
	MaxAttempts: 3,
	Backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
}

// InitSubscribe is the bounded-backoff policy used when opening the account
// subscription at startup.
var InitSubscribe = Policy{
	MaxAttempts: 4,
	Backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
}

// Do runs fn up to p.MaxAttempts times, sleeping the backoff sequence between
// attempts. It returns nil on the first success, the last error on
// exhaustion, and stops early on context cancellation or a non-retryable
// error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(p.Backoff) {
				idx = len(p.Backoff) - 1
			}
			var wait time.Duration
			if idx >= 0 {
				wait = p.Backoff[idx]
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
	}
	return last
}
