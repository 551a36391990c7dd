// Package retry implements the classified exponential backoff with jitter
// shared by the store adapters' internal retry (§4.1c), the aggregate
// engine's snapshot writes, and the stream adapter's publish retry and
// subscriber redelivery backoff (§4.4). The aggregate engine's
// version-conflict retry (§4.2.2 step 6) is its own loop in pkg/aggregate
// and does not use this package. No example in the corpus imports a third-party backoff
// library (see DESIGN.md), so this is hand-rolled on math/rand and
// time.Timer, in the spirit of the teacher's small single-purpose packages
// (pkg/idgen, pkg/observability).
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures a retry loop's backoff schedule.
type Policy struct {
	// StartingDelay is the delay before the first retry.
	StartingDelay time.Duration
	// Multiplier scales the delay after each attempt (e.g. 2 for doubling).
	Multiplier float64
	// MaxDelay caps the computed delay before jitter is applied.
	MaxDelay time.Duration
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// FullJitter, when true, draws the actual delay uniformly from
	// [0, computedDelay] instead of always sleeping the full computed delay.
	FullJitter bool
	// Retryable decides whether an error should be retried. If nil, every
	// error is considered retryable.
	Retryable func(error) bool
}

// StoreDefaults matches §6's store write retry defaults: 100ms base, 20
// attempts, max 1.6s, retrying only serialization/deadlock classes.
func StoreDefaults(retryable func(error) bool) Policy {
	return Policy{
		StartingDelay: 100 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      1600 * time.Millisecond,
		MaxAttempts:   20,
		FullJitter:    false,
		Retryable:     retryable,
	}
}

// SubscriberDefaults matches §6's subscriber retry defaults: 100ms base,
// x2, max 6.4s, 24 attempts, full jitter.
func SubscriberDefaults(retryable func(error) bool) Policy {
	return Policy{
		StartingDelay: 100 * time.Millisecond,
		Multiplier:    2,
		MaxDelay:      6400 * time.Millisecond,
		MaxAttempts:   24,
		FullJitter:    true,
		Retryable:     retryable,
	}
}

// delay returns the backoff delay before the given attempt (0-indexed,
// attempt 0 is the delay before the second try).
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.StartingDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	capped := time.Duration(d)
	if capped > p.MaxDelay {
		capped = p.MaxDelay
	}
	if p.FullJitter && capped > 0 {
		capped = time.Duration(rand.Int63n(int64(capped) + 1))
	}
	return capped
}

// Do runs fn, retrying per the policy while fn returns a retryable error.
// It returns the last error if attempts are exhausted, or nil on success.
// A non-retryable error (per Policy.Retryable) returns immediately without
// consuming further attempts.
func Do(ctx context.Context, policy Policy, fn func(attempt int) error) error {
	var err error
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}

		if attempt == maxAttempts-1 {
			break
		}

		d := policy.delay(attempt)
		if d <= 0 {
			continue
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}
