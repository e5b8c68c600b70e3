// Package retry runs an operation again after transient failures, backing
// off exponentially with jitter between attempts.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// DefaultMaxDelay caps a single backoff sleep.
const DefaultMaxDelay = 10 * time.Second

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the nominal sleep before retry n (1-based): BaseDelay
// doubled n-1 times, capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	d := p.BaseDelay
	for i := 1; i < n && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

// jittered spreads d over [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	spread := int64(d / 2)
	if spread <= 0 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(spread+1))
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The last error from fn is returned;
// a cancelled wait returns ctx.Err().
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil || !retryable(err) || n >= attempts {
			return err
		}
		t := time.NewTimer(jittered(p.Delay(n)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// DoIf is Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, retryable, fn)
}
