package generic

import (
	"context"
	"time"
)

// Backoff is a bounded exponential retry policy for transient store errors.
type Backoff struct {
	Attempts int           // total tries, including the first
	Initial  time.Duration // wait before the second try
	Max      time.Duration // cap on a single wait
}

// DefaultBackoff retries three times over roughly 300ms.
var DefaultBackoff = Backoff{Attempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error is returned.
func Retry(ctx context.Context, b Backoff, fn func(context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for n := 1; n <= attempts; n++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if n == attempts {
			break
		}
		t := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
