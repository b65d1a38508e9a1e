// Package backoff computes exponential delays and runs bounded retries.
package backoff

import (
	"context"
	"time"
)

// Policy is an exponential schedule: Base, Base*Multiplier, ... capped at Max.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before attempt n (1-based). n <= 0 yields zero.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 || p.Base <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	limit := p.Max
	if limit < p.Base {
		limit = p.Base
	}

	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= mult
		if d >= float64(limit) {
			return limit
		}
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, attempts run out, retryable reports
// false, or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts || (retryable != nil && !retryable(err)) {
			return err
		}

		t := time.NewTimer(p.Delay(i))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
