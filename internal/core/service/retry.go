package service

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

// RetryPolicy bounds how often a transient store failure is retried.
// Terminal domain errors are never retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	}
}

// do runs op until it succeeds, fails terminally, or the attempts run out.
// Backoff waits end early when ctx is done, returning the last error.
func (p RetryPolicy) do(ctx context.Context, onRetry func(attempt int, err error), op func() error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(); err == nil || domain.IsTerminal(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// backoff doubles the base delay per attempt and picks a point in the
// upper half of that window.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	exp := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (exp > p.MaxDelay || exp <= 0) {
		exp = p.MaxDelay
	}
	if exp <= 0 {
		return 0
	}
	half := exp / 2
	if half <= 0 {
		return exp
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
