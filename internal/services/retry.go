package services

import (
	"context"
	"time"

	"github.com/ahmetcoskunkizilkaya/meetsub/internal/provider"
)

// RetryPolicy retries transient provider failures with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// do runs fn until it succeeds, returns a permanent error, or runs out of
// attempts or time. The last error is returned unchanged.
func (p RetryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !provider.IsTransient(err) || attempt >= p.MaxRetries {
			return err
		}
		if sleepErr := sleepContext(ctx, p.delay(attempt+1)); sleepErr != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
