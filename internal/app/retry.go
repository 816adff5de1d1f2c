package app

import (
	"context"
	"time"

	"github.com/medpass/enrollment-service/pkg/gateway"
)

// RetryPolicy is a bounded, linearly growing retry schedule: attempt n
// waits n*BaseDelay before running.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Sleep     gateway.Sleeper
}

// DefaultPixRetryPolicy waits 3s, 6s and 9s for the PIX QR code.
func DefaultPixRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 3 * time.Second, Sleep: gateway.SleepContext}
}

// Run calls fn until it reports done or the attempts are spent. Errors from
// fn do not stop the loop; the last one is returned when fn never finished.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context, attempt int) (done bool, err error)) (bool, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = gateway.SleepContext
	}
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := sleep(ctx, time.Duration(attempt)*p.BaseDelay); err != nil {
			return false, err
		}
		done, err := fn(ctx, attempt)
		if done {
			return true, nil
		}
		lastErr = err
	}
	return false, lastErr
}
