package engine

import (
	"context"
	"math"
	"time"
)

// Backoff calculates the delay before the next attempt, given the number of
// attempts already made (attemptsMade >= 1). The delay grows as
// InitialDelay * BackoffFactor^(attemptsMade-1); a factor below 1 is treated
// as constant backoff.
func Backoff(p RetryPolicy, attemptsMade int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attemptsMade-1))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Only the retrying step is suspended; a parallel-group
// sibling's retry never blocks the rest of the run.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
