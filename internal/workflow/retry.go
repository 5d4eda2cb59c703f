package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds how transient step failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterPct   int
	StepTimeout time.Duration // default for steps without their own Timeout
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		JitterPct:   25,
		StepTimeout: 30 * time.Second,
	}
}

// Delay returns the backoff before the attempt following the given one:
// BaseDelay doubled per attempt, jittered by JitterPct, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && (base > p.MaxDelay || base <= 0) {
		base = p.MaxDelay
	}
	return jittered(base, p.MaxDelay, p.JitterPct)
}

func jittered(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if cap > 0 && wait > cap {
		wait = cap
	}
	return wait
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
