package outbound

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines exponential backoff between delivery attempts.
type BackoffPolicy struct {
	InitialMs float64
	MaxMs     float64
	Factor    float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// DefaultBackoff starts at 250ms and caps at 5s.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{InitialMs: 250, MaxMs: 5000, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait before retrying after attempt (1-indexed).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p BackoffPolicy) delayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	total := math.Min(p.MaxMs, base+base*p.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// sleepWithContext sleeps for d unless ctx ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
