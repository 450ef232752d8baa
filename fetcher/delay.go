package fetcher

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default bounds for HumanDelay when called without orchestration settings.
const (
	DefaultHumanDelayMin = 600 * time.Millisecond
	DefaultHumanDelayMax = 1800 * time.Millisecond
)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// RandomBetween returns a uniformly random duration in [min, max).
func RandomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// HumanDelay sleeps for a random duration in [min, max) between distinct
// targets so request timing does not look like a burst.
func HumanDelay(ctx context.Context, min, max time.Duration) error {
	return Sleep(ctx, RandomBetween(min, max))
}
