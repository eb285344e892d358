package jobs

import (
	"math/rand/v2"
	"time"
)

// ComputeBackoff returns the delay before retry number attempt (the value of
// job.Attempts after the failed run, so the first retry passes 1). The delay
// doubles per attempt from base, is capped at max, and carries up to 25%
// positive jitter so simultaneous failures fan out.
func ComputeBackoff(attempt int, base, max time.Duration) time.Duration {
	return ComputeBackoffWithRand(attempt, base, max, rand.Int64N)
}

// ComputeBackoffWithRand is ComputeBackoff with the jitter source injected.
// intn must behave like [rand.Int64N]: return a value in [0, n).
func ComputeBackoffWithRand(attempt int, base, max time.Duration, intn func(n int64) int64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	jitter := d / 4
	if jitter > 0 {
		d += time.Duration(intn(int64(jitter)))
	}
	return d
}
