package dispatcher

import (
	"math/rand"
	"time"
)

// nextAttemptDelay grows the retry delay exponentially with the attempt
// number and spreads it with ±50% jitter so a burst of failed events doesn't
// come back as a burst of retries. The result never exceeds max.
func nextAttemptDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			d = max
			break
		}
	}

	// Jitter into [0.5d, 1.5d).
	d = d/2 + time.Duration(rand.Int63n(int64(d)))
	if d > max {
		d = max
	}
	return d
}
