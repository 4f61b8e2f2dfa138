package bridge

import (
	"math"
	"math/rand"
	"time"
)

// Delay is the wait before dial attempt+1, where attempt is the 1-based
// number of the attempt that just failed. The delay grows geometrically
// from InitialDelay and is capped at MaxDelay. With Jitter and an rng the
// result is drawn from [delay/2, delay).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	delay := b.InitialDelay
	if attempt > 1 {
		mult := math.Max(b.Multiplier, 1.0)
		grown := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))
		if b.MaxDelay > 0 && grown > float64(b.MaxDelay) {
			grown = float64(b.MaxDelay)
		}
		delay = time.Duration(grown)
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if !b.Jitter || rng == nil || delay < 2 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rng.Int63n(int64(delay-half)))
}
