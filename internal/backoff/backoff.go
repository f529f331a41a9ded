// Package backoff spaces out reconnect attempts to hardware and to the
// upstream rule engine.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Max caps the delay between attempts.
const Max = 30 * time.Second

// Jittered returns exponential backoff with jitter. The base delay doubles
// each attempt, with random jitter of up to 25% either way.
func Jittered(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > Max || d <= 0 {
		d = Max
	}
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half)) - d/4
	}
	return d
}
