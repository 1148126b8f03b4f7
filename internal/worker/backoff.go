package worker

import (
	"math"
	"time"
)

// Backoff returns the retry delay after the given attempt: base^attempts
// seconds, where base is delayBaseMS in seconds clamped to at least 1.
func Backoff(delayBaseMS int64, attempts int) time.Duration {
	base := math.Max(1, float64(delayBaseMS)/1000)
	if attempts < 0 {
		attempts = 0
	}
	secs := math.Pow(base, float64(attempts))
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}
