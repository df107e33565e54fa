package jobqueue

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns the delay before a job's next attempt: exponential
// in the attempt number, capped at max, with half the window randomized so
// retry storms spread out.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
