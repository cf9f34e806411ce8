package tasks

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy is the runner's retry schedule: exponential with full
// one-second jitter, clamped at Max. Values are seconds.
type BackoffPolicy struct {
	Base float64
	Max  float64
}

// Delay returns the countdown for the next retry after retriesDone prior
// retries: min(Max, Base * 2^retriesDone) + U(0, 1) seconds.
func (p BackoffPolicy) Delay(retriesDone int) time.Duration {
	secs := math.Min(p.Max, p.Base*math.Pow(2, float64(retriesDone))) + rand.Float64()

	return time.Duration(secs * float64(time.Second))
}
