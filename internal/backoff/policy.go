// Package backoff computes exponential retry delays with jitter for the
// work queue lanes.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the exponential multiplier per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// Delay returns the backoff before retrying after the given attempt.
// Attempts are 1-based: Delay(1) follows the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the delay using a provided random value in
// [0.0, 1.0); used by tests for deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	jitter := base * p.Jitter * randomValue

	total := base + jitter
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(total)
}
