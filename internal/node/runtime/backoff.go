package runtime

import (
	"math"
	"time"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff computes retry delays. Fixed returns the initial delay every
// attempt; exponential doubles it per attempt, capped at Max.
type Backoff struct {
	Strategy string
	Initial  time.Duration
	Max      time.Duration
}

// Delay returns the pause before the next attempt. attempt is 1-based: the
// delay after the first failure is Delay(1).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Initial)
	if b.Strategy == BackoffExponential {
		delay = float64(b.Initial) * math.Pow(2, float64(attempt-1))
	}

	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}
