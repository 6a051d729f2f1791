// Package decay computes the time-decayed effective confidence of a signal.
package decay

import (
	"math"
	"time"
)

// DefaultHalfLife applies when a signal type configures none.
const DefaultHalfLife = 30 * 24 * time.Hour

// Effective computes the decayed confidence of a signal.
// Formula: effective = confidence * 2^(-elapsed / halfLife)
//
// Equals confidence when now == emittedAt and is non-increasing as elapsed
// time grows. Pure: no I/O, no clock reads.
func Effective(confidence float64, emittedAt, now time.Time, halfLife time.Duration) float64 {
	if confidence <= 0 {
		return 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if emittedAt.IsZero() {
		// No timestamp means assume current.
		return confidence
	}

	elapsed := now.Sub(emittedAt)
	if elapsed <= 0 {
		return confidence
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}

	return confidence * math.Pow(2, -elapsed.Hours()/halfLife.Hours())
}
