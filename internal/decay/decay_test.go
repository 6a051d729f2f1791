package decay

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffective_Current(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Signal emitted right now: no decay.
	got := Effective(0.9, now, now, 30*24*time.Hour)
	assert.Equal(t, 0.9, got)
}

func TestEffective_HalfLife(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	emitted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Exactly one half-life old → confidence halved.
	got := Effective(0.8, emitted, now, 30*24*time.Hour)
	assert.InDelta(t, 0.4, got, 1e-9)
}

func TestEffective_TwoHalfLives(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	emitted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two half-lives → confidence quartered.
	got := Effective(0.8, emitted, now, 30*24*time.Hour)
	assert.InDelta(t, 0.2, got, 1e-9)
}

func TestEffective_NonIncreasing(t *testing.T) {
	emitted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 14 * 24 * time.Hour

	prev := 1.0
	for days := 0; days <= 120; days += 7 {
		now := emitted.AddDate(0, 0, days)
		got := Effective(0.95, emitted, now, halfLife)
		assert.LessOrEqual(t, got, prev, "day %d", days)
		assert.Greater(t, got, 0.0)
		prev = got
	}
}

func TestEffective_ZeroConfidence(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.0, Effective(0, now, now, DefaultHalfLife))
}

func TestEffective_NegativeConfidence(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.0, Effective(-0.5, now, now, DefaultHalfLife))
}

func TestEffective_OverUnity(t *testing.T) {
	now := time.Now()

	// Clamped to 1 before decay.
	assert.Equal(t, 1.0, Effective(1.7, now, now, DefaultHalfLife))
}

func TestEffective_ZeroEmittedAt(t *testing.T) {
	// Zero time means "assume current", no decay.
	got := Effective(0.8, time.Time{}, time.Now(), DefaultHalfLife)
	assert.Equal(t, 0.8, got)
}

func TestEffective_FutureEmittedAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	got := Effective(0.8, future, now, DefaultHalfLife)
	assert.Equal(t, 0.8, got)
}

func TestEffective_ZeroHalfLife(t *testing.T) {
	now := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	emitted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Should fall back to the 30-day default.
	got := Effective(0.8, emitted, now, 0)
	assert.InDelta(t, 0.4, got, 1e-9)
}

func TestEffective_DecayCurve(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	halfLife := 90 * 24 * time.Hour

	tests := []struct {
		name       string
		daysBefore int
		raw        float64
		expected   float64
	}{
		{"15d", 15, 0.8, 0.8 * math.Pow(2, -15.0/90)},
		{"45d", 45, 0.8, 0.8 * math.Pow(2, -45.0/90)},
		{"90d", 90, 0.8, 0.4},
		{"180d", 180, 0.8, 0.2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			emitted := now.AddDate(0, 0, -tc.daysBefore)
			got := Effective(tc.raw, emitted, now, halfLife)
			assert.InDelta(t, tc.expected, got, 1e-9)
		})
	}
}
