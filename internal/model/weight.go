package model

import "time"

// SourceWeight holds the learned Beta-distribution trust parameters for a
// producer. Created lazily on first feedback, updated incrementally, never
// deleted. SampleCount is monotonically non-decreasing.
type SourceWeight struct {
	Source      Source    `json:"source"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	SampleCount int64     `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Mean returns the expected accept probability, alpha/(alpha+beta).
func (w SourceWeight) Mean() float64 {
	total := w.Alpha + w.Beta
	if total <= 0 {
		return 0.5
	}
	return w.Alpha / total
}
