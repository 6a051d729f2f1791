package model

import "time"

// Severity grades how urgently a callout should be surfaced.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Callout is a user-facing summary of a qualifying signal. Derived on read
// from allowlisted signal types; only the seen marker persists.
type Callout struct {
	EventID         string     `json:"event_id"`
	Entity          EntityRef  `json:"entity"`
	Type            SignalType `json:"signal_type"`
	Text            string     `json:"text"`
	Severity        Severity   `json:"severity"`
	SuggestedAction string     `json:"suggested_action,omitempty"`
	SurfacedAt      time.Time  `json:"surfaced_at"`
}
