package model

import "time"

// SignalType identifies a kind of observation in the closed registry.
type SignalType string

// Source identifies the producer that emitted a signal.
type Source string

// SignalEvent is a single timestamped, confidence-scored observation about
// an entity. Events are append-only: corrections are new compensating events,
// never edits.
type SignalEvent struct {
	ID            string         `json:"id"`
	Entity        EntityRef      `json:"entity"`
	Type          SignalType     `json:"signal_type"`
	Source        Source         `json:"source"`
	Value         string         `json:"value,omitempty"`
	Confidence    float64        `json:"confidence"`
	EmittedAt     time.Time      `json:"emitted_at"`
	SourceContext map[string]any `json:"source_context,omitempty"`

	// DerivedFrom and RuleName are set together, and only on events the
	// propagation engine emitted.
	DerivedFrom string `json:"derived_from,omitempty"`
	RuleName    string `json:"rule_name,omitempty"`
}

// SignalDraft is the caller-supplied portion of an event. The bus assigns
// ID and EmittedAt on append.
type SignalDraft struct {
	Entity        EntityRef      `json:"entity"`
	Type          SignalType     `json:"signal_type"`
	TypeVersion   int            `json:"type_version,omitempty"`
	Source        Source         `json:"source"`
	Value         string         `json:"value,omitempty"`
	Confidence    float64        `json:"confidence"`
	SourceContext map[string]any `json:"source_context,omitempty"`
	DerivedFrom   string         `json:"derived_from,omitempty"`
	RuleName      string         `json:"rule_name,omitempty"`
}

// Derived reports whether the event was emitted by a propagation rule.
func (e SignalEvent) Derived() bool {
	return e.RuleName != ""
}
