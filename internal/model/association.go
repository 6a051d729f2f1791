package model

import "time"

// ResolutionMethod records how an association was produced.
type ResolutionMethod string

const (
	// MethodJunction means an explicit authoritative link decided the
	// association without consulting probabilistic producers.
	MethodJunction ResolutionMethod = "junction"
	// MethodFused means the association came from Bayesian fusion of
	// candidate signals.
	MethodFused ResolutionMethod = "fused"
)

// EntityAssociation is the output of resolving an ambiguous item (e.g. a
// meeting) to the entity it concerns. Computed, never stored.
type EntityAssociation struct {
	Subject            EntityRef        `json:"subject"`
	Candidate          EntityRef        `json:"candidate"`
	FusedConfidence    float64          `json:"fused_confidence"`
	ContributingEvents []string         `json:"contributing_events,omitempty"`
	Method             ResolutionMethod `json:"resolution_method"`
	ResolvedAt         time.Time        `json:"resolved_at"`
}
