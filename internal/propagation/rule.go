// Package propagation derives new signals on related entities from a
// triggering signal, via a static rule set evaluated synchronously inside
// the emitting unit of work.
package propagation

import (
	"context"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
)

// TransformFunc maps a triggering signal's value and confidence to the
// derived signal's. Returning ok=false suppresses derivation for this
// target. Must be pure.
type TransformFunc func(value string, confidence float64) (string, float64, bool)

// TraverseFunc maps the triggering signal's entity to zero or more target
// entities the derived signal lands on.
type TraverseFunc func(ctx context.Context, source model.EntityRef) ([]model.EntityRef, error)

// Rule is one static propagation rule.
type Rule struct {
	Name      string
	Trigger   model.SignalType
	Derived   model.SignalType
	Transform TransformFunc
	Traverse  TraverseFunc
}

// RelationshipLookup resolves the entity graph edges the rules traverse.
// The subsystem does not manage graph topology itself; this is provided by
// the host application.
type RelationshipLookup interface {
	Related(ctx context.Context, from model.EntityRef, kind model.EntityKind) ([]model.EntityRef, error)
}

// damped scales confidence by a factor, dropping derivations that decay
// below a usable floor.
func damped(factor float64) TransformFunc {
	return func(value string, confidence float64) (string, float64, bool) {
		c := confidence * factor
		if c < 0.05 {
			return "", 0, false
		}
		return value, c, true
	}
}

// DefaultRules returns the standard rule set over the host's entity graph.
func DefaultRules(lookup RelationshipLookup) []Rule {
	related := func(kind model.EntityKind) TraverseFunc {
		return func(ctx context.Context, source model.EntityRef) ([]model.EntityRef, error) {
			return lookup.Related(ctx, source, kind)
		}
	}
	return []Rule{
		{
			Name:      "leadership-change-initiatives",
			Trigger:   registry.TypeLeadershipChange,
			Derived:   registry.TypeInitiativeAtRisk,
			Transform: damped(0.8),
			Traverse:  related(model.KindInitiative),
		},
		{
			Name:      "job-change-relationships",
			Trigger:   registry.TypeJobChange,
			Derived:   registry.TypeRelationshipAtRisk,
			Transform: damped(0.7),
			Traverse:  related(model.KindOrganization),
		},
		{
			Name:      "funding-initiative-momentum",
			Trigger:   registry.TypeFundingEvent,
			Derived:   registry.TypeInitiativeMomentum,
			Transform: damped(0.75),
			Traverse:  related(model.KindInitiative),
		},
		{
			Name:      "meeting-engagement",
			Trigger:   registry.TypeMeetingScheduled,
			Derived:   registry.TypeEngagementActivity,
			Transform: damped(0.9),
			Traverse:  related(model.KindOrganization),
		},
	}
}

// Triggers lists the trigger types of a rule set, for registry wiring
// verification at startup.
func Triggers(rules []Rule) []model.SignalType {
	out := make([]model.SignalType, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Trigger)
	}
	return out
}
