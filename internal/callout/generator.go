// Package callout filters and formats qualifying signals into user-facing
// summaries. The allowlist and severity mapping are data; formatting
// dispatches through an open map registered at startup, so a new signal
// type needs a table entry, not a conditional.
package callout

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-signals/internal/entity"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
	"github.com/sells-group/account-signals/internal/store"
)

// ErrNotAllowlisted means the event's signal type does not surface as a
// callout. The event stays queryable through the bus.
var ErrNotAllowlisted = eris.New("callout: signal type not allowlisted")

// Formatter renders the callout text for one event.
type Formatter func(event model.SignalEvent, display func(model.EntityRef) string) string

// Spec is the data entry for one allowlisted signal type.
type Spec struct {
	Severity model.Severity
	Action   string
}

// Allowlist maps the signal types that surface as callouts to their
// severity and suggested action.
type Allowlist map[model.SignalType]Spec

// DefaultAllowlist returns the standard allowlist table.
func DefaultAllowlist() Allowlist {
	return Allowlist{
		registry.TypeLeadershipChange:   {Severity: model.SeverityWarning, Action: "Review account plan with the new leadership in mind"},
		registry.TypeJobChange:          {Severity: model.SeverityWarning, Action: "Confirm the champion's successor and update contacts"},
		registry.TypeFundingEvent:       {Severity: model.SeverityInfo, Action: "Revisit expansion opportunities"},
		registry.TypeSentimentShift:     {Severity: model.SeverityWarning, Action: "Schedule a check-in before the next touchpoint"},
		registry.TypeInitiativeAtRisk:   {Severity: model.SeverityCritical, Action: "Escalate to the initiative owner"},
		registry.TypeRelationshipAtRisk: {Severity: model.SeverityCritical, Action: "Re-engage remaining contacts at the account"},
	}
}

// Types lists the allowlisted signal types, for registry wiring checks and
// store queries.
func (a Allowlist) Types() []model.SignalType {
	out := make([]model.SignalType, 0, len(a))
	for t := range a {
		out = append(out, t)
	}
	return out
}

// Generator builds callouts from allowlisted events and tracks seen state
// through the store.
type Generator struct {
	store      store.Store
	allowlist  Allowlist
	formatters map[model.SignalType]Formatter
	mapper     *entity.Mapper
	now        func() time.Time
}

// NewGenerator creates a Generator. Formatters for allowlisted types are
// registered here, at startup; types without a formatter fall back to a
// generic rendering.
func NewGenerator(st store.Store, allowlist Allowlist, mapper *entity.Mapper) *Generator {
	g := &Generator{
		store:      st,
		allowlist:  allowlist,
		formatters: make(map[model.SignalType]Formatter),
		mapper:     mapper,
		now:        func() time.Time { return time.Now().UTC() },
	}
	g.registerDefaults()
	return g
}

// WithNow sets a fixed clock for testing.
func (g *Generator) WithNow(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Register installs a formatter for a signal type. Later registrations for
// the same type replace earlier ones.
func (g *Generator) Register(t model.SignalType, f Formatter) {
	g.formatters[t] = f
}

func (g *Generator) registerDefaults() {
	g.Register(registry.TypeLeadershipChange, func(ev model.SignalEvent, display func(model.EntityRef) string) string {
		return fmt.Sprintf("Leadership change at %s: %s", display(ev.Entity), ev.Value)
	})
	g.Register(registry.TypeJobChange, func(ev model.SignalEvent, display func(model.EntityRef) string) string {
		return fmt.Sprintf("%s changed roles: %s", display(ev.Entity), ev.Value)
	})
	g.Register(registry.TypeFundingEvent, func(ev model.SignalEvent, display func(model.EntityRef) string) string {
		return fmt.Sprintf("Funding event at %s: %s", display(ev.Entity), ev.Value)
	})
	g.Register(registry.TypeSentimentShift, func(ev model.SignalEvent, display func(model.EntityRef) string) string {
		return fmt.Sprintf("Sentiment shift detected for %s: %s", display(ev.Entity), ev.Value)
	})
	g.Register(registry.TypeInitiativeAtRisk, func(ev model.SignalEvent, display func(model.EntityRef) string) string {
		return fmt.Sprintf("Initiative %s may be at risk (%s)", display(ev.Entity), ev.Value)
	})
	g.Register(registry.TypeRelationshipAtRisk, func(ev model.SignalEvent, display func(model.EntityRef) string) string {
		return fmt.Sprintf("Relationship with %s may be at risk (%s)", display(ev.Entity), ev.Value)
	})
}

// display renders an entity for callout text via the canonical mapper.
func (g *Generator) display(ref model.EntityRef) string {
	if g.mapper != nil {
		return g.mapper.Title(ref.ID)
	}
	return ref.ID
}

// Build formats one event as a callout. Non-allowlisted types return
// ErrNotAllowlisted.
func (g *Generator) Build(event model.SignalEvent) (*model.Callout, error) {
	spec, ok := g.allowlist[event.Type]
	if !ok {
		return nil, eris.Wrapf(ErrNotAllowlisted, "%s", event.Type)
	}

	f, ok := g.formatters[event.Type]
	text := ""
	if ok {
		text = f(event, g.display)
	} else {
		text = fmt.Sprintf("%s: %s", strings.ReplaceAll(string(event.Type), "_", " "), event.Value)
	}

	return &model.Callout{
		EventID:         event.ID,
		Entity:          event.Entity,
		Type:            event.Type,
		Text:            text,
		Severity:        spec.Severity,
		SuggestedAction: spec.Action,
		SurfacedAt:      g.now(),
	}, nil
}

// Unsurfaced returns a lazy, restartable sequence of not-yet-seen callouts
// for an entity, newest first. Ranging again restarts the query.
func (g *Generator) Unsurfaced(ctx context.Context, ref model.EntityRef) iter.Seq2[model.Callout, error] {
	types := g.allowlist.Types()
	return func(yield func(model.Callout, error) bool) {
		events, err := g.store.ListUnseenCalloutEvents(ctx, ref, types, 100)
		if err != nil {
			yield(model.Callout{}, eris.Wrap(err, "callout: list unseen"))
			return
		}
		for _, ev := range events {
			c, err := g.Build(ev)
			if err != nil {
				zap.L().Warn("callout: skipping unformattable event",
					zap.String("event", ev.ID), zap.Error(err))
				continue
			}
			if !yield(*c, nil) {
				return
			}
		}
	}
}

// MarkSeen records that a callout was surfaced to the user. Idempotent.
func (g *Generator) MarkSeen(ctx context.Context, eventID string) error {
	return eris.Wrapf(g.store.MarkCalloutSeen(ctx, eventID), "callout: mark seen %s", eventID)
}
