package propagation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-signals/internal/bus"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
)

var (
	acme   = model.EntityRef{Kind: model.KindOrganization, ID: "acme"}
	apollo = model.EntityRef{Kind: model.KindInitiative, ID: "apollo"}
	hermes = model.EntityRef{Kind: model.KindInitiative, ID: "hermes"}
)

// graphLookup is a fixed in-memory entity graph.
type graphLookup map[model.EntityRef][]model.EntityRef

func (g graphLookup) Related(_ context.Context, from model.EntityRef, kind model.EntityKind) ([]model.EntityRef, error) {
	var out []model.EntityRef
	for _, ref := range g[from] {
		if ref.Kind == kind {
			out = append(out, ref)
		}
	}
	return out, nil
}

// collectAppend records appended drafts and returns stored-looking events.
func collectAppend(appended *[]model.SignalEvent) bus.AppendFunc {
	return func(_ context.Context, draft model.SignalDraft) (*model.SignalEvent, error) {
		ev := model.SignalEvent{
			ID:            uuid.NewString(),
			Entity:        draft.Entity,
			Type:          draft.Type,
			Source:        draft.Source,
			Value:         draft.Value,
			Confidence:    draft.Confidence,
			EmittedAt:     time.Now().UTC(),
			SourceContext: draft.SourceContext,
			DerivedFrom:   draft.DerivedFrom,
			RuleName:      draft.RuleName,
		}
		*appended = append(*appended, ev)
		return &ev, nil
	}
}

func baseEvent(entity model.EntityRef, sigType model.SignalType, confidence float64) model.SignalEvent {
	return model.SignalEvent{
		ID:         uuid.NewString(),
		Entity:     entity,
		Type:       sigType,
		Source:     registry.SourceNewsIngest,
		Value:      "CTO departed",
		Confidence: confidence,
		EmittedAt:  time.Now().UTC(),
	}
}

func TestCascade_DerivesOnRelatedEntities(t *testing.T) {
	graph := graphLookup{acme: {apollo, hermes}}
	engine := NewEngine(DefaultRules(graph), nil)

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))

	require.Len(t, appended, 2)
	for _, ev := range appended {
		assert.Equal(t, registry.TypeInitiativeAtRisk, ev.Type)
		assert.Equal(t, registry.SourcePropagation, ev.Source)
		assert.Equal(t, base.ID, ev.DerivedFrom)
		assert.Equal(t, "leadership-change-initiatives", ev.RuleName)
		assert.InDelta(t, 0.9*0.8, ev.Confidence, 1e-9)
		assert.Equal(t, string(registry.TypeLeadershipChange), ev.SourceContext["trigger"])
	}
	assert.ElementsMatch(t,
		[]model.EntityRef{apollo, hermes},
		[]model.EntityRef{appended[0].Entity, appended[1].Entity})
}

func TestCascade_NoMatchingRule(t *testing.T) {
	engine := NewEngine(DefaultRules(graphLookup{}), nil)

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeKeywordMatch, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))
	assert.Empty(t, appended)
}

func TestCascade_TransformFloorSuppresses(t *testing.T) {
	graph := graphLookup{acme: {apollo}}
	engine := NewEngine(DefaultRules(graph), nil)

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.04)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))
	assert.Empty(t, appended, "damped below the floor derives nothing")
}

func TestCascade_CyclicGraphTerminates(t *testing.T) {
	// Two initiatives pointing at each other through a rule chain cannot
	// recurse: the derived type differs from the trigger, and the visited
	// set blocks repeat triples.
	rules := []Rule{{
		Name:    "echo",
		Trigger: registry.TypeLeadershipChange,
		// Derived type equals the trigger so the cascade would loop forever
		// without the visited set and depth bound.
		Derived:   registry.TypeLeadershipChange,
		Transform: func(v string, c float64) (string, float64, bool) { return v, c, true },
		Traverse: func(_ context.Context, from model.EntityRef) ([]model.EntityRef, error) {
			if from == acme {
				return []model.EntityRef{apollo}, nil
			}
			return []model.EntityRef{acme}, nil
		},
	}}
	engine := NewEngine(rules, nil)

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))

	// acme->apollo at depth 1, apollo->acme at depth 2; the third hop
	// re-derives acme->apollo, which the visited set blocks.
	assert.Len(t, appended, 2)
}

func TestCascade_DepthBound(t *testing.T) {
	// A self-amplifying rule with fresh targets every hop stops at max depth.
	counter := 0
	rules := []Rule{{
		Name:      "spiral",
		Trigger:   registry.TypeLeadershipChange,
		Derived:   registry.TypeLeadershipChange,
		Transform: func(v string, c float64) (string, float64, bool) { return v, c, true },
		Traverse: func(_ context.Context, from model.EntityRef) ([]model.EntityRef, error) {
			counter++
			return []model.EntityRef{{Kind: model.KindOrganization, ID: uuid.NewString()}}, nil
		},
	}}
	engine := NewEngine(rules, &Config{MaxDepth: 2})

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))
	assert.Len(t, appended, 2, "depth 0 and 1 derive, depth 2 is cut off")
}

func TestCascade_RuleErrorIsolated(t *testing.T) {
	graph := graphLookup{acme: {apollo}}
	rules := append([]Rule{{
		Name:      "broken",
		Trigger:   registry.TypeLeadershipChange,
		Derived:   registry.TypeInitiativeAtRisk,
		Transform: func(v string, c float64) (string, float64, bool) { return v, c, true },
		Traverse: func(context.Context, model.EntityRef) ([]model.EntityRef, error) {
			return nil, eris.New("graph store down")
		},
	}}, DefaultRules(graph)...)
	engine := NewEngine(rules, nil)

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))
	require.Len(t, appended, 1, "healthy rules still fire")
	assert.Equal(t, "leadership-change-initiatives", appended[0].RuleName)
}

func TestCascade_RulePanicIsolated(t *testing.T) {
	graph := graphLookup{acme: {apollo}}
	rules := append([]Rule{{
		Name:      "panicky",
		Trigger:   registry.TypeLeadershipChange,
		Derived:   registry.TypeInitiativeAtRisk,
		Transform: func(v string, c float64) (string, float64, bool) { panic("boom") },
		Traverse: func(context.Context, model.EntityRef) ([]model.EntityRef, error) {
			return []model.EntityRef{apollo}, nil
		},
	}}, DefaultRules(graph)...)
	engine := NewEngine(rules, nil)

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))
	require.Len(t, appended, 1)
	assert.Equal(t, "leadership-change-initiatives", appended[0].RuleName)
}

func TestCascade_AppendFailureAborts(t *testing.T) {
	graph := graphLookup{acme: {apollo, hermes}}
	engine := NewEngine(DefaultRules(graph), nil)

	calls := 0
	failing := func(context.Context, model.SignalDraft) (*model.SignalEvent, error) {
		calls++
		return nil, eris.New("disk full")
	}

	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	err := engine.Cascade(context.Background(), base, failing)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "cascade stops at the first append failure")
}

func TestCascade_ValidationErrorSkipsTarget(t *testing.T) {
	graph := graphLookup{acme: {apollo, hermes}}
	engine := NewEngine(DefaultRules(graph), nil)

	var appended []model.SignalEvent
	inner := collectAppend(&appended)
	rejectFirst := true
	appendFn := func(ctx context.Context, draft model.SignalDraft) (*model.SignalEvent, error) {
		if rejectFirst {
			rejectFirst = false
			return nil, model.NewValidationError("confidence", "rejected")
		}
		return inner(ctx, draft)
	}

	base := baseEvent(acme, registry.TypeLeadershipChange, 0.9)
	require.NoError(t, engine.Cascade(context.Background(), base, appendFn))
	assert.Len(t, appended, 1, "invalid draft skips one target, not the cascade")
}

func TestNewEngine_Tuning(t *testing.T) {
	graph := graphLookup{acme: {apollo}}
	damping := 0.5
	cfg := &Config{
		MaxDepth: 2,
		Rules: map[string]Tuning{
			"leadership-change-initiatives": {Damping: &damping},
			"job-change-relationships":      {Disabled: true},
		},
	}
	engine := NewEngine(DefaultRules(graph), cfg)
	require.Len(t, engine.Rules(), 3, "disabled rule dropped")

	var appended []model.SignalEvent
	base := baseEvent(acme, registry.TypeLeadershipChange, 0.8)
	require.NoError(t, engine.Cascade(context.Background(), base, collectAppend(&appended)))
	require.Len(t, appended, 1)
	assert.InDelta(t, 0.4, appended[0].Confidence, 1e-9)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "propagation.yaml")
	yaml := `propagation:
  max_depth: 5
  rules:
    meeting-engagement:
      disabled: true
    funding-initiative-momentum:
      damping: 0.6
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxDepth)
	assert.True(t, cfg.Rules["meeting-engagement"].Disabled)
	require.NotNil(t, cfg.Rules["funding-initiative-momentum"].Damping)
	assert.Equal(t, 0.6, *cfg.Rules["funding-initiative-momentum"].Damping)
}

func TestTriggers(t *testing.T) {
	rules := DefaultRules(graphLookup{})
	got := Triggers(rules)
	assert.Contains(t, got, registry.TypeLeadershipChange)
	assert.Contains(t, got, registry.TypeFundingEvent)
	assert.Len(t, got, len(rules))
}
