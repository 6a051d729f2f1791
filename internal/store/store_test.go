package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-signals/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testEvent(entity model.EntityRef, emittedAt time.Time) model.SignalEvent {
	return model.SignalEvent{
		ID:         uuid.NewString(),
		Entity:     entity,
		Type:       "leadership_change",
		Source:     "news_ingest",
		Value:      "new CTO",
		Confidence: 0.8,
		EmittedAt:  emittedAt,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	acme := model.EntityRef{Kind: model.KindOrganization, ID: "acme"}

	t.Run("AppendAndGetSignal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		event := testEvent(acme, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		event.SourceContext = map[string]any{"headline": "Acme names new CTO"}
		require.NoError(t, s.AppendSignal(ctx, event))

		got, err := s.GetSignal(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, acme, got.Entity)
		assert.Equal(t, event.Type, got.Type)
		assert.Equal(t, event.Source, got.Source)
		assert.Equal(t, "new CTO", got.Value)
		assert.InDelta(t, 0.8, got.Confidence, 1e-9)
		assert.True(t, event.EmittedAt.Equal(got.EmittedAt))
		assert.Equal(t, "Acme names new CTO", got.SourceContext["headline"])
		assert.False(t, got.Derived())
	})

	t.Run("GetSignalNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetSignal(context.Background(), "nonexistent-id")
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("DerivedFieldsRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		parent := testEvent(acme, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		require.NoError(t, s.AppendSignal(ctx, parent))

		child := testEvent(model.EntityRef{Kind: model.KindInitiative, ID: "apollo"},
			time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC))
		child.Type = "initiative_at_risk"
		child.Source = "propagation"
		child.DerivedFrom = parent.ID
		child.RuleName = "leadership-change-initiatives"
		require.NoError(t, s.AppendSignal(ctx, child))

		got, err := s.GetSignal(ctx, child.ID)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, got.DerivedFrom)
		assert.Equal(t, "leadership-change-initiatives", got.RuleName)
		assert.True(t, got.Derived())
	})

	t.Run("ListSignalsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		other := model.EntityRef{Kind: model.KindOrganization, ID: "globex"}

		e1 := testEvent(acme, base)
		e2 := testEvent(acme, base.Add(time.Hour))
		e2.Type = "funding_event"
		e3 := testEvent(other, base.Add(2*time.Hour))
		for _, ev := range []model.SignalEvent{e1, e2, e3} {
			require.NoError(t, s.AppendSignal(ctx, ev))
		}

		// Entity filter, newest first.
		events, err := s.ListSignals(ctx, SignalFilter{Entity: acme})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, e2.ID, events[0].ID)
		assert.Equal(t, e1.ID, events[1].ID)

		// Type filter.
		events, err = s.ListSignals(ctx, SignalFilter{Entity: acme, Type: "funding_event"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e2.ID, events[0].ID)

		// Since filter.
		events, err = s.ListSignals(ctx, SignalFilter{Entity: acme, Since: base.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e2.ID, events[0].ID)
	})

	t.Run("ListSignalsCursorPagination", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		var all []model.SignalEvent
		for i := 0; i < 5; i++ {
			ev := testEvent(acme, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.AppendSignal(ctx, ev))
			all = append(all, ev)
		}

		page1, err := s.ListSignals(ctx, SignalFilter{Entity: acme, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)
		assert.Equal(t, all[4].ID, page1[0].ID)
		assert.Equal(t, all[3].ID, page1[1].ID)

		cursor := SignalCursor{EmittedAt: page1[1].EmittedAt, ID: page1[1].ID}
		page2, err := s.ListSignals(ctx, SignalFilter{Entity: acme, Limit: 2, Before: cursor})
		require.NoError(t, err)
		require.Len(t, page2, 2)
		assert.Equal(t, all[2].ID, page2[0].ID)
		assert.Equal(t, all[1].ID, page2[1].ID)

		cursor = SignalCursor{EmittedAt: page2[1].EmittedAt, ID: page2[1].ID}
		page3, err := s.ListSignals(ctx, SignalFilter{Entity: acme, Limit: 2, Before: cursor})
		require.NoError(t, err)
		require.Len(t, page3, 1)
		assert.Equal(t, all[0].ID, page3[0].ID)
	})

	t.Run("CursorBreaksTimestampTies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		var ids []string
		for i := 0; i < 3; i++ {
			ev := testEvent(acme, at)
			ev.ID = fmt.Sprintf("evt-%d", i)
			require.NoError(t, s.AppendSignal(ctx, ev))
			ids = append(ids, ev.ID)
		}

		page1, err := s.ListSignals(ctx, SignalFilter{Entity: acme, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)
		assert.Equal(t, "evt-2", page1[0].ID)
		assert.Equal(t, "evt-1", page1[1].ID)

		cursor := SignalCursor{EmittedAt: page1[1].EmittedAt, ID: page1[1].ID}
		page2, err := s.ListSignals(ctx, SignalFilter{Entity: acme, Before: cursor})
		require.NoError(t, err)
		require.Len(t, page2, 1)
		assert.Equal(t, "evt-0", page2[0].ID)
	})

	t.Run("RecordFeedbackUpsert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		// First accept creates the row at the uniform prior plus one.
		w, err := s.RecordFeedback(ctx, "news_ingest", true)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, w.Alpha, 1e-9)
		assert.InDelta(t, 1.0, w.Beta, 1e-9)
		assert.EqualValues(t, 1, w.SampleCount)

		// Rejection increments beta only.
		w, err = s.RecordFeedback(ctx, "news_ingest", false)
		require.NoError(t, err)
		assert.InDelta(t, 2.0, w.Alpha, 1e-9)
		assert.InDelta(t, 2.0, w.Beta, 1e-9)
		assert.EqualValues(t, 2, w.SampleCount)

		got, err := s.GetSourceWeight(ctx, "news_ingest")
		require.NoError(t, err)
		assert.Equal(t, w.Alpha, got.Alpha)
		assert.Equal(t, w.Beta, got.Beta)
		assert.EqualValues(t, 2, got.SampleCount)
	})

	t.Run("GetSourceWeightNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetSourceWeight(context.Background(), "never_seen")
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("ListSourceWeights", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.RecordFeedback(ctx, "news_ingest", true)
		require.NoError(t, err)
		_, err = s.RecordFeedback(ctx, "calendar_ingest", false)
		require.NoError(t, err)

		weights, err := s.ListSourceWeights(ctx)
		require.NoError(t, err)
		require.Len(t, weights, 2)
		assert.Equal(t, model.Source("calendar_ingest"), weights[0].Source)
		assert.Equal(t, model.Source("news_ingest"), weights[1].Source)
	})

	t.Run("UnseenCalloutEvents", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		e1 := testEvent(acme, base)
		e2 := testEvent(acme, base.Add(time.Hour))
		e3 := testEvent(acme, base.Add(2*time.Hour))
		e3.Type = "keyword_match" // not in allowlist below
		for _, ev := range []model.SignalEvent{e1, e2, e3} {
			require.NoError(t, s.AppendSignal(ctx, ev))
		}

		allowed := []model.SignalType{"leadership_change", "funding_event"}
		events, err := s.ListUnseenCalloutEvents(ctx, acme, allowed, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, e2.ID, events[0].ID)

		require.NoError(t, s.MarkCalloutSeen(ctx, e2.ID))
		// Marking twice is idempotent.
		require.NoError(t, s.MarkCalloutSeen(ctx, e2.ID))

		events, err = s.ListUnseenCalloutEvents(ctx, acme, allowed, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e1.ID, events[0].ID)

		// Empty allowlist short-circuits.
		events, err = s.ListUnseenCalloutEvents(ctx, acme, nil, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("ArtifactLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a1 := model.Artifact{ID: "brief-acme", Name: "account-brief", Entity: acme}
		a2 := model.Artifact{ID: "deck-acme", Name: "renewal-deck", Entity: acme}
		require.NoError(t, s.RegisterArtifact(ctx, a1))
		require.NoError(t, s.RegisterArtifact(ctx, a2))
		// Re-registering is an upsert, not an error.
		require.NoError(t, s.RegisterArtifact(ctx, a1))

		artifacts, err := s.ListArtifactsForEntity(ctx, acme)
		require.NoError(t, err)
		require.Len(t, artifacts, 2)
		assert.False(t, artifacts[0].Stale)

		at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		n, err := s.MarkArtifactsStale(ctx, []string{"brief-acme", "deck-acme"}, at)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// Already-stale artifacts are not counted again.
		n, err = s.MarkArtifactsStale(ctx, []string{"brief-acme"}, at.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		stale, err := s.ListStaleArtifacts(ctx)
		require.NoError(t, err)
		require.Len(t, stale, 2)
		assert.True(t, stale[0].Stale)
		assert.True(t, at.Equal(stale[0].StaleSince))

		require.NoError(t, s.MarkArtifactFresh(ctx, "brief-acme"))
		stale, err = s.ListStaleArtifacts(ctx)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "deck-acme", stale[0].ID)
	})

	t.Run("MarkArtifactFreshNotFound", func(t *testing.T) {
		s := newStore(t)

		err := s.MarkArtifactFresh(context.Background(), "nonexistent")
		require.Error(t, err)
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("MarkArtifactsStaleEmpty", func(t *testing.T) {
		s := newStore(t)

		n, err := s.MarkArtifactsStale(context.Background(), nil, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
