package invalidation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/store"
)

var (
	acme    = model.EntityRef{Kind: model.KindOrganization, ID: "acme"}
	globex  = model.EntityRef{Kind: model.KindOrganization, ID: "globex"}
	staleAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "invalidation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func signalOn(ref model.EntityRef) model.SignalEvent {
	return model.SignalEvent{
		ID:         "evt-1",
		Entity:     ref,
		Type:       "leadership_change",
		Source:     "news_ingest",
		Confidence: 0.8,
		EmittedAt:  staleAt,
	}
}

func TestOnSignal_MarksDependentsStale(t *testing.T) {
	st := newTestStore(t)
	w := NewWatcher(st, WithClock(func() time.Time { return staleAt }))
	ctx := context.Background()

	require.NoError(t, w.Register(ctx, model.Artifact{ID: "brief-acme", Name: "account-brief", Entity: acme}))
	require.NoError(t, w.Register(ctx, model.Artifact{ID: "deck-acme", Name: "renewal-deck", Entity: acme}))
	require.NoError(t, w.Register(ctx, model.Artifact{ID: "brief-globex", Name: "account-brief", Entity: globex}))

	require.NoError(t, w.OnSignal(ctx, signalOn(acme)))

	stale, err := st.ListStaleArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	for _, a := range stale {
		assert.Equal(t, acme, a.Entity)
		assert.True(t, staleAt.Equal(a.StaleSince))
	}
}

func TestOnSignal_NoDependents(t *testing.T) {
	st := newTestStore(t)
	w := NewWatcher(st)

	require.NoError(t, w.OnSignal(context.Background(), signalOn(acme)))

	stale, err := st.ListStaleArtifacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestOnSignal_CustomLookup(t *testing.T) {
	st := newTestStore(t)
	w := NewWatcher(st,
		WithClock(func() time.Time { return staleAt }),
		WithLookup(func(_ context.Context, ref model.EntityRef) ([]string, error) {
			return []string{"external-" + ref.ID}, nil
		}),
	)
	ctx := context.Background()

	require.NoError(t, st.RegisterArtifact(ctx, model.Artifact{ID: "external-acme", Name: "summary", Entity: acme}))
	require.NoError(t, w.OnSignal(ctx, signalOn(acme)))

	stale, err := st.ListStaleArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "external-acme", stale[0].ID)
}

func TestOnSignal_LookupError(t *testing.T) {
	w := NewWatcher(newTestStore(t), WithLookup(
		func(context.Context, model.EntityRef) ([]string, error) {
			return nil, eris.New("index offline")
		},
	))

	err := w.OnSignal(context.Background(), signalOn(acme))
	require.Error(t, err)
}

func TestRefresh(t *testing.T) {
	st := newTestStore(t)
	w := NewWatcher(st, WithClock(func() time.Time { return staleAt }))
	ctx := context.Background()

	require.NoError(t, w.Register(ctx, model.Artifact{ID: "brief-acme", Name: "account-brief", Entity: acme}))
	require.NoError(t, w.OnSignal(ctx, signalOn(acme)))

	require.NoError(t, w.Refresh(ctx, "brief-acme"))

	stale, err := st.ListStaleArtifacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Refreshing an unknown artifact is an error.
	err = w.Refresh(ctx, "nonexistent")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}
