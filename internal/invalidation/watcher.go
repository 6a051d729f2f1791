// Package invalidation flags dependent cached artifacts stale when a
// relevant signal lands. The watcher runs inside the bus's emission unit of
// work, so no cache is ever read as fresh immediately after a signal.
package invalidation

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/store"
)

// DependencyLookup maps an entity to the IDs of cached artifacts that
// reference it. The default lookup reads the store's artifact table; hosts
// with external artifact indexes inject their own.
type DependencyLookup func(ctx context.Context, ref model.EntityRef) ([]string, error)

// Watcher marks dependent artifacts stale on each signal.
type Watcher struct {
	store  store.Store
	lookup DependencyLookup
	now    func() time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLookup overrides the store-backed dependency lookup.
func WithLookup(l DependencyLookup) Option {
	return func(w *Watcher) { w.lookup = l }
}

// WithClock sets a fixed clock for testing.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// NewWatcher creates a Watcher over the store.
func NewWatcher(st store.Store, opts ...Option) *Watcher {
	w := &Watcher{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
	w.lookup = func(ctx context.Context, ref model.EntityRef) ([]string, error) {
		artifacts, err := st.ListArtifactsForEntity(ctx, ref)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(artifacts))
		for _, a := range artifacts {
			ids = append(ids, a.ID)
		}
		return ids, nil
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnSignal marks every artifact referencing the event's entity stale.
// Regeneration belongs to the external enrichment collaborator; here only
// the flag and timestamp flip.
func (w *Watcher) OnSignal(ctx context.Context, event model.SignalEvent) error {
	ids, err := w.lookup(ctx, event.Entity)
	if err != nil {
		return eris.Wrapf(err, "invalidation: lookup dependents of %s", event.Entity)
	}
	if len(ids) == 0 {
		return nil
	}

	n, err := w.store.MarkArtifactsStale(ctx, ids, w.now())
	if err != nil {
		return eris.Wrapf(err, "invalidation: mark stale for %s", event.Entity)
	}
	if n > 0 {
		zap.L().Debug("invalidation: artifacts marked stale",
			zap.String("entity", event.Entity.String()),
			zap.String("event", event.ID),
			zap.Int("count", n),
		)
	}
	return nil
}

// Register records a cached artifact so future signals on its entity flag
// it stale.
func (w *Watcher) Register(ctx context.Context, artifact model.Artifact) error {
	return eris.Wrapf(w.store.RegisterArtifact(ctx, artifact), "invalidation: register %s", artifact.ID)
}

// Refresh marks an artifact fresh after regeneration.
func (w *Watcher) Refresh(ctx context.Context, id string) error {
	return eris.Wrapf(w.store.MarkArtifactFresh(ctx, id), "invalidation: refresh %s", id)
}
