// Package bus is the durable append-only signal log and the sole write path
// for signal events. Emission, rule-driven propagation, and cache
// invalidation run inside one single-writer critical section, so readers
// never observe a partially propagated state.
package bus

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/registry"
	"github.com/sells-group/account-signals/internal/store"
)

// ErrPersistence marks a store failure on the write path. The caller owns
// the retry: nothing was written for the failed event.
var ErrPersistence = eris.New("bus: persistence failure")

// AppendFunc validates, stamps, and persists one derived draft within the
// current emission's unit of work. The propagation engine calls it for each
// derived signal it produces.
type AppendFunc func(ctx context.Context, draft model.SignalDraft) (*model.SignalEvent, error)

// Cascader derives follow-on signals from a newly appended base event. The
// implementation owns depth bounding and loop prevention; append persists
// each derived draft and returns the stored event so the cascade can
// continue from it.
type Cascader interface {
	Cascade(ctx context.Context, base model.SignalEvent, append AppendFunc) error
}

// Watcher flags dependent cached artifacts stale for an appended event. It
// runs inside the emission's critical section.
type Watcher interface {
	OnSignal(ctx context.Context, event model.SignalEvent) error
}

// Bus serializes writes to the signal log through one mutex and serves
// lock-free reads against the store's consistent snapshot.
type Bus struct {
	reg      *registry.Registry
	store    store.Store
	cascader Cascader
	watcher  Watcher

	writeMu sync.Mutex
	now     func() time.Time
	newID   func() string
}

// Option configures a Bus.
type Option func(*Bus)

// WithCascader attaches the propagation engine.
func WithCascader(c Cascader) Option {
	return func(b *Bus) { b.cascader = c }
}

// WithWatcher attaches the invalidation watcher.
func WithWatcher(w Watcher) Option {
	return func(b *Bus) { b.watcher = w }
}

// WithClock sets a fixed clock for testing.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a Bus over a registry and store.
func New(reg *registry.Registry, st store.Store, opts ...Option) *Bus {
	b := &Bus{
		reg:   reg,
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit validates a draft against the registry, assigns id and emitted_at,
// appends it, and synchronously runs the propagation cascade and the
// invalidation watcher before returning. Validation failures return a
// *model.ValidationError and write nothing; store failures wrap
// ErrPersistence.
func (b *Bus) Emit(ctx context.Context, draft model.SignalDraft) (*model.SignalEvent, error) {
	if err := b.reg.Validate(draft); err != nil {
		return nil, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	event, err := b.appendLocked(ctx, draft)
	if err != nil {
		return nil, err
	}

	if b.cascader != nil {
		if err := b.cascader.Cascade(ctx, *event, b.appendDerivedLocked); err != nil {
			// The base event is already durable; a mid-cascade store failure
			// surfaces so the caller knows derivation is incomplete.
			return event, err
		}
	}
	return event, nil
}

// appendDerivedLocked is the AppendFunc handed to the cascader. The write
// lock is already held by the triggering Emit.
func (b *Bus) appendDerivedLocked(ctx context.Context, draft model.SignalDraft) (*model.SignalEvent, error) {
	if err := b.reg.Validate(draft); err != nil {
		return nil, err
	}
	return b.appendLocked(ctx, draft)
}

func (b *Bus) appendLocked(ctx context.Context, draft model.SignalDraft) (*model.SignalEvent, error) {
	event := model.SignalEvent{
		ID:            b.newID(),
		Entity:        draft.Entity,
		Type:          draft.Type,
		Source:        draft.Source,
		Value:         draft.Value,
		Confidence:    draft.Confidence,
		EmittedAt:     b.now(),
		SourceContext: draft.SourceContext,
		DerivedFrom:   draft.DerivedFrom,
		RuleName:      draft.RuleName,
	}

	if err := b.store.AppendSignal(ctx, event); err != nil {
		return nil, eris.Wrapf(ErrPersistence, "append %s: %v", event.Type, err)
	}

	if b.watcher != nil {
		if err := b.watcher.OnSignal(ctx, event); err != nil {
			return nil, eris.Wrapf(ErrPersistence, "invalidate for %s: %v", event.ID, err)
		}
	}

	zap.L().Debug("bus: appended signal",
		zap.String("id", event.ID),
		zap.String("entity", event.Entity.String()),
		zap.String("type", string(event.Type)),
		zap.String("rule", event.RuleName),
	)
	return &event, nil
}

// Get fetches one event by id.
func (b *Bus) Get(ctx context.Context, id string) (*model.SignalEvent, error) {
	return b.store.GetSignal(ctx, id)
}

// Query returns a lazy, restartable sequence of events for an entity,
// ordered by emitted_at descending, paging from the store. Ranging over the
// sequence again restarts from the newest event. Reads never take the write
// lock.
func (b *Bus) Query(ctx context.Context, filter store.SignalFilter) iter.Seq2[model.SignalEvent, error] {
	pageSize := filter.Limit
	if pageSize <= 0 {
		pageSize = 100
	}

	return func(yield func(model.SignalEvent, error) bool) {
		page := filter
		page.Limit = pageSize
		page.Before = store.SignalCursor{}

		for {
			events, err := b.store.ListSignals(ctx, page)
			if err != nil {
				yield(model.SignalEvent{}, eris.Wrap(err, "bus: query"))
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
			if len(events) < pageSize {
				return
			}
			last := events[len(events)-1]
			page.Before = store.SignalCursor{EmittedAt: last.EmittedAt, ID: last.ID}
		}
	}
}

// Collect drains a query sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[model.SignalEvent, error]) ([]model.SignalEvent, error) {
	var out []model.SignalEvent
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
