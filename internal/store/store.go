package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-signals/internal/model"
)

// ErrNotFound is returned when a lookup misses. Callers that treat absence
// as a normal state (weight reads, artifact refresh) check with errors.Is.
var ErrNotFound = eris.New("store: not found")

// SignalCursor marks a position in the emitted_at-descending signal log for
// keyset pagination. The zero cursor means "start from the newest event".
type SignalCursor struct {
	EmittedAt time.Time `json:"emitted_at"`
	ID        string    `json:"id"`
}

// Zero reports whether the cursor is unset.
func (c SignalCursor) Zero() bool {
	return c.EmittedAt.IsZero() && c.ID == ""
}

// SignalFilter specifies criteria for listing signal events.
type SignalFilter struct {
	Entity model.EntityRef  `json:"entity"`
	Type   model.SignalType `json:"signal_type,omitempty"`
	Since  time.Time        `json:"since,omitzero"`
	Before SignalCursor     `json:"before,omitzero"`
	Limit  int              `json:"limit,omitempty"`
}

// Store defines the persistence interface for the signal subsystem: the
// append-only event log, the learned source weights, callout seen markers,
// and the stale flags on dependent cached artifacts.
type Store interface {
	// Signal log. Events are immutable once appended: there is deliberately
	// no update or delete, corrections land as new compensating events.
	AppendSignal(ctx context.Context, event model.SignalEvent) error
	GetSignal(ctx context.Context, id string) (*model.SignalEvent, error)
	// ListSignals returns one page ordered by emitted_at descending (ties by
	// id descending). The Before cursor resumes after the last row of the
	// previous page.
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.SignalEvent, error)

	// Source weights. RecordFeedback is a single-statement atomic upsert:
	// concurrent increments for the same source must not be lost.
	RecordFeedback(ctx context.Context, source model.Source, accepted bool) (*model.SourceWeight, error)
	GetSourceWeight(ctx context.Context, source model.Source) (*model.SourceWeight, error)
	ListSourceWeights(ctx context.Context) ([]model.SourceWeight, error)

	// Callout seen markers.
	MarkCalloutSeen(ctx context.Context, eventID string) error
	ListUnseenCalloutEvents(ctx context.Context, entity model.EntityRef, types []model.SignalType, limit int) ([]model.SignalEvent, error)

	// Dependent cached artifacts.
	RegisterArtifact(ctx context.Context, artifact model.Artifact) error
	MarkArtifactsStale(ctx context.Context, ids []string, at time.Time) (int, error)
	MarkArtifactFresh(ctx context.Context, id string) error
	ListArtifactsForEntity(ctx context.Context, entity model.EntityRef) ([]model.Artifact, error)
	ListStaleArtifacts(ctx context.Context) ([]model.Artifact, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
