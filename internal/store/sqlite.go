package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/account-signals/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS signal_events (
	id             TEXT PRIMARY KEY,
	entity_kind    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	signal_type    TEXT NOT NULL,
	source         TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	emitted_at     DATETIME NOT NULL,
	source_context TEXT,
	derived_from   TEXT REFERENCES signal_events(id),
	rule_name      TEXT
);

CREATE TABLE IF NOT EXISTS source_weights (
	source       TEXT PRIMARY KEY,
	alpha        REAL NOT NULL,
	beta         REAL NOT NULL,
	sample_count INTEGER NOT NULL,
	last_updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS callout_seen (
	event_id TEXT PRIMARY KEY REFERENCES signal_events(id),
	seen_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	entity_kind   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	stale         INTEGER NOT NULL DEFAULT 0,
	stale_since   DATETIME,
	registered_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signal_events_entity
	ON signal_events(entity_kind, entity_id, emitted_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_signal_events_type ON signal_events(signal_type);
CREATE INDEX IF NOT EXISTS idx_signal_events_derived_from ON signal_events(derived_from);
CREATE INDEX IF NOT EXISTS idx_artifacts_entity ON artifacts(entity_kind, entity_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_stale ON artifacts(stale);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendSignal(ctx context.Context, event model.SignalEvent) error {
	ctxJSON, err := marshalContext(event.SourceContext)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal source context")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signal_events
		 (id, entity_kind, entity_id, signal_type, source, value, confidence, emitted_at, source_context, derived_from, rule_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Entity.Kind), event.Entity.ID, string(event.Type),
		string(event.Source), event.Value, event.Confidence, event.EmittedAt.UTC(),
		ctxJSON, nullString(event.DerivedFrom), nullString(event.RuleName),
	)
	return eris.Wrapf(err, "sqlite: append signal %s", event.ID)
}

func (s *SQLiteStore) GetSignal(ctx context.Context, id string) (*model.SignalEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signal_events WHERE id = ?`, id,
	)
	ev, err := scanSignal(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get signal %s", id)
	}
	return ev, nil
}

func (s *SQLiteStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.SignalEvent, error) {
	query := `SELECT ` + signalColumns + ` FROM signal_events WHERE entity_kind = ? AND entity_id = ?`
	args := []any{string(filter.Entity.Kind), filter.Entity.ID}

	if filter.Type != "" {
		query += ` AND signal_type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query += ` AND emitted_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if !filter.Before.Zero() {
		query += ` AND (emitted_at < ? OR (emitted_at = ? AND id < ?))`
		args = append(args, filter.Before.EmittedAt.UTC(), filter.Before.EmittedAt.UTC(), filter.Before.ID)
	}
	query += ` ORDER BY emitted_at DESC, id DESC LIMIT ?`
	args = append(args, pageLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signals")
	}
	defer rows.Close()

	return collectSignals(rows)
}

func (s *SQLiteStore) RecordFeedback(ctx context.Context, source model.Source, accepted bool) (*model.SourceWeight, error) {
	acc, rej := feedbackIncrements(accepted)
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO source_weights (source, alpha, beta, sample_count, last_updated)
		 VALUES (?, 1.0 + ?, 1.0 + ?, 1, ?)
		 ON CONFLICT(source) DO UPDATE SET
			alpha        = source_weights.alpha + ?,
			beta         = source_weights.beta + ?,
			sample_count = source_weights.sample_count + 1,
			last_updated = ?
		 RETURNING source, alpha, beta, sample_count, last_updated`,
		string(source), acc, rej, now, acc, rej, now,
	)
	w, err := scanWeight(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: record feedback for %s", source)
	}
	return w, nil
}

func (s *SQLiteStore) GetSourceWeight(ctx context.Context, source model.Source) (*model.SourceWeight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source, alpha, beta, sample_count, last_updated FROM source_weights WHERE source = ?`,
		string(source),
	)
	w, err := scanWeight(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source weight %s", source)
	}
	return w, nil
}

func (s *SQLiteStore) ListSourceWeights(ctx context.Context) ([]model.SourceWeight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, alpha, beta, sample_count, last_updated FROM source_weights ORDER BY source`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list source weights")
	}
	defer rows.Close()

	var weights []model.SourceWeight
	for rows.Next() {
		w, err := scanWeight(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source weight")
		}
		weights = append(weights, *w)
	}
	return weights, eris.Wrap(rows.Err(), "sqlite: list source weights iterate")
}

func (s *SQLiteStore) MarkCalloutSeen(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO callout_seen (event_id, seen_at) VALUES (?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		eventID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark callout seen %s", eventID)
}

func (s *SQLiteStore) ListUnseenCalloutEvents(ctx context.Context, entity model.EntityRef, types []model.SignalType, limit int) ([]model.SignalEvent, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	query := `SELECT ` + signalColumns + ` FROM signal_events
		 WHERE entity_kind = ? AND entity_id = ?
		   AND signal_type IN (` + placeholders + `)
		   AND id NOT IN (SELECT event_id FROM callout_seen)
		 ORDER BY emitted_at DESC, id DESC LIMIT ?`

	args := []any{string(entity.Kind), entity.ID}
	for _, t := range types {
		args = append(args, string(t))
	}
	args = append(args, pageLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unseen callout events")
	}
	defer rows.Close()

	return collectSignals(rows)
}

func (s *SQLiteStore) RegisterArtifact(ctx context.Context, artifact model.Artifact) error {
	registeredAt := artifact.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, name, entity_kind, entity_id, stale, stale_since, registered_at)
		 VALUES (?, ?, ?, ?, 0, NULL, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, entity_kind = excluded.entity_kind, entity_id = excluded.entity_id`,
		artifact.ID, artifact.Name, string(artifact.Entity.Kind), artifact.Entity.ID, registeredAt,
	)
	return eris.Wrapf(err, "sqlite: register artifact %s", artifact.ID)
}

func (s *SQLiteStore) MarkArtifactsStale(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := []any{at.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET stale = 1, stale_since = ? WHERE id IN (`+placeholders+`) AND stale = 0`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark artifacts stale")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) MarkArtifactFresh(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET stale = 0, stale_since = NULL WHERE id = ?`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark artifact fresh %s", id)
	}
	return checkRowsAffected(res, "artifact", id)
}

func (s *SQLiteStore) ListArtifactsForEntity(ctx context.Context, entity model.EntityRef) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, entity_kind, entity_id, stale, stale_since, registered_at
		 FROM artifacts WHERE entity_kind = ? AND entity_id = ? ORDER BY registered_at`,
		string(entity.Kind), entity.ID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list artifacts for entity")
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func (s *SQLiteStore) ListStaleArtifacts(ctx context.Context) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, entity_kind, entity_id, stale, stale_since, registered_at
		 FROM artifacts WHERE stale = 1 ORDER BY stale_since`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale artifacts")
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// helpers

const signalColumns = `id, entity_kind, entity_id, signal_type, source, value, confidence, emitted_at, source_context, derived_from, rule_name`

func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func feedbackIncrements(accepted bool) (acc, rej float64) {
	if accepted {
		return 1, 0
	}
	return 0, 1
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalContext(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSignal(row scannable) (*model.SignalEvent, error) {
	var ev model.SignalEvent
	var kind, sigType, source string
	var sourceCtx, derivedFrom, ruleName sql.NullString

	err := row.Scan(&ev.ID, &kind, &ev.Entity.ID, &sigType, &source,
		&ev.Value, &ev.Confidence, &ev.EmittedAt, &sourceCtx, &derivedFrom, &ruleName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan signal")
	}

	ev.Entity.Kind = model.EntityKind(kind)
	ev.Type = model.SignalType(sigType)
	ev.Source = model.Source(source)
	ev.DerivedFrom = derivedFrom.String
	ev.RuleName = ruleName.String
	ev.EmittedAt = ev.EmittedAt.UTC()
	if sourceCtx.Valid {
		if err := json.Unmarshal([]byte(sourceCtx.String), &ev.SourceContext); err != nil {
			return nil, eris.Wrap(err, "unmarshal source context")
		}
	}
	return &ev, nil
}

func collectSignals(rows *sql.Rows) ([]model.SignalEvent, error) {
	var events []model.SignalEvent
	for rows.Next() {
		ev, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "iterate signals")
}

func scanWeight(row scannable) (*model.SourceWeight, error) {
	var w model.SourceWeight
	var source string
	err := row.Scan(&source, &w.Alpha, &w.Beta, &w.SampleCount, &w.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan weight")
	}
	w.Source = model.Source(source)
	w.LastUpdated = w.LastUpdated.UTC()
	return &w, nil
}

func collectArtifacts(rows *sql.Rows) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		var kind string
		var stale int
		var staleSince sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &kind, &a.Entity.ID, &stale, &staleSince, &a.RegisteredAt); err != nil {
			return nil, eris.Wrap(err, "scan artifact")
		}
		a.Entity.Kind = model.EntityKind(kind)
		a.Stale = stale != 0
		if staleSince.Valid {
			a.StaleSince = staleSince.Time.UTC()
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, eris.Wrap(rows.Err(), "iterate artifacts")
}
