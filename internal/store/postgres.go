package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the store uses, extracted so tests can
// substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// readRetry bounds transient-failure retries on the read paths. Writes stay
// fail-fast per the persistence contract.
var readRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths: appends and weight reads.
var preparedStatements = map[string]string{
	"append_signal": `INSERT INTO signal_events
		(id, entity_kind, entity_id, signal_type, source, value, confidence, emitted_at, source_context, derived_from, rule_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	"get_signal": `SELECT id, entity_kind, entity_id, signal_type, source, value, confidence, emitted_at, source_context, derived_from, rule_name
		FROM signal_events WHERE id = $1`,
	"get_source_weight": `SELECT source, alpha, beta, sample_count, last_updated FROM source_weights WHERE source = $1`,
	"record_feedback": `INSERT INTO source_weights (source, alpha, beta, sample_count, last_updated)
		VALUES ($1, 1.0 + $2, 1.0 + $3, 1, $4)
		ON CONFLICT (source) DO UPDATE SET
			alpha        = source_weights.alpha + $2,
			beta         = source_weights.beta + $3,
			sample_count = source_weights.sample_count + 1,
			last_updated = $4
		RETURNING source, alpha, beta, sample_count, last_updated`,
}

// NewPostgres creates a PostgresStore with a connection pool. Connection
// establishment and reads retry on transient failures; writes are fail-fast
// per the persistence contract.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}

	err = resilience.Do(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS signal_events (
	id             TEXT PRIMARY KEY,
	entity_kind    TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	signal_type    TEXT NOT NULL,
	source         TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	emitted_at     TIMESTAMPTZ NOT NULL,
	source_context JSONB,
	derived_from   TEXT REFERENCES signal_events(id),
	rule_name      TEXT
);

CREATE TABLE IF NOT EXISTS source_weights (
	source       TEXT PRIMARY KEY,
	alpha        DOUBLE PRECISION NOT NULL,
	beta         DOUBLE PRECISION NOT NULL,
	sample_count BIGINT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS callout_seen (
	event_id TEXT PRIMARY KEY REFERENCES signal_events(id),
	seen_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	entity_kind   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	stale         BOOLEAN NOT NULL DEFAULT false,
	stale_since   TIMESTAMPTZ,
	registered_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signal_events_entity
	ON signal_events(entity_kind, entity_id, emitted_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_signal_events_type ON signal_events(signal_type);
CREATE INDEX IF NOT EXISTS idx_signal_events_derived_from ON signal_events(derived_from);
CREATE INDEX IF NOT EXISTS idx_artifacts_entity ON artifacts(entity_kind, entity_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_stale ON artifacts(stale) WHERE stale;
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) AppendSignal(ctx context.Context, event model.SignalEvent) error {
	ctxJSON, err := marshalContextPg(event.SourceContext)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal source context")
	}

	_, err = s.pool.Exec(ctx, preparedStatements["append_signal"],
		event.ID, string(event.Entity.Kind), event.Entity.ID, string(event.Type),
		string(event.Source), event.Value, event.Confidence, event.EmittedAt.UTC(),
		ctxJSON, pgText(event.DerivedFrom), pgText(event.RuleName),
	)
	return eris.Wrapf(err, "postgres: append signal %s", event.ID)
}

func (s *PostgresStore) GetSignal(ctx context.Context, id string) (*model.SignalEvent, error) {
	return resilience.DoVal(ctx, readRetry, func(ctx context.Context) (*model.SignalEvent, error) {
		row := s.pool.QueryRow(ctx, preparedStatements["get_signal"], id)
		ev, err := scanSignalPg(row)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: get signal %s", id)
		}
		return ev, nil
	})
}

func (s *PostgresStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.SignalEvent, error) {
	query := `SELECT id, entity_kind, entity_id, signal_type, source, value, confidence, emitted_at, source_context, derived_from, rule_name
		FROM signal_events WHERE entity_kind = $1 AND entity_id = $2`
	args := []any{string(filter.Entity.Kind), filter.Entity.ID}

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(` AND signal_type = $%d`, len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += fmt.Sprintf(` AND emitted_at >= $%d`, len(args))
	}
	if !filter.Before.Zero() {
		args = append(args, filter.Before.EmittedAt.UTC(), filter.Before.ID)
		query += fmt.Sprintf(` AND (emitted_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, pageLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY emitted_at DESC, id DESC LIMIT $%d`, len(args))

	return resilience.DoVal(ctx, readRetry, func(ctx context.Context) ([]model.SignalEvent, error) {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list signals")
		}
		defer rows.Close()

		return collectSignalsPg(rows)
	})
}

func (s *PostgresStore) RecordFeedback(ctx context.Context, source model.Source, accepted bool) (*model.SourceWeight, error) {
	acc, rej := feedbackIncrements(accepted)
	row := s.pool.QueryRow(ctx, preparedStatements["record_feedback"],
		string(source), acc, rej, time.Now().UTC(),
	)
	w, err := scanWeightPg(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record feedback for %s", source)
	}
	return w, nil
}

func (s *PostgresStore) GetSourceWeight(ctx context.Context, source model.Source) (*model.SourceWeight, error) {
	return resilience.DoVal(ctx, readRetry, func(ctx context.Context) (*model.SourceWeight, error) {
		row := s.pool.QueryRow(ctx, preparedStatements["get_source_weight"], string(source))
		w, err := scanWeightPg(row)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: get source weight %s", source)
		}
		return w, nil
	})
}

func (s *PostgresStore) ListSourceWeights(ctx context.Context) ([]model.SourceWeight, error) {
	return resilience.DoVal(ctx, readRetry, func(ctx context.Context) ([]model.SourceWeight, error) {
		rows, err := s.pool.Query(ctx,
			`SELECT source, alpha, beta, sample_count, last_updated FROM source_weights ORDER BY source`,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list source weights")
		}
		defer rows.Close()

		var weights []model.SourceWeight
		for rows.Next() {
			w, err := scanWeightPg(rows)
			if err != nil {
				return nil, eris.Wrap(err, "postgres: scan source weight")
			}
			weights = append(weights, *w)
		}
		return weights, eris.Wrap(rows.Err(), "postgres: list source weights iterate")
	})
}

func (s *PostgresStore) MarkCalloutSeen(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO callout_seen (event_id, seen_at) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: mark callout seen %s", eventID)
}

func (s *PostgresStore) ListUnseenCalloutEvents(ctx context.Context, entity model.EntityRef, types []model.SignalType, limit int) ([]model.SignalEvent, error) {
	if len(types) == 0 {
		return nil, nil
	}

	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_kind, entity_id, signal_type, source, value, confidence, emitted_at, source_context, derived_from, rule_name
		 FROM signal_events
		 WHERE entity_kind = $1 AND entity_id = $2
		   AND signal_type = ANY($3)
		   AND id NOT IN (SELECT event_id FROM callout_seen)
		 ORDER BY emitted_at DESC, id DESC LIMIT $4`,
		string(entity.Kind), entity.ID, typeStrs, pageLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unseen callout events")
	}
	defer rows.Close()

	return collectSignalsPg(rows)
}

func (s *PostgresStore) RegisterArtifact(ctx context.Context, artifact model.Artifact) error {
	registeredAt := artifact.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifacts (id, name, entity_kind, entity_id, stale, stale_since, registered_at)
		 VALUES ($1, $2, $3, $4, false, NULL, $5)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, entity_kind = excluded.entity_kind, entity_id = excluded.entity_id`,
		artifact.ID, artifact.Name, string(artifact.Entity.Kind), artifact.Entity.ID, registeredAt,
	)
	return eris.Wrapf(err, "postgres: register artifact %s", artifact.ID)
}

func (s *PostgresStore) MarkArtifactsStale(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE artifacts SET stale = true, stale_since = $1 WHERE id = ANY($2) AND NOT stale`,
		at.UTC(), ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark artifacts stale")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MarkArtifactFresh(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE artifacts SET stale = false, stale_since = NULL WHERE id = $1`, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark artifact fresh %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "artifact %s", id)
	}
	return nil
}

func (s *PostgresStore) ListArtifactsForEntity(ctx context.Context, entity model.EntityRef) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, entity_kind, entity_id, stale, stale_since, registered_at
		 FROM artifacts WHERE entity_kind = $1 AND entity_id = $2 ORDER BY registered_at`,
		string(entity.Kind), entity.ID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list artifacts for entity")
	}
	defer rows.Close()
	return collectArtifactsPg(rows)
}

func (s *PostgresStore) ListStaleArtifacts(ctx context.Context) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, entity_kind, entity_id, stale, stale_since, registered_at
		 FROM artifacts WHERE stale ORDER BY stale_since`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale artifacts")
	}
	defer rows.Close()
	return collectArtifactsPg(rows)
}

// helpers

func pgText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalContextPg(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func scanSignalPg(row pgx.Row) (*model.SignalEvent, error) {
	var ev model.SignalEvent
	var kind, sigType, source string
	var sourceCtx []byte
	var derivedFrom, ruleName *string

	err := row.Scan(&ev.ID, &kind, &ev.Entity.ID, &sigType, &source,
		&ev.Value, &ev.Confidence, &ev.EmittedAt, &sourceCtx, &derivedFrom, &ruleName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan signal")
	}

	ev.Entity.Kind = model.EntityKind(kind)
	ev.Type = model.SignalType(sigType)
	ev.Source = model.Source(source)
	if derivedFrom != nil {
		ev.DerivedFrom = *derivedFrom
	}
	if ruleName != nil {
		ev.RuleName = *ruleName
	}
	ev.EmittedAt = ev.EmittedAt.UTC()
	if len(sourceCtx) > 0 {
		if err := json.Unmarshal(sourceCtx, &ev.SourceContext); err != nil {
			return nil, eris.Wrap(err, "unmarshal source context")
		}
	}
	return &ev, nil
}

func collectSignalsPg(rows pgx.Rows) ([]model.SignalEvent, error) {
	var events []model.SignalEvent
	for rows.Next() {
		ev, err := scanSignalPg(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "iterate signals")
}

func scanWeightPg(row pgx.Row) (*model.SourceWeight, error) {
	var w model.SourceWeight
	var source string
	err := row.Scan(&source, &w.Alpha, &w.Beta, &w.SampleCount, &w.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan weight")
	}
	w.Source = model.Source(source)
	w.LastUpdated = w.LastUpdated.UTC()
	return &w, nil
}

func collectArtifactsPg(rows pgx.Rows) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		var kind string
		var staleSince *time.Time
		if err := rows.Scan(&a.ID, &a.Name, &kind, &a.Entity.ID, &a.Stale, &staleSince, &a.RegisteredAt); err != nil {
			return nil, eris.Wrap(err, "scan artifact")
		}
		a.Entity.Kind = model.EntityKind(kind)
		if staleSince != nil {
			a.StaleSince = staleSince.UTC()
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, eris.Wrap(rows.Err(), "iterate artifacts")
}
