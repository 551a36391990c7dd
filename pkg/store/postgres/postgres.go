// Package postgres implements store.Adapter against PostgreSQL via pgx,
// the second concrete StoreAdapter backend (SPEC_FULL.md's "supplemented
// features"), grounded on mickamy-go-event-sourcing's stores/pgx package
// and Loofy147-LibraNexus's go-eventstore for the transaction/optimistic
// concurrency shape. Optimistic concurrency is enforced the same way as
// the sqlite backend: a transaction-scoped read of the aggregate row's
// recorded version (a plain SELECT, no row lock) plus the unique
// (aggregate_id, aggregate_version) key on events as a second line of
// defense against racing writers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/eventid"
	"github.com/arque-run/arque/pkg/retry"
	"github.com/arque-run/arque/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS aggregates (
	id      BYTEA PRIMARY KEY,
	version INTEGER NOT NULL,
	ts      TIMESTAMPTZ NOT NULL,
	final   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS events (
	aggregate_id      BYTEA NOT NULL,
	aggregate_version INTEGER NOT NULL,
	event_id          BYTEA NOT NULL,
	type              INTEGER NOT NULL,
	body              BYTEA,
	meta              JSONB NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	final             BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, ts DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id      BYTEA NOT NULL,
	aggregate_version INTEGER NOT NULL,
	state             BYTEA NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (aggregate_id, aggregate_version)
);

CREATE TABLE IF NOT EXISTS projection_checkpoints (
	projection        TEXT NOT NULL,
	aggregate_id      BYTEA NOT NULL,
	aggregate_version INTEGER NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (projection, aggregate_id)
);
`

// Adapter is a store.Adapter backed by a PostgreSQL pool.
type Adapter struct {
	pool       *pgxpool.Pool
	snapshotMu sync.Mutex // serializes snapshot writes, per §5
}

// New wraps an existing pool and applies the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Adapter, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Adapter{pool: pool}, nil
}

// SaveEvents implements §4.1(c)'s internal retry: the transaction is
// retried with exponential backoff while it fails with an error wrapped in
// domain.ErrPersistenceTransient, up to retry.StoreDefaults' bound. Every
// driver error from the transaction is wrapped that way; serialization and
// deadlock failures are not told apart from other driver errors.
// AggregateVersionConflict/AggregateFinalized are not wrapped in
// domain.ErrPersistenceTransient, so domain.IsRetryable rejects them and
// they propagate on the first attempt.
func (a *Adapter) SaveEvents(ctx context.Context, params store.SaveEventsParams) error {
	if len(params.Events) == 0 {
		return nil
	}
	return retry.Do(ctx, retry.StoreDefaults(domain.IsRetryable), func(int) error {
		return a.saveEventsOnce(ctx, params)
	})
}

func (a *Adapter) saveEventsOnce(ctx context.Context, params store.SaveEventsParams) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrPersistenceTransient, err)
	}
	defer tx.Rollback(ctx)

	id := params.Aggregate.ID

	var currentVersion uint32
	var final bool
	err = tx.QueryRow(ctx, `SELECT version, final FROM aggregates WHERE id = $1`, id.Bytes()).Scan(&currentVersion, &final)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		currentVersion = 0
	case err != nil:
		return fmt.Errorf("%w: read aggregate: %v", domain.ErrPersistenceTransient, err)
	}

	if final {
		return &domain.AggregateFinalizedError{ID: id}
	}
	if params.Aggregate.Version != currentVersion+1 {
		return &domain.AggregateVersionConflictError{ID: id, Version: params.Aggregate.Version}
	}

	var lastVersion uint32
	for _, ev := range params.Events {
		metaJSON, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("domain: encode event meta: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO events (aggregate_id, aggregate_version, event_id, type, body, meta, ts, final)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		`, id.Bytes(), ev.Aggregate.Version, ev.ID.Bytes(), ev.Type, ev.Body, metaJSON, ev.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return &domain.AggregateVersionConflictError{ID: id, Version: ev.Aggregate.Version}
			}
			return fmt.Errorf("%w: insert event: %v", domain.ErrPersistenceTransient, err)
		}
		lastVersion = ev.Aggregate.Version
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO aggregates (id, version, ts, final) VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, ts = excluded.ts
	`, id.Bytes(), lastVersion, params.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: upsert aggregate: %v", domain.ErrPersistenceTransient, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrPersistenceTransient, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func (a *Adapter) ListEvents(ctx context.Context, params store.ListEventsParams) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		query := `SELECT aggregate_id, aggregate_version, event_id, type, body, meta, ts FROM events WHERE TRUE`
		var args []any
		argN := 1

		if params.Aggregate != nil {
			query += fmt.Sprintf(` AND aggregate_id = $%d AND aggregate_version > $%d`, argN, argN+1)
			args = append(args, params.Aggregate.ID.Bytes(), params.Aggregate.Version)
			argN += 2
		}
		if params.Type != nil {
			query += fmt.Sprintf(` AND type = $%d`, argN)
			args = append(args, *params.Type)
			argN++
		}
		query += ` ORDER BY aggregate_id ASC, aggregate_version ASC`

		rows, err := a.pool.Query(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("%w: list events: %v", domain.ErrPersistenceTransient, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if !yield(ev, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("%w: iterate events: %v", domain.ErrPersistenceTransient, err))
		}
	}
}

func scanEvent(rows pgx.Rows) (*domain.Event, error) {
	var aggIDBytes, eventIDBytes, bodyBytes, metaJSON []byte
	var version, typ uint32
	var ts time.Time

	if err := rows.Scan(&aggIDBytes, &version, &eventIDBytes, &typ, &bodyBytes, &metaJSON, &ts); err != nil {
		return nil, fmt.Errorf("%w: scan event: %v", domain.ErrPersistenceTransient, err)
	}

	aggID, err := domain.AggregateIDFromBytes(aggIDBytes)
	if err != nil {
		return nil, err
	}
	eventID, err := eventid.FromBytes(eventIDBytes)
	if err != nil {
		return nil, err
	}
	var meta map[string][]byte
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("postgres: decode meta: %w", err)
		}
	}

	return &domain.Event{
		ID:        eventID,
		Type:      typ,
		Aggregate: domain.AggregateRef{ID: aggID, Version: version},
		Body:      bodyBytes,
		Meta:      meta,
		Timestamp: ts,
	}, nil
}

func (a *Adapter) FindLatestSnapshot(ctx context.Context, params store.FindLatestSnapshotParams) (*domain.Snapshot, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT aggregate_version, state, ts FROM snapshots
		WHERE aggregate_id = $1 AND aggregate_version > $2
		ORDER BY aggregate_version DESC LIMIT 1
	`, params.Aggregate.ID.Bytes(), params.Aggregate.Version)

	var version uint32
	var state []byte
	var ts time.Time
	switch err := row.Scan(&version, &state, &ts); {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: find latest snapshot: %v", domain.ErrPersistenceTransient, err)
	}

	return &domain.Snapshot{
		Aggregate: domain.AggregateRef{ID: params.Aggregate.ID, Version: version},
		State:     state,
		Timestamp: ts,
	}, nil
}

func (a *Adapter) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	a.snapshotMu.Lock()
	defer a.snapshotMu.Unlock()

	_, err := a.pool.Exec(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_version, state, ts) VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id, aggregate_version) DO UPDATE SET state = excluded.state, ts = excluded.ts
	`, snapshot.Aggregate.ID.Bytes(), snapshot.Aggregate.Version, snapshot.State, snapshot.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: save snapshot: %v", domain.ErrPersistenceTransient, err)
	}
	return nil
}

func (a *Adapter) SaveProjectionCheckpoint(ctx context.Context, params store.CheckpointParams) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO projection_checkpoints (projection, aggregate_id, aggregate_version, ts) VALUES ($1, $2, $3, $4)
		ON CONFLICT (projection, aggregate_id) DO UPDATE SET aggregate_version = excluded.aggregate_version, ts = excluded.ts
	`, params.Projection, params.Aggregate.ID.Bytes(), params.Aggregate.Version, time.Now())
	if err != nil {
		return fmt.Errorf("%w: save checkpoint: %v", domain.ErrPersistenceTransient, err)
	}
	return nil
}

func (a *Adapter) CheckProjectionCheckpoint(ctx context.Context, params store.CheckpointParams) (bool, error) {
	row := a.pool.QueryRow(ctx, `
		SELECT aggregate_version FROM projection_checkpoints WHERE projection = $1 AND aggregate_id = $2
	`, params.Projection, params.Aggregate.ID.Bytes())

	var existing uint32
	switch err := row.Scan(&existing); {
	case errors.Is(err, pgx.ErrNoRows):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("%w: check checkpoint: %v", domain.ErrPersistenceTransient, err)
	}
	return existing < params.Aggregate.Version, nil
}

func (a *Adapter) FinalizeAggregate(ctx context.Context, id domain.AggregateID) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO aggregates (id, version, ts, final) VALUES ($1, 0, $2, TRUE)
		ON CONFLICT (id) DO UPDATE SET final = TRUE
	`, id.Bytes(), time.Now())
	if err != nil {
		return fmt.Errorf("%w: finalize aggregate: %v", domain.ErrPersistenceTransient, err)
	}
	return nil
}

var _ store.Adapter = (*Adapter)(nil)
