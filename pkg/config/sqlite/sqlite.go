// Package sqlite implements config.Adapter against a sqlite database via
// database/sql and modernc.org/sqlite, mirroring pkg/store/sqlite's
// functional-options construction and schema-on-connect approach.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/arque-run/arque/pkg/config"
	"github.com/arque-run/arque/pkg/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS stream_registrations (
	id     TEXT PRIMARY KEY,
	events TEXT NOT NULL,
	ts     DATETIME NOT NULL
);
`

type cfg struct {
	dsn          string
	maxOpenConns int
}

func defaultConfig() cfg {
	return cfg{dsn: "streams.db", maxOpenConns: 25}
}

// Option configures an Adapter.
type Option func(*cfg)

// WithDSN sets the sqlite data source name (a file path, or
// "file::memory:?cache=shared" for an in-process database).
func WithDSN(dsn string) Option {
	return func(c *cfg) { c.dsn = dsn }
}

// WithMemoryDatabase opens a single-connection in-memory database, for
// tests. A pooled second connection to ":memory:"/shared-cache DSNs sees an
// empty database, so this pins the pool to one connection the same way
// pkg/store/sqlite's WithMemoryDatabase does.
func WithMemoryDatabase() Option {
	return func(c *cfg) {
		c.dsn = "file::memory:?cache=shared"
		c.maxOpenConns = 1
	}
}

// Adapter is a config.Adapter backed by sqlite.
type Adapter struct {
	db *sql.DB
}

// New opens the database and applies the schema.
func New(opts ...Option) (*Adapter, error) {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}

	db, err := sql.Open("sqlite", c.dsn)
	if err != nil {
		return nil, fmt.Errorf("config/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(c.maxOpenConns)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("config/sqlite: apply schema: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func (a *Adapter) SaveStream(ctx context.Context, reg domain.StreamRegistration) error {
	types := make([]uint32, 0, len(reg.Events))
	for t := range reg.Events {
		types = append(types, t)
	}
	eventsJSON, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("config/sqlite: encode events: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO stream_registrations (id, events, ts) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET events = excluded.events, ts = excluded.ts
	`, reg.ID, string(eventsJSON), reg.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: save stream: %v", domain.ErrPersistenceTransient, err)
	}
	return nil
}

func (a *Adapter) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id, events FROM stream_registrations`)
	if err != nil {
		return nil, fmt.Errorf("%w: find streams: %v", domain.ErrPersistenceTransient, err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var id, eventsJSON string
		if err := rows.Scan(&id, &eventsJSON); err != nil {
			return nil, fmt.Errorf("%w: scan stream: %v", domain.ErrPersistenceTransient, err)
		}
		var types []uint32
		if err := json.Unmarshal([]byte(eventsJSON), &types); err != nil {
			return nil, fmt.Errorf("config/sqlite: decode events: %w", err)
		}
		for _, t := range types {
			if t == eventType {
				streams = append(streams, id)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate streams: %v", domain.ErrPersistenceTransient, err)
	}
	return streams, nil
}

var _ config.Adapter = (*Adapter)(nil)
