// Package store defines the StoreAdapter contract (§4.1): the persistence
// boundary for events, snapshots, projection checkpoints, and aggregate
// finality. Concrete backends live in sub-packages (memory, sqlite,
// postgres) and all satisfy Adapter, so callers can swap the backend
// without touching the aggregate engine, broker, or projection runtime.
package store

import (
	"context"
	"iter"
	"time"

	"github.com/arque-run/arque/pkg/domain"
)

// SaveEventsParams describes one atomic append batch. Aggregate.Version is
// the version the caller asserts the log currently ends at plus one — i.e.
// the version the first event in Events will occupy. Events must already
// carry their ids and per-event incrementing versions (assigned by the
// aggregate engine before calling SaveEvents).
type SaveEventsParams struct {
	Aggregate domain.AggregateRef
	Timestamp time.Time
	Events    []domain.Event
}

// ListEventsParams filters ListEvents. When Aggregate is set, Version is an
// exclusive lower bound (events strictly after it are returned) and results
// are restricted to that aggregate id. When Type is set, results are
// restricted to that event type. At least one of the two should be set by
// callers; backends are free to treat "neither set" as "all events".
type ListEventsParams struct {
	Aggregate *domain.AggregateRef
	Type      *uint32
}

// FindLatestSnapshotParams requests the snapshot with the greatest version
// strictly greater than Aggregate.Version.
type FindLatestSnapshotParams struct {
	Aggregate domain.AggregateRef
}

// CheckpointParams addresses a single (projection, aggregate) checkpoint row.
type CheckpointParams struct {
	Projection string
	Aggregate  domain.AggregateRef
}

// Adapter is the StoreAdapter contract described in §4.1.
type Adapter interface {
	// SaveEvents atomically appends a non-empty batch of events. Returns
	// *domain.AggregateVersionConflictError if another writer has already
	// appended at or past the claimed version, or
	// *domain.AggregateFinalizedError if the aggregate is final. Transient
	// persistence errors are retried internally (pkg/retry, §6 store
	// defaults) before surfacing wrapped in domain.ErrPersistenceTransient.
	SaveEvents(ctx context.Context, params SaveEventsParams) error

	// ListEvents returns a restartable, lazily-consumed sequence of events
	// matching params, ordered by (aggregate id asc, aggregate version asc).
	// Both SQL backends stream rows off a live cursor rather than
	// materializing the full result set; the memory backend iterates over a
	// copy of its whole event log.
	ListEvents(ctx context.Context, params ListEventsParams) iter.Seq2[*domain.Event, error]

	// FindLatestSnapshot returns the snapshot with the greatest version
	// strictly greater than params.Aggregate.Version, or nil if none exists.
	FindLatestSnapshot(ctx context.Context, params FindLatestSnapshotParams) (*domain.Snapshot, error)

	// SaveSnapshot upserts a snapshot keyed by (aggregate id, version).
	// Implementations serialize concurrent snapshot writes per §5 ("no
	// thrashing"); ordering across different aggregates is unconstrained.
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error

	// SaveProjectionCheckpoint upserts the checkpoint, overwriting Version
	// unconditionally — the caller is the sole writer for its projection.
	SaveProjectionCheckpoint(ctx context.Context, params CheckpointParams) error

	// CheckProjectionCheckpoint reports whether an event at
	// params.Aggregate.Version should be processed: true when no checkpoint
	// exists at a version >= the passed version, false if it is a duplicate.
	CheckProjectionCheckpoint(ctx context.Context, params CheckpointParams) (bool, error)

	// FinalizeAggregate atomically marks the aggregate and all of its
	// events final. Idempotent; subsequent SaveEvents calls against it fail
	// with *domain.AggregateFinalizedError.
	FinalizeAggregate(ctx context.Context, id domain.AggregateID) error
}
