// Package domain holds the wire-agnostic types shared by every adapter and
// by the aggregate engine: events, aggregate records, snapshots, projection
// checkpoints, stream registrations, and the runtime's error taxonomy.
package domain

import (
	"time"

	"github.com/arque-run/arque/pkg/eventid"
)

// AggregateRef identifies a specific version of a specific aggregate, the
// unit every store, stream, and checkpoint operation keys on.
type AggregateRef struct {
	ID      AggregateID
	Version uint32
}

// Event is an immutable fact appended to an aggregate's log. Body and Meta
// are opaque to the runtime; only application code interprets them, via the
// codec registration described in pkg/codec.
type Event struct {
	ID        eventid.ID
	Type      uint32
	Aggregate AggregateRef
	Body      []byte
	Meta      map[string][]byte
	Timestamp time.Time
}

// MetaContextKey is the metadata key carrying the partition key (§4.4's
// "__ctx") that the stream adapter hashes to pick a partition. Events
// sharing a __ctx value land on the same partition in arrival order.
const MetaContextKey = "__ctx"

// AggregateRecord is the store's view of an aggregate's current position.
type AggregateRecord struct {
	ID        AggregateID
	Version   uint32
	Timestamp time.Time
	Final     bool
}

// Snapshot captures the fold of events 1..Version for fast replay.
type Snapshot struct {
	Aggregate AggregateRef
	State     []byte
	Timestamp time.Time
}

// ProjectionCheckpoint marks the last aggregate version a projection has
// durably processed. At most one row exists per (Projection, Aggregate.ID).
type ProjectionCheckpoint struct {
	Projection string
	Aggregate  AggregateRef
	Timestamp  time.Time
}

// StreamRegistration maps a subscriber stream to the set of event types it
// wants routed to it by the Broker.
type StreamRegistration struct {
	ID        string
	Events    map[uint32]struct{}
	Timestamp time.Time
}

// NewStreamRegistration builds a registration from a distinct list of event types.
func NewStreamRegistration(id string, types []uint32, at time.Time) StreamRegistration {
	set := make(map[uint32]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return StreamRegistration{ID: id, Events: set, Timestamp: at}
}

// Contains reports whether the registration routes the given event type.
func (r StreamRegistration) Contains(eventType uint32) bool {
	_, ok := r.Events[eventType]
	return ok
}
