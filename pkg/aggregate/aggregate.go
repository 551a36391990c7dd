// Package aggregate implements the command → event engine (§4.2): command
// handling, event replay with snapshot fast-forward, optimistic-concurrency
// retry, and the opportunistic snapshot policy. Factory (factory.go) adds
// the bounded in-memory cache of live aggregates on top of it.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/eventid"
	"github.com/arque-run/arque/pkg/observability"
	"github.com/arque-run/arque/pkg/retry"
	"github.com/arque-run/arque/pkg/store"
	"github.com/arque-run/arque/pkg/stream"
)

// Context is the read-only view a command handler sees.
type Context struct {
	Aggregate domain.AggregateRef
	State     any
	Timestamp time.Time
}

// EventDraft is what a command handler returns: an event yet to be
// assigned an id, version, or timestamp.
type EventDraft struct {
	Type uint32
	Body []byte
	Meta map[string][]byte
}

// CommandHandler produces one or more event drafts from the current state,
// or returns a domain error (never retried by the engine).
type CommandHandler func(ctx Context, meta map[string][]byte, args any) ([]EventDraft, error)

// EventHandler folds one event into the current state, returning the new state.
type EventHandler func(state any, event *domain.Event) any

// ShouldSnapshotFunc overrides the interval-based snapshot policy.
type ShouldSnapshotFunc func(state any, version uint32) bool

// Options configures a new Aggregate instance.
type Options struct {
	// SnapshotInterval triggers a snapshot every N versions. Zero disables
	// interval-based snapshotting; New applies no default here, so leaving
	// the field unset takes no interval snapshots.
	SnapshotInterval uint32
	// ShouldTakeSnapshot, if set, overrides SnapshotInterval.
	ShouldTakeSnapshot ShouldSnapshotFunc
	// SerializeState/DeserializeState marshal the domain state for
	// snapshotting. Both must be set for snapshotting to be possible.
	SerializeState   func(state any) ([]byte, error)
	DeserializeState func(data []byte) (any, error)
	// MaxConflictRetries bounds process()'s version-conflict retry loop.
	// Default 20, matching retry.StoreDefaults' MaxAttempts.
	MaxConflictRetries int
	// IngressStream is the well-known stream every committed batch is
	// published to (§2: `main`).
	IngressStream string
	// AggregateType labels this aggregate's metrics (e.g. "balance").
	// Default "aggregate" if unset.
	AggregateType string
	// Metrics records command/reload/conflict/publish metrics. Nil disables
	// instrumentation.
	Metrics *observability.Metrics
}

func defaultOptions() Options {
	return Options{
		SnapshotInterval:   20,
		MaxConflictRetries: 20,
		IngressStream:      "main",
		AggregateType:      "aggregate",
	}
}

// ProcessOptions tunes one process() call.
type ProcessOptions struct {
	// NoReload skips the reload() at the start of process (§4.2.2 step 1).
	NoReload bool
}

// Aggregate is one loaded aggregate instance: its replayed state plus the
// handler registries and adapters needed to process further commands.
type Aggregate struct {
	id      domain.AggregateID
	store   store.Adapter
	stream  stream.Adapter
	opts    Options

	commandHandlers map[uint32]CommandHandler
	eventHandlers   map[uint32]EventHandler

	mu      sync.Mutex // serializes reload/process per aggregate, per §9's open question
	version uint32
	final   bool
	state   any
}

// New constructs an aggregate instance with zero state and version. Callers
// normally go through Factory instead of calling New directly.
func New(id domain.AggregateID, st store.Adapter, strm stream.Adapter, initialState any, opts Options) *Aggregate {
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = defaultOptions().MaxConflictRetries
	}
	if opts.IngressStream == "" {
		opts.IngressStream = defaultOptions().IngressStream
	}
	if opts.AggregateType == "" {
		opts.AggregateType = defaultOptions().AggregateType
	}
	return &Aggregate{
		id:              id,
		store:           st,
		stream:          strm,
		opts:            opts,
		commandHandlers: make(map[uint32]CommandHandler),
		eventHandlers:   make(map[uint32]EventHandler),
		state:           initialState,
	}
}

// OnCommand registers the handler for a command type.
func (a *Aggregate) OnCommand(cmdType uint32, h CommandHandler) {
	a.commandHandlers[cmdType] = h
}

// OnEvent registers the handler for an event type.
func (a *Aggregate) OnEvent(evType uint32, h EventHandler) {
	a.eventHandlers[evType] = h
}

// ID returns the aggregate's id.
func (a *Aggregate) ID() domain.AggregateID { return a.id }

// Version returns the last folded version.
func (a *Aggregate) Version() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// State returns the current folded state.
func (a *Aggregate) State() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Reload implements §4.2.1: fast-forward from the latest applicable
// snapshot, then fold every event past it. Concurrent callers on the same
// instance are serialized by a.mu so reload is internally coalesced to one
// store round trip at a time, per the Open Questions resolution in §9.
func (a *Aggregate) Reload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reloadLocked(ctx)
}

func (a *Aggregate) reloadLocked(ctx context.Context) error {
	snapshot, err := a.store.FindLatestSnapshot(ctx, store.FindLatestSnapshotParams{
		Aggregate: domain.AggregateRef{ID: a.id, Version: a.version},
	})
	if err != nil {
		return err
	}

	fromVersion := a.version
	if snapshot != nil {
		if a.opts.DeserializeState == nil {
			return fmt.Errorf("aggregate: snapshot found but no DeserializeState configured")
		}
		state, err := a.opts.DeserializeState(snapshot.State)
		if err != nil {
			return fmt.Errorf("aggregate: deserialize snapshot: %w", err)
		}
		a.state = state
		a.version = snapshot.Aggregate.Version
		fromVersion = a.version
	}

	for ev, err := range a.store.ListEvents(ctx, store.ListEventsParams{
		Aggregate: &domain.AggregateRef{ID: a.id, Version: fromVersion},
	}) {
		if err != nil {
			return err
		}
		if h, ok := a.eventHandlers[ev.Type]; ok {
			a.state = h(a.state, ev)
		}
		a.version = ev.Aggregate.Version
	}

	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordAggregateLoad(ctx, a.opts.AggregateType, snapshot != nil)
	}

	return nil
}

// Process implements §4.2.2: reload, dispatch the command handler, persist
// the resulting events with bounded version-conflict retry, fold them into
// state, publish to the ingress stream, and opportunistically snapshot.
func (a *Aggregate) Process(ctx context.Context, cmdType uint32, args any, meta map[string][]byte, popts ProcessOptions) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opts.Metrics != nil {
		start := time.Now()
		defer func() {
			a.opts.Metrics.RecordCommand(ctx, fmt.Sprintf("%d", cmdType), time.Since(start), err)
		}()
	}

	if !popts.NoReload {
		if err := a.reloadLocked(ctx); err != nil {
			return err
		}
	}

	handler, ok := a.commandHandlers[cmdType]
	if !ok {
		return &domain.CommandHandlerMissingError{Type: cmdType}
	}

	for attempt := 0; ; attempt++ {
		if a.final {
			return &domain.AggregateFinalizedError{ID: a.id}
		}

		hctx := Context{
			Aggregate: domain.AggregateRef{ID: a.id, Version: a.version},
			State:     a.state,
			Timestamp: time.Now(),
		}

		drafts, err := handler(hctx, meta, args)
		if err != nil {
			return err
		}

		events := make([]domain.Event, len(drafts))
		for i, d := range drafts {
			events[i] = domain.Event{
				ID:        eventid.Generate(),
				Type:      d.Type,
				Aggregate: domain.AggregateRef{ID: a.id, Version: a.version + 1 + uint32(i)},
				Body:      d.Body,
				Meta:      d.Meta,
				Timestamp: hctx.Timestamp,
			}
		}

		err = a.store.SaveEvents(ctx, store.SaveEventsParams{
			Aggregate: domain.AggregateRef{ID: a.id, Version: a.version + 1},
			Timestamp: hctx.Timestamp,
			Events:    events,
		})
		if err != nil {
			var conflict *domain.AggregateVersionConflictError
			var finalized *domain.AggregateFinalizedError
			if errors.As(err, &finalized) {
				a.final = true
			}
			if errors.As(err, &conflict) {
				if a.opts.Metrics != nil {
					a.opts.Metrics.RecordVersionConflict(ctx, a.opts.AggregateType)
				}
				if attempt < a.opts.MaxConflictRetries-1 {
					if err := a.reloadLocked(ctx); err != nil {
						return err
					}
					continue
				}
			}
			return err
		}

		published := make([]*domain.Event, len(events))
		for i := range events {
			ev := &events[i]
			h, ok := a.eventHandlers[ev.Type]
			if !ok {
				return &domain.EventHandlerMissingError{Type: ev.Type}
			}
			a.state = h(a.state, ev)
			a.version = ev.Aggregate.Version
			published[i] = ev
		}

		publishStart := time.Now()
		if err := a.stream.SendEvents(ctx, a.opts.IngressStream, published); err != nil {
			return err
		}
		if a.opts.Metrics != nil {
			a.opts.Metrics.RecordStreamPublish(ctx, a.opts.IngressStream, time.Since(publishStart), len(published))
		}

		a.maybeSnapshot(ctx)
		return nil
	}
}

// maybeSnapshot is fire-and-forget relative to the command's success
// (§4.2.2 step 9): its outcome is never surfaced to the caller, success or
// failure. It still runs synchronously on the calling goroutine — there is
// exactly one command in flight per aggregate instance (a.mu), so there is
// nothing to coalesce the way a multi-writer queue would need to (§9's
// "Snapshot queue" note describes that case, not this one).
func (a *Aggregate) maybeSnapshot(ctx context.Context) {
	if a.opts.SerializeState == nil {
		return
	}

	take := false
	if a.opts.ShouldTakeSnapshot != nil {
		take = a.opts.ShouldTakeSnapshot(a.state, a.version)
	} else if a.opts.SnapshotInterval > 0 {
		take = a.version%a.opts.SnapshotInterval == 0
	}
	if !take {
		return
	}

	data, err := a.opts.SerializeState(a.state)
	if err != nil {
		return
	}

	policy := retry.StoreDefaults(domain.IsRetryable)
	_ = retry.Do(ctx, policy, func(int) error {
		return a.store.SaveSnapshot(ctx, domain.Snapshot{
			Aggregate: domain.AggregateRef{ID: a.id, Version: a.version},
			State:     data,
			Timestamp: time.Now(),
		})
	})
}
