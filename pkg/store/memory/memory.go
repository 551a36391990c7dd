// Package memory implements store.Adapter entirely in-memory, grounded on
// the teacher corpus's mem-store pattern (a mutex-guarded map standing in
// for a real backend) for unit tests and local development that don't need
// a SQL engine.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/store"
)

type aggregateState struct {
	version uint32
	final   bool
}

// Adapter is an in-memory store.Adapter. Safe for concurrent use.
type Adapter struct {
	mu          sync.RWMutex
	events      []domain.Event
	aggregates  map[domain.AggregateID]*aggregateState
	snapshots   map[domain.AggregateID][]domain.Snapshot // sorted ascending by version
	checkpoints map[string]map[domain.AggregateID]uint32
	snapshotMu  sync.Mutex // serializes snapshot writes, per §5
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		aggregates:  make(map[domain.AggregateID]*aggregateState),
		snapshots:   make(map[domain.AggregateID][]domain.Snapshot),
		checkpoints: make(map[string]map[domain.AggregateID]uint32),
	}
}

func (a *Adapter) SaveEvents(ctx context.Context, params store.SaveEventsParams) error {
	if len(params.Events) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	id := params.Aggregate.ID
	st := a.aggregates[id]
	currentVersion := uint32(0)
	if st != nil {
		if st.final {
			return &domain.AggregateFinalizedError{ID: id}
		}
		currentVersion = st.version
	}

	if params.Aggregate.Version != currentVersion+1 {
		return &domain.AggregateVersionConflictError{ID: id, Version: params.Aggregate.Version}
	}

	a.events = append(a.events, params.Events...)

	lastVersion := params.Events[len(params.Events)-1].Aggregate.Version
	if st == nil {
		a.aggregates[id] = &aggregateState{version: lastVersion}
	} else {
		st.version = lastVersion
	}

	return nil
}

func (a *Adapter) ListEvents(ctx context.Context, params store.ListEventsParams) iter.Seq2[*domain.Event, error] {
	return func(yield func(*domain.Event, error) bool) {
		a.mu.RLock()
		snapshot := make([]domain.Event, len(a.events))
		copy(snapshot, a.events)
		a.mu.RUnlock()

		sort.SliceStable(snapshot, func(i, j int) bool {
			if snapshot[i].Aggregate.ID != snapshot[j].Aggregate.ID {
				return lessAggregateID(snapshot[i].Aggregate.ID, snapshot[j].Aggregate.ID)
			}
			return snapshot[i].Aggregate.Version < snapshot[j].Aggregate.Version
		})

		for i := range snapshot {
			ev := snapshot[i]
			if params.Aggregate != nil {
				if ev.Aggregate.ID != params.Aggregate.ID {
					continue
				}
				if ev.Aggregate.Version <= params.Aggregate.Version {
					continue
				}
			}
			if params.Type != nil && ev.Type != *params.Type {
				continue
			}
			if !yield(&snapshot[i], nil) {
				return
			}
		}
	}
}

func lessAggregateID(a, b domain.AggregateID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (a *Adapter) FindLatestSnapshot(ctx context.Context, params store.FindLatestSnapshotParams) (*domain.Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snaps := a.snapshots[params.Aggregate.ID]
	var best *domain.Snapshot
	for i := range snaps {
		s := snaps[i]
		if s.Aggregate.Version > params.Aggregate.Version {
			if best == nil || s.Aggregate.Version > best.Aggregate.Version {
				copied := s
				best = &copied
			}
		}
	}
	return best, nil
}

func (a *Adapter) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	a.snapshotMu.Lock()
	defer a.snapshotMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.snapshots[snapshot.Aggregate.ID]
	for i, s := range list {
		if s.Aggregate.Version == snapshot.Aggregate.Version {
			list[i] = snapshot
			return nil
		}
	}
	a.snapshots[snapshot.Aggregate.ID] = append(list, snapshot)
	return nil
}

func (a *Adapter) SaveProjectionCheckpoint(ctx context.Context, params store.CheckpointParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	byAggregate, ok := a.checkpoints[params.Projection]
	if !ok {
		byAggregate = make(map[domain.AggregateID]uint32)
		a.checkpoints[params.Projection] = byAggregate
	}
	byAggregate[params.Aggregate.ID] = params.Aggregate.Version
	return nil
}

func (a *Adapter) CheckProjectionCheckpoint(ctx context.Context, params store.CheckpointParams) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byAggregate, ok := a.checkpoints[params.Projection]
	if !ok {
		return true, nil
	}
	existing, ok := byAggregate[params.Aggregate.ID]
	if !ok {
		return true, nil
	}
	return existing < params.Aggregate.Version, nil
}

func (a *Adapter) FinalizeAggregate(ctx context.Context, id domain.AggregateID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.aggregates[id]
	if !ok {
		st = &aggregateState{}
		a.aggregates[id] = st
	}
	st.final = true
	return nil
}

var _ store.Adapter = (*Adapter)(nil)
