package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/eventid"
	"github.com/arque-run/arque/pkg/store"
)

func collect(t *testing.T, seq func(func(*domain.Event, error) bool)) []*domain.Event {
	t.Helper()
	var out []*domain.Event
	seq(func(ev *domain.Event, err error) bool {
		require.NoError(t, err)
		out = append(out, ev)
		return true
	})
	return out
}

func TestSaveEvents_MonotonicVersions(t *testing.T) {
	a := New()
	id := domain.NewAggregateID()
	ctx := context.Background()

	err := a.SaveEvents(ctx, store.SaveEventsParams{
		Aggregate: domain.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events: []domain.Event{
			{ID: eventid.Generate(), Type: 1, Aggregate: domain.AggregateRef{ID: id, Version: 1}},
		},
	})
	require.NoError(t, err)

	events := collect(t, a.ListEvents(ctx, store.ListEventsParams{Aggregate: &domain.AggregateRef{ID: id, Version: 0}}))
	require.Len(t, events, 1)
	assert.EqualValues(t, 1, events[0].Aggregate.Version)
}

func TestSaveEvents_VersionConflict(t *testing.T) {
	a := New()
	id := domain.NewAggregateID()
	ctx := context.Background()

	require.NoError(t, a.SaveEvents(ctx, store.SaveEventsParams{
		Aggregate: domain.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events:    []domain.Event{{ID: eventid.Generate(), Type: 1, Aggregate: domain.AggregateRef{ID: id, Version: 1}}},
	}))

	err := a.SaveEvents(ctx, store.SaveEventsParams{
		Aggregate: domain.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events:    []domain.Event{{ID: eventid.Generate(), Type: 1, Aggregate: domain.AggregateRef{ID: id, Version: 1}}},
	})
	var conflict *domain.AggregateVersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.ID)
}

func TestSaveEvents_RejectsFinalized(t *testing.T) {
	a := New()
	id := domain.NewAggregateID()
	ctx := context.Background()

	require.NoError(t, a.FinalizeAggregate(ctx, id))

	err := a.SaveEvents(ctx, store.SaveEventsParams{
		Aggregate: domain.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events:    []domain.Event{{ID: eventid.Generate(), Type: 1, Aggregate: domain.AggregateRef{ID: id, Version: 1}}},
	})
	var finalized *domain.AggregateFinalizedError
	require.ErrorAs(t, err, &finalized)
}

func TestListEvents_ExclusiveLowerBound(t *testing.T) {
	a := New()
	id := domain.NewAggregateID()
	ctx := context.Background()

	require.NoError(t, a.SaveEvents(ctx, store.SaveEventsParams{
		Aggregate: domain.AggregateRef{ID: id, Version: 1},
		Timestamp: time.Now(),
		Events: []domain.Event{
			{ID: eventid.Generate(), Type: 1, Aggregate: domain.AggregateRef{ID: id, Version: 1}},
			{ID: eventid.Generate(), Type: 1, Aggregate: domain.AggregateRef{ID: id, Version: 2}},
		},
	}))

	events := collect(t, a.ListEvents(ctx, store.ListEventsParams{Aggregate: &domain.AggregateRef{ID: id, Version: 1}}))
	require.Len(t, events, 1)
	assert.EqualValues(t, 2, events[0].Aggregate.Version)
}

func TestSnapshot_FindsGreatestAbove(t *testing.T) {
	a := New()
	id := domain.NewAggregateID()
	ctx := context.Background()

	require.NoError(t, a.SaveSnapshot(ctx, domain.Snapshot{Aggregate: domain.AggregateRef{ID: id, Version: 5}, State: []byte("v5")}))
	require.NoError(t, a.SaveSnapshot(ctx, domain.Snapshot{Aggregate: domain.AggregateRef{ID: id, Version: 10}, State: []byte("v10")}))

	snap, err := a.FindLatestSnapshot(ctx, store.FindLatestSnapshotParams{Aggregate: domain.AggregateRef{ID: id, Version: 0}})
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 10, snap.Aggregate.Version)
}

func TestCheckpoint_IdempotentProcessing(t *testing.T) {
	a := New()
	id := domain.NewAggregateID()
	ctx := context.Background()
	params := store.CheckpointParams{Projection: "proj", Aggregate: domain.AggregateRef{ID: id, Version: 3}}

	should, err := a.CheckProjectionCheckpoint(ctx, params)
	require.NoError(t, err)
	assert.True(t, should)

	require.NoError(t, a.SaveProjectionCheckpoint(ctx, params))

	should, err = a.CheckProjectionCheckpoint(ctx, params)
	require.NoError(t, err)
	assert.False(t, should, "duplicate at the same version must be skipped")
}
