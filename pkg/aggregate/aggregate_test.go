package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/store"
	"github.com/arque-run/arque/pkg/store/memory"
	"github.com/arque-run/arque/pkg/stream"
)

// noopStream is a minimal in-memory stream.Adapter that records every batch
// it's handed; none of these tests exercise subscription, only SendEvents.
type noopStream struct {
	mu   sync.Mutex
	sent []*domain.Event
}

func (s *noopStream) SendEvents(ctx context.Context, streamName string, events []*domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, events...)
	return nil
}

func (s *noopStream) Subscribe(ctx context.Context, streamName, group string, handler stream.Handler) (stream.Subscriber, error) {
	panic("not used by these tests")
}

func (s *noopStream) SubscribeRaw(ctx context.Context, streamName, group string, handler stream.RawHandler) (stream.Subscriber, error) {
	panic("not used by these tests")
}

var _ stream.Adapter = (*noopStream)(nil)

// flakyStore wraps a memory.Adapter, failing the first N SaveEvents calls
// against a chosen aggregate id with a version conflict before delegating.
// This is the only way to exercise the version-conflict-then-retry path
// deterministically, since the real memory adapter has no injectable
// failure hook.
type flakyStore struct {
	*memory.Adapter
	mu       sync.Mutex
	failID   domain.AggregateID
	failLeft int
}

func (s *flakyStore) SaveEvents(ctx context.Context, params store.SaveEventsParams) error {
	s.mu.Lock()
	if params.Aggregate.ID == s.failID && s.failLeft > 0 {
		s.failLeft--
		s.mu.Unlock()
		return &domain.AggregateVersionConflictError{ID: params.Aggregate.ID, Version: params.Aggregate.Version}
	}
	s.mu.Unlock()
	return s.Adapter.SaveEvents(ctx, params)
}

const (
	cmdUpdateBalance uint32 = 1
	evBalanceUpdated uint32 = 1
)

type balanceState struct {
	Balance int64
}

func updateBalance(ctx Context, meta map[string][]byte, args any) ([]EventDraft, error) {
	amount := args.(int64)
	st := ctx.State.(*balanceState)
	if st.Balance+amount < 0 {
		return nil, fmt.Errorf("domain: insufficient balance")
	}
	body, err := json.Marshal(map[string]int64{"amount": amount})
	if err != nil {
		return nil, err
	}
	return []EventDraft{{Type: evBalanceUpdated, Body: body}}, nil
}

func onBalanceUpdated(state any, event *domain.Event) any {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	_ = json.Unmarshal(event.Body, &payload)
	st := state.(*balanceState)
	return &balanceState{Balance: st.Balance + payload.Amount}
}

func newLedgerAggregate(id domain.AggregateID, st store.Adapter, strm stream.Adapter) *Aggregate {
	a := New(id, st, strm, &balanceState{}, Options{})
	a.OnCommand(cmdUpdateBalance, updateBalance)
	a.OnEvent(evBalanceUpdated, onBalanceUpdated)
	return a
}

func TestProcess_HappyPath(t *testing.T) {
	st := memory.New()
	strm := &noopStream{}
	id := domain.NewAggregateID()
	a := newLedgerAggregate(id, st, strm)
	ctx := context.Background()

	err := a.Process(ctx, cmdUpdateBalance, int64(10), nil, ProcessOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, a.Version())
	assert.EqualValues(t, 10, a.State().(*balanceState).Balance)
	assert.Len(t, strm.sent, 1)
}

func TestProcess_DomainRejection(t *testing.T) {
	st := memory.New()
	strm := &noopStream{}
	id := domain.NewAggregateID()
	a := newLedgerAggregate(id, st, strm)
	ctx := context.Background()

	err := a.Process(ctx, cmdUpdateBalance, int64(-10), nil, ProcessOptions{})
	require.Error(t, err)
	assert.EqualValues(t, 0, a.Version())
	assert.EqualValues(t, 0, a.State().(*balanceState).Balance)
	assert.Empty(t, strm.sent)
}

func TestProcess_TenSuccessiveCommands(t *testing.T) {
	st := memory.New()
	strm := &noopStream{}
	id := domain.NewAggregateID()
	a := newLedgerAggregate(id, st, strm)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Process(ctx, cmdUpdateBalance, int64(1), nil, ProcessOptions{}))
	}

	assert.EqualValues(t, 10, a.Version())
	assert.EqualValues(t, 10, a.State().(*balanceState).Balance)
}

func TestProcess_VersionConflictThenSuccess(t *testing.T) {
	id := domain.NewAggregateID()
	flaky := &flakyStore{Adapter: memory.New(), failID: id, failLeft: 1}
	strm := &noopStream{}
	a := newLedgerAggregate(id, flaky, strm)
	ctx := context.Background()

	err := a.Process(ctx, cmdUpdateBalance, int64(5), nil, ProcessOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.Version())
	assert.EqualValues(t, 5, a.State().(*balanceState).Balance)
}

func TestProcess_SnapshotTriggersAtInterval(t *testing.T) {
	st := memory.New()
	strm := &noopStream{}
	id := domain.NewAggregateID()

	var writes []uint32
	opts := Options{
		SnapshotInterval: 10,
		SerializeState: func(state any) ([]byte, error) {
			return json.Marshal(state.(*balanceState))
		},
		DeserializeState: func(data []byte) (any, error) {
			var s balanceState
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
	}
	a := New(id, st, strm, &balanceState{}, opts)
	a.OnCommand(cmdUpdateBalance, updateBalance)
	a.OnEvent(evBalanceUpdated, onBalanceUpdated)
	ctx := context.Background()

	for i := 0; i < 45; i++ {
		amount := int64(1)
		if i%2 == 1 {
			amount = -1
		}
		require.NoError(t, a.Process(ctx, cmdUpdateBalance, amount, nil, ProcessOptions{}))
		if snap, _ := st.FindLatestSnapshot(ctx, store.FindLatestSnapshotParams{Aggregate: domain.AggregateRef{ID: id, Version: 0}}); snap != nil {
			found := false
			for _, v := range writes {
				if v == snap.Aggregate.Version {
					found = true
					break
				}
			}
			if !found {
				writes = append(writes, snap.Aggregate.Version)
			}
		}
	}

	assert.Equal(t, []uint32{10, 20, 30, 40}, writes)
}

func TestReload_FastForwardsFromSnapshot(t *testing.T) {
	st := memory.New()
	strm := &noopStream{}
	id := domain.NewAggregateID()

	opts := Options{
		SerializeState: func(state any) ([]byte, error) {
			return json.Marshal(state.(*balanceState))
		},
		DeserializeState: func(data []byte) (any, error) {
			var s balanceState
			if err := json.Unmarshal(data, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
	}
	a := New(id, st, strm, &balanceState{}, opts)
	a.OnCommand(cmdUpdateBalance, updateBalance)
	a.OnEvent(evBalanceUpdated, onBalanceUpdated)
	ctx := context.Background()

	require.NoError(t, a.Process(ctx, cmdUpdateBalance, int64(7), nil, ProcessOptions{}))
	require.NoError(t, st.SaveSnapshot(ctx, domain.Snapshot{Aggregate: domain.AggregateRef{ID: id, Version: 1}, State: mustJSON(t, &balanceState{Balance: 7})}))
	require.NoError(t, a.Process(ctx, cmdUpdateBalance, int64(3), nil, ProcessOptions{}))

	fresh := New(id, st, strm, &balanceState{}, opts)
	fresh.OnCommand(cmdUpdateBalance, updateBalance)
	fresh.OnEvent(evBalanceUpdated, onBalanceUpdated)
	require.NoError(t, fresh.Reload(ctx))

	assert.EqualValues(t, 2, fresh.Version())
	assert.EqualValues(t, 10, fresh.State().(*balanceState).Balance)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
