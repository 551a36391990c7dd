package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arque-run/arque/pkg/domain"
)

type countingBackend struct {
	mu    sync.Mutex
	calls int
	regs  map[string]domain.StreamRegistration
}

func newCountingBackend() *countingBackend {
	return &countingBackend{regs: make(map[string]domain.StreamRegistration)}
}

func (b *countingBackend) SaveStream(ctx context.Context, reg domain.StreamRegistration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[reg.ID] = reg
	return nil
}

func (b *countingBackend) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	var out []string
	for _, reg := range b.regs {
		if reg.Contains(eventType) {
			out = append(out, reg.ID)
		}
	}
	return out, nil
}

func TestCached_ServesFromCacheWithinTTL(t *testing.T) {
	backend := newCountingBackend()
	require.NoError(t, backend.SaveStream(context.Background(), domain.NewStreamRegistration("a", []uint32{1}, time.Now())))

	c := NewCachedWithPolicy(backend, 10, time.Minute)
	ctx := context.Background()

	streams, err := c.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, streams)

	_, err = c.FindStreams(ctx, 1)
	require.NoError(t, err)

	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	assert.Equal(t, 1, calls, "second lookup within TTL must not hit the backend")
}

func TestCached_NoNegativeCaching(t *testing.T) {
	backend := newCountingBackend()
	c := NewCachedWithPolicy(backend, 10, time.Minute)
	ctx := context.Background()

	streams, err := c.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, streams)

	require.NoError(t, c.SaveStream(ctx, domain.NewStreamRegistration("a", []uint32{1}, time.Now())))

	streams, err = c.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, streams, "no negative caching: the earlier miss was not cached, so this call hits the backend and sees the new registration")
}

func TestCached_ExpiresAfterTTL(t *testing.T) {
	backend := newCountingBackend()
	require.NoError(t, backend.SaveStream(context.Background(), domain.NewStreamRegistration("a", []uint32{1}, time.Now())))

	c := NewCachedWithPolicy(backend, 10, time.Millisecond)
	ctx := context.Background()

	_, err := c.FindStreams(ctx, 1)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = c.FindStreams(ctx, 1)
	require.NoError(t, err)

	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	assert.Equal(t, 2, calls, "expired entry must be refetched from the backend")
}

func TestCached_EvictsOldestBeyondCacheMax(t *testing.T) {
	backend := newCountingBackend()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, backend.SaveStream(context.Background(), domain.NewStreamRegistration(id, []uint32{uint32(i + 1)}, time.Now())))
	}

	c := NewCachedWithPolicy(backend, 2, time.Minute)
	ctx := context.Background()

	_, err := c.FindStreams(ctx, 1) // populates "a"
	require.NoError(t, err)
	_, err = c.FindStreams(ctx, 2) // populates "b", now at capacity
	require.NoError(t, err)
	_, err = c.FindStreams(ctx, 3) // populates "c", evicts "a"
	require.NoError(t, err)

	c.mu.Lock()
	_, aStillCached := c.entries[1]
	c.mu.Unlock()
	assert.False(t, aStillCached)
}
