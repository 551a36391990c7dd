package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arque-run/arque/pkg/domain"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSaveStream_FindStreamsRoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.SaveStream(ctx, domain.NewStreamRegistration("A", []uint32{1, 2}, time.Now())))
	require.NoError(t, a.SaveStream(ctx, domain.NewStreamRegistration("B", []uint32{2, 3}, time.Now())))

	streams, err := a.FindStreams(ctx, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, streams)

	streams, err = a.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, streams)
}

func TestSaveStream_UpsertsExistingRegistration(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.SaveStream(ctx, domain.NewStreamRegistration("A", []uint32{1}, time.Now())))
	require.NoError(t, a.SaveStream(ctx, domain.NewStreamRegistration("A", []uint32{2}, time.Now())))

	streams, err := a.FindStreams(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, streams)

	streams, err = a.FindStreams(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, streams)
}

func TestFindStreams_NoMatchesReturnsEmpty(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	streams, err := a.FindStreams(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, streams)
}
