package eventid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Unique(t *testing.T) {
	a := Generate()
	b := Generate()
	assert.NotEqual(t, a, b)
}

func TestRoundTrip_Bytes(t *testing.T) {
	id := Generate()
	parsed, err := FromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestRoundTrip_Hex(t *testing.T) {
	id := Generate()
	parsed, err := FromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestRoundTrip_Base64(t *testing.T) {
	id := Generate()
	parsed, err := FromBase64(id.Base64())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFromBytes_WrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestGenerateAt_TimeSortable(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	earlier := GenerateAt(t1)
	later := GenerateAt(t2)

	assert.True(t, earlier.Less(later))
}

func TestGenerateAt_PreservesTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := GenerateAt(at)
	assert.Equal(t, at.UnixMilli(), a.Time().UnixMilli())
}
