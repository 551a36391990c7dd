package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// AggregateIDSize is the fixed byte length of an aggregate id (13 bytes, per
// the data model). It is comparable and usable as a map key.
const AggregateIDSize = 13

// AggregateID identifies an aggregate's consistency boundary.
type AggregateID [AggregateIDSize]byte

// NewAggregateID generates a random aggregate id. Most callers derive ids
// from their own domain key space instead; see AggregateIDFromString.
func NewAggregateID() AggregateID {
	var id AggregateID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("domain: failed to read random bytes: %v", err))
	}
	return id
}

// AggregateIDFromBytes wraps an existing 13-byte slice as an AggregateID.
func AggregateIDFromBytes(b []byte) (AggregateID, error) {
	var id AggregateID
	if len(b) != AggregateIDSize {
		return id, fmt.Errorf("domain: aggregate id must be %d bytes, got %d", AggregateIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// AggregateIDFromString derives a stable AggregateID from an arbitrary
// application-level key (e.g. "account:42") by truncating/padding its bytes.
// Domain code that already has a natural 13-byte key should use
// AggregateIDFromBytes instead; this helper exists so example/demo code and
// tests can use human-readable ids.
func AggregateIDFromString(key string) AggregateID {
	var id AggregateID
	b := []byte(key)
	if len(b) >= AggregateIDSize {
		copy(id[:], b[:AggregateIDSize])
		return id
	}
	copy(id[:], b)
	return id
}

// Bytes returns the raw 13 bytes of the id.
func (id AggregateID) Bytes() []byte {
	out := make([]byte, AggregateIDSize)
	copy(out, id[:])
	return out
}

// String returns the lowercase hex encoding, used for logs, error messages,
// the wire envelope, and the key the factory coalesces concurrent loads on.
func (id AggregateID) String() string {
	return hex.EncodeToString(id[:])
}

// AggregateIDFromHex parses an id previously produced by AggregateID.String.
func AggregateIDFromHex(s string) (AggregateID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return AggregateID{}, fmt.Errorf("domain: invalid aggregate id hex: %w", err)
	}
	return AggregateIDFromBytes(b)
}
