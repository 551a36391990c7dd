// Package eventid generates the opaque, time-sortable identifiers assigned
// to every event. Equal events always carry equal ids, and ids round-trip
// losslessly through their byte, hex, and base64 forms.
package eventid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Size is the length in bytes of an ID (128-bit: 48-bit time prefix + 80-bit randomness).
const Size = 16

// ID is an opaque, time-sortable event identifier.
type ID [Size]byte

// Generate returns a new ID with a time-sortable prefix set to the current time.
func Generate() ID {
	return GenerateAt(time.Now())
}

// GenerateAt returns a new ID whose time prefix is derived from t. Useful for
// deterministic tests that need reproducible ordering.
func GenerateAt(t time.Time) ID {
	u := ulid.MustNew(ulid.Timestamp(t), rand.Reader)
	var id ID
	copy(id[:], u[:])
	return id
}

// Bytes returns the raw bytes of the id.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// Hex returns the lowercase hex encoding of the id.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Base64 returns the standard base64 encoding of the id.
func (id ID) Base64() string {
	return base64.StdEncoding.EncodeToString(id[:])
}

// Time recovers the time-sortable prefix as a time.Time with millisecond precision.
func (id ID) Time() time.Time {
	var u ulid.ULID
	copy(u[:], id[:])
	return ulid.Time(u.Time())
}

// String implements fmt.Stringer as the hex form, used in logs and errors.
func (id ID) String() string {
	return id.Hex()
}

// FromBytes parses an ID from its raw byte form.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("eventid: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses an ID from its hex form.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("eventid: invalid hex: %w", err)
	}
	return FromBytes(b)
}

// FromBase64 parses an ID from its standard base64 form.
func FromBase64(s string) (ID, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("eventid: invalid base64: %w", err)
	}
	return FromBytes(b)
}

// Less reports whether id sorts before other, comparing raw bytes
// lexicographically (equivalent to comparing time prefix then randomness).
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
