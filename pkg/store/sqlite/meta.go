package sqlite

import (
	"encoding/json"
	"fmt"

	"github.com/arque-run/arque/pkg/eventid"
)

// encodeMeta/decodeMeta serialize an event's opaque metadata map for
// storage in a single BLOB column. The metadata values are already opaque
// bytes (per domain.Event.Meta); only the map shape needs encoding.
func encodeMeta(meta map[string][]byte) ([]byte, error) {
	if meta == nil {
		meta = map[string][]byte{}
	}
	return json.Marshal(meta)
}

func decodeMeta(data []byte) (map[string][]byte, error) {
	if len(data) == 0 {
		return map[string][]byte{}, nil
	}
	var meta map[string][]byte
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("sqlite: decode meta: %w", err)
	}
	return meta, nil
}

func eventIDFromBytes(b []byte) (eventid.ID, error) {
	return eventid.FromBytes(b)
}
