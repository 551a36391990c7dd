package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/eventid"
)

// wireEvent is the canonical on-the-wire envelope for a domain.Event. Body
// and Meta travel as opaque bytes; the codec layer interprets them.
type wireEvent struct {
	ID        string            `json:"id"`
	Type      uint32            `json:"type"`
	AggID     string            `json:"aggregate_id"`
	AggVer    uint32            `json:"aggregate_version"`
	Body      []byte            `json:"body"`
	Meta      map[string][]byte `json:"meta"`
	Timestamp time.Time         `json:"ts"`
}

// EncodeEvent serializes an event for transport.
func EncodeEvent(ev *domain.Event) ([]byte, error) {
	w := wireEvent{
		ID:        ev.ID.Hex(),
		Type:      ev.Type,
		AggID:     ev.Aggregate.ID.String(),
		AggVer:    ev.Aggregate.Version,
		Body:      ev.Body,
		Meta:      ev.Meta,
		Timestamp: ev.Timestamp,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("stream: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(data []byte) (*domain.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stream: decode event: %w", err)
	}

	id, err := eventid.FromHex(w.ID)
	if err != nil {
		return nil, err
	}
	aggID, err := domain.AggregateIDFromHex(w.AggID)
	if err != nil {
		return nil, err
	}

	return &domain.Event{
		ID:        id,
		Type:      w.Type,
		Aggregate: domain.AggregateRef{ID: aggID, Version: w.AggVer},
		Body:      w.Body,
		Meta:      w.Meta,
		Timestamp: w.Timestamp,
	}, nil
}

// PartitionKey extracts the partitioning key an event is routed by: the raw
// bytes of its domain.MetaContextKey metadata entry, or the aggregate id
// when no context key is set (§4.4).
func PartitionKey(ev *domain.Event) []byte {
	if ctx, ok := ev.Meta[domain.MetaContextKey]; ok && len(ctx) > 0 {
		return ctx
	}
	return ev.Aggregate.ID.Bytes()
}
