// Package stream defines the StreamAdapter contract (§4.4): the transport
// abstraction every stream in the runtime — the `main` ingress stream and
// every subscriber stream the Broker fans out to — is published through.
package stream

import (
	"context"

	"github.com/arque-run/arque/pkg/domain"
)

// RawMessage is what a Raw-mode handler receives: the wire bytes plus
// enough header information to re-publish or partition on without
// decoding the body.
type RawMessage struct {
	Data         []byte
	PartitionKey []byte
}

// Handler processes one decoded event. Returning an error leaves the
// message unacknowledged for redelivery.
type Handler func(ctx context.Context, event *domain.Event) error

// RawHandler processes one raw message. Returning an error leaves the
// message unacknowledged for redelivery.
type RawHandler func(ctx context.Context, msg RawMessage) error

// Subscriber is a live subscription. Stop unsubscribes and releases any
// resources; it does not close the underlying Adapter.
type Subscriber interface {
	Stop(ctx context.Context) error
}

// Adapter is the StreamAdapter contract. SendEvents publishes events onto
// stream, partitioned by the hash of each event's domain.MetaContextKey
// metadata entry so that events sharing a partition key are delivered in
// arrival order. Subscribe/SubscribeRaw attach a durable, queue-grouped
// consumer (group) to stream; multiple processes subscribing with the same
// group share the work, at-least-once.
type Adapter interface {
	SendEvents(ctx context.Context, stream string, events []*domain.Event) error

	// Subscribe attaches a Decoded-mode consumer: handler receives each
	// event fully decoded.
	Subscribe(ctx context.Context, stream, group string, handler Handler) (Subscriber, error)

	// SubscribeRaw attaches a Raw-mode consumer: handler receives the
	// undecoded wire payload. The Adapter has no raw publish counterpart, so
	// a consumer that forwards the event (the Broker) decodes it and sends
	// it again through SendEvents.
	SubscribeRaw(ctx context.Context, stream, group string, handler RawHandler) (Subscriber, error)
}
