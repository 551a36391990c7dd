package projection

import (
	"context"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/stream"
)

// noSubscribeStream is a stream.Adapter stub whose Subscribe call returns a
// no-op Subscriber, just enough for Start() to exercise stream registration
// without a live transport.
type noSubscribeStream struct{}

type noopSubscriber struct{}

func (noopSubscriber) Stop(ctx context.Context) error { return nil }

func (s *noSubscribeStream) SendEvents(ctx context.Context, streamName string, events []*domain.Event) error {
	return nil
}

func (s *noSubscribeStream) Subscribe(ctx context.Context, streamName, group string, handler stream.Handler) (stream.Subscriber, error) {
	return noopSubscriber{}, nil
}

func (s *noSubscribeStream) SubscribeRaw(ctx context.Context, streamName, group string, handler stream.RawHandler) (stream.Subscriber, error) {
	return noopSubscriber{}, nil
}

var _ stream.Adapter = (*noSubscribeStream)(nil)
