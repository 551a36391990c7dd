// Package broker implements the fan-out router described in §4.3: a single
// long-running raw-mode subscriber of the ingress stream `main`. It decodes
// each received message and republishes the event through SendEvents, which
// encodes it again, onto every subscriber stream the ConfigAdapter says is
// interested in its type; the received bytes are not forwarded verbatim.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arque-run/arque/pkg/config"
	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/observability"
	"github.com/arque-run/arque/pkg/stream"
)

// Options configures a Broker.
type Options struct {
	// IngressStream is the stream the broker subscribes to. Default "main".
	IngressStream string
	// ConsumerGroup names the broker's queue group, so multiple broker
	// instances share ingress partitions instead of each seeing every
	// event (§4.3: "horizontally scalable ... same consumer group").
	ConsumerGroup string
}

func defaultOptions() Options {
	return Options{IngressStream: "main", ConsumerGroup: "broker"}
}

// Broker fans events in from a single ingress stream out to N subscriber
// streams, keyed by event type via the ConfigAdapter. It implements
// runner.Service so it can be supervised alongside other long-running
// components.
type Broker struct {
	stream  stream.Adapter
	config  config.Adapter
	metrics *observability.Metrics
	logger  *slog.Logger
	opts    Options

	sub stream.Subscriber
}

// New constructs a Broker. metrics/logger may be nil.
func New(strm stream.Adapter, cfg config.Adapter, metrics *observability.Metrics, logger *slog.Logger, opts Options) *Broker {
	if opts.IngressStream == "" {
		opts.IngressStream = defaultOptions().IngressStream
	}
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = defaultOptions().ConsumerGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{stream: strm, config: cfg, metrics: metrics, logger: logger, opts: opts}
}

// Name satisfies runner.Service.
func (b *Broker) Name() string { return "broker" }

// Start subscribes to the ingress stream in raw mode and begins routing.
// Satisfies runner.Service.
func (b *Broker) Start(ctx context.Context) error {
	sub, err := b.stream.SubscribeRaw(ctx, b.opts.IngressStream, b.opts.ConsumerGroup, b.route)
	if err != nil {
		return fmt.Errorf("broker: subscribe to %s: %w", b.opts.IngressStream, err)
	}
	b.sub = sub
	return nil
}

// Stop unsubscribes from the ingress stream. Satisfies runner.Service.
func (b *Broker) Stop(ctx context.Context) error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Stop(ctx)
}

func (b *Broker) route(ctx context.Context, msg stream.RawMessage) error {
	ev, err := stream.DecodeEvent(msg.Data)
	if err != nil {
		return fmt.Errorf("broker: decode routed event: %w", err)
	}

	streams, err := b.config.FindStreams(ctx, ev.Type)
	if err != nil {
		return fmt.Errorf("broker: find streams for type %d: %w", ev.Type, err)
	}
	if len(streams) == 0 {
		b.logger.InfoContext(ctx, "broker: no subscribers for event type, dropping",
			slog.Uint64("type", uint64(ev.Type)), slog.String("event_id", ev.ID.Hex()))
		if b.metrics != nil {
			b.metrics.RecordBrokerRoute(ctx, fmt.Sprintf("%d", ev.Type), false)
		}
		return nil
	}

	for _, s := range streams {
		if err := b.stream.SendEvents(ctx, s, []*domain.Event{ev}); err != nil {
			return fmt.Errorf("broker: route to %s: %w", s, err)
		}
		if b.metrics != nil {
			b.metrics.RecordBrokerRoute(ctx, fmt.Sprintf("%d", ev.Type), true)
		}
	}
	return nil
}
