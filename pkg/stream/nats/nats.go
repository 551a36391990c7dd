// Package nats implements stream.Adapter over NATS JetStream, grounded on
// the teacher's pkg/nats.EventBus (JetStream publish/QueueSubscribe,
// durable consumers, MsgId-based deduplication) generalized from a single
// fixed "events" stream to the arbitrary named streams §4.3/§4.4 require
// (the ingress stream `main` plus one subscriber stream per registration).
package nats

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/retry"
	"github.com/arque-run/arque/pkg/stream"
)

// Config configures the JetStream-backed Adapter.
type Config struct {
	// URL is the NATS server URL.
	URL string
	// ConsumerPrefix namespaces durable consumer names so that multiple
	// runtimes sharing a NATS cluster don't collide.
	ConsumerPrefix string
	// MaxAge is the longest JetStream keeps a message. Streams use interest
	// retention, so a message is also removed once every interested
	// consumer has acked it.
	MaxAge time.Duration
	// Partitions is the number of JetStream subjects a stream fans out
	// across for partitioning by PartitionKey. One subject per partition,
	// named "<ConsumerPrefix>.<stream>.<partition>".
	Partitions int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		ConsumerPrefix: "arque",
		MaxAge:         7 * 24 * time.Hour,
		Partitions:     8,
	}
}

// Adapter is a stream.Adapter backed by NATS JetStream.
type Adapter struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
}

// New connects to NATS and returns an Adapter. Each stream used with
// SendEvents/Subscribe is created lazily on first use.
func New(config Config) (*Adapter, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("stream/nats: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream/nats: jetstream context: %w", err)
	}
	return &Adapter{nc: nc, js: js, config: config}, nil
}

// Close closes the underlying NATS connection.
func (a *Adapter) Close() {
	a.nc.Close()
}

func (a *Adapter) streamName(stream string) string {
	return fmt.Sprintf("%s_%s", a.config.ConsumerPrefix, stream)
}

func (a *Adapter) subjectPrefix(streamName string) string {
	return fmt.Sprintf("%s.%s", a.config.ConsumerPrefix, streamName)
}

func (a *Adapter) ensureStream(name string) error {
	subjects := []string{a.subjectPrefix(name) + ".>"}
	cfg := &nats.StreamConfig{
		Name:      a.streamName(name),
		Subjects:  subjects,
		Retention: nats.InterestPolicy,
		MaxAge:    a.config.MaxAge,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	if _, err := a.js.StreamInfo(a.streamName(name)); err != nil {
		if _, err := a.js.AddStream(cfg); err != nil {
			return fmt.Errorf("stream/nats: create stream %s: %w", name, err)
		}
	}
	return nil
}

func (a *Adapter) partition(key []byte) int {
	n := a.config.Partitions
	if n <= 0 {
		n = 1
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}

func (a *Adapter) subject(name string, ev *domain.Event) string {
	p := a.partition(stream.PartitionKey(ev))
	return fmt.Sprintf("%s.%d", a.subjectPrefix(name), p)
}

// SendEvents publishes events onto name, one JetStream message per event,
// partitioned by stream.PartitionKey and deduplicated by event id via
// NATS's MsgId header.
func (a *Adapter) SendEvents(ctx context.Context, name string, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := a.ensureStream(name); err != nil {
		return err
	}

	for _, ev := range events {
		data, err := stream.EncodeEvent(ev)
		if err != nil {
			return err
		}
		subject := a.subject(name, ev)

		policy := retry.StoreDefaults(func(error) bool { return true })
		err = retry.Do(ctx, policy, func(attempt int) error {
			_, err := a.js.Publish(subject, data, nats.MsgId(ev.ID.Hex()), nats.Context(ctx))
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: publish event %s: %v", domain.ErrTransportTransient, ev.ID, err)
		}
	}
	return nil
}

// Subscribe attaches a Decoded-mode durable, queue-grouped consumer.
func (a *Adapter) Subscribe(ctx context.Context, name, group string, handler stream.Handler) (stream.Subscriber, error) {
	return a.subscribe(ctx, name, group, func(ctx context.Context, msg *nats.Msg) error {
		ev, err := stream.DecodeEvent(msg.Data)
		if err != nil {
			return err
		}
		return handler(ctx, ev)
	})
}

// SubscribeRaw attaches a Raw-mode durable, queue-grouped consumer: the
// handler receives the wire bytes unchanged, plus the partition key read
// from them when they decode.
func (a *Adapter) SubscribeRaw(ctx context.Context, name, group string, handler stream.RawHandler) (stream.Subscriber, error) {
	return a.subscribe(ctx, name, group, func(ctx context.Context, msg *nats.Msg) error {
		ev, err := stream.DecodeEvent(msg.Data)
		var key []byte
		if err == nil {
			key = stream.PartitionKey(ev)
		}
		return handler(ctx, stream.RawMessage{Data: msg.Data, PartitionKey: key})
	})
}

func (a *Adapter) subscribe(ctx context.Context, name, group string, deliver func(context.Context, *nats.Msg) error) (stream.Subscriber, error) {
	if err := a.ensureStream(name); err != nil {
		return nil, err
	}

	consumerName := fmt.Sprintf("%s_%s", a.config.ConsumerPrefix, group)
	subjectWildcard := a.subjectPrefix(name) + ".>"

	policy := retry.SubscriberDefaults(func(error) bool { return true })

	sub, err := a.js.QueueSubscribe(
		subjectWildcard,
		consumerName,
		func(msg *nats.Msg) {
			err := retry.Do(ctx, policy, func(attempt int) error {
				return deliver(ctx, msg)
			})
			if err != nil {
				msg.Nak()
				return
			}
			msg.Ack()
		},
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, fmt.Errorf("stream/nats: subscribe %s: %w", name, err)
	}

	return &subscriber{sub: sub}, nil
}

type subscriber struct {
	sub *nats.Subscription
}

func (s *subscriber) Stop(ctx context.Context) error {
	return s.sub.Unsubscribe()
}

var _ stream.Adapter = (*Adapter)(nil)
