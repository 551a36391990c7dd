// Package projection implements the projection runtime of §4.5: a
// supervised consumer that folds events into a read model with
// checkpoint-gated, exactly-once-effect processing over an at-least-once
// transport.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arque-run/arque/pkg/config"
	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/observability"
	"github.com/arque-run/arque/pkg/store"
	"github.com/arque-run/arque/pkg/stream"
)

// Handler applies one event to the projection's state. Returning an error
// leaves the checkpoint unadvanced; the subscriber's retry/redelivery
// mechanism will present the event again.
type Handler func(ctx context.Context, state any, event *domain.Event) error

// Options configures a Projection.
type Options struct {
	// DisableSaveStream skips the config.SaveStream registration in
	// Start, for projections whose routing is managed out of band.
	DisableSaveStream bool
	// ConsumerGroup names the stream subscription's queue group. Default
	// is the projection id, so every instance of a given projection forms
	// one group (§6: "Consumer group id = topic name").
	ConsumerGroup string
}

// Projection subscribes to exactly one stream, applying registered
// handlers with per-(projection, aggregate) checkpointing.
type Projection struct {
	store  store.Adapter
	stream stream.Adapter
	config config.Adapter

	id      string
	state   any
	handlers map[uint32]Handler
	opts    Options
	metrics *observability.Metrics
	logger  *slog.Logger

	mu          sync.Mutex
	lastEventAt time.Time
	sub         stream.Subscriber
}

// New constructs a Projection. handlers maps event type to the function
// that applies it. metrics/logger may be nil.
func New(st store.Adapter, strm stream.Adapter, cfg config.Adapter, handlers map[uint32]Handler, id string, state any, metrics *observability.Metrics, logger *slog.Logger, opts Options) *Projection {
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = id
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{
		store:    st,
		stream:   strm,
		config:   cfg,
		id:       id,
		state:    state,
		handlers: handlers,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
}

// Name satisfies runner.Service.
func (p *Projection) Name() string { return p.id }

// Start implements §4.5's start(): register routing interest (unless
// disabled), subscribe in decoded mode, and begin tracking lastEventAt.
func (p *Projection) Start(ctx context.Context) error {
	if !p.opts.DisableSaveStream {
		types := make([]uint32, 0, len(p.handlers))
		for t := range p.handlers {
			types = append(types, t)
		}
		reg := domain.NewStreamRegistration(p.id, types, time.Now())
		if err := p.config.SaveStream(ctx, reg); err != nil {
			return fmt.Errorf("projection %s: register stream: %w", p.id, err)
		}
	}

	p.mu.Lock()
	p.lastEventAt = time.Now()
	p.mu.Unlock()

	sub, err := p.stream.Subscribe(ctx, p.id, p.opts.ConsumerGroup, p.onEvent)
	if err != nil {
		return fmt.Errorf("projection %s: subscribe: %w", p.id, err)
	}
	p.sub = sub
	return nil
}

// Stop implements §4.5's stop(): unsubscribe, letting any in-flight
// handler finish and save its checkpoint first.
func (p *Projection) Stop(ctx context.Context) error {
	if p.sub == nil {
		return nil
	}
	return p.sub.Stop(ctx)
}

// onEvent implements §4.5's onEvent(): checkpoint-gated idempotent
// dispatch. A missing handler is dropped with a warning, not an error —
// only a freshly-produced event's missing handler is fatal (§4.2.2 step 7);
// a subscribed projection may legitimately have narrower interest than the
// broker's routing.
func (p *Projection) onEvent(ctx context.Context, event *domain.Event) error {
	p.mu.Lock()
	p.lastEventAt = time.Now()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordProjectionLag(ctx, p.id, time.Since(event.Timestamp).Seconds())
	}

	handler, ok := p.handlers[event.Type]
	if !ok {
		p.logger.WarnContext(ctx, "projection: no handler for event type, dropping",
			slog.String("projection", p.id), slog.Uint64("type", uint64(event.Type)))
		return nil
	}

	shouldProcess, err := p.store.CheckProjectionCheckpoint(ctx, store.CheckpointParams{
		Projection: p.id,
		Aggregate:  event.Aggregate,
	})
	if err != nil {
		return fmt.Errorf("projection %s: check checkpoint: %w", p.id, err)
	}
	if !shouldProcess {
		if p.metrics != nil {
			p.metrics.RecordProjectionSkip(ctx, p.id)
		}
		return nil
	}

	if err := handler(ctx, p.state, event); err != nil {
		if p.metrics != nil {
			p.metrics.RecordProjectionError(ctx, p.id, "handler")
		}
		return err
	}

	if err := p.store.SaveProjectionCheckpoint(ctx, store.CheckpointParams{
		Projection: p.id,
		Aggregate:  event.Aggregate,
	}); err != nil {
		return fmt.Errorf("projection %s: save checkpoint: %w", p.id, err)
	}
	return nil
}

// WaitUntilSettled blocks until no event has been observed for at least
// quiet, polling every 500ms as §4.5 specifies. Used by tests and batch
// jobs to drain in-flight delivery before asserting on state.
func (p *Projection) WaitUntilSettled(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		elapsed := time.Since(p.lastEventAt)
		p.mu.Unlock()

		if elapsed >= quiet {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// State returns the projection's current state.
func (p *Projection) State() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
