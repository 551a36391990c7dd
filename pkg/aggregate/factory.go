package aggregate

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arque-run/arque/pkg/domain"
	"github.com/arque-run/arque/pkg/observability"
	"github.com/arque-run/arque/pkg/store"
	"github.com/arque-run/arque/pkg/stream"
)

// DefaultCacheMax is the Factory's default LRU capacity (§4.2.3).
const DefaultCacheMax = 2046

// DefaultCacheTTL is the Factory's default entry lifetime (§4.2.3).
const DefaultCacheTTL = 48 * time.Hour

// Constructor builds a fresh, zero-state Aggregate for id. Factory calls
// this at most once per id per cache miss; the aggregate is reloaded
// immediately after.
type Constructor func(id domain.AggregateID) *Aggregate

// LoadOptions tunes one Factory.Load call.
type LoadOptions struct {
	// NoReload skips the post-construction/cache-hit reload.
	NoReload bool
}

type factoryEntry struct {
	id        domain.AggregateID
	aggregate *Aggregate
	expiresAt time.Time
	elem      *list.Element
}

// Factory is the bounded in-memory cache of live aggregates described in
// §4.2.3: a capped LRU keyed by aggregate id, with in-flight construction
// coalesced via golang.org/x/sync/singleflight so concurrent loads of the
// same id share one constructor call and one reload.
type Factory struct {
	construct Constructor
	cacheMax  int
	cacheTTL  time.Duration
	metrics   *observability.Metrics

	mu      sync.Mutex
	entries map[domain.AggregateID]*factoryEntry
	order   *list.List // front = most recently used

	group singleflight.Group
}

// WithMetrics attaches a metrics sink to record cache evictions, returning f
// for chaining. Nil disables instrumentation (the default).
func (f *Factory) WithMetrics(metrics *observability.Metrics) *Factory {
	f.metrics = metrics
	return f
}

// NewFactory builds a Factory with the default cache policy.
func NewFactory(construct Constructor) *Factory {
	return NewFactoryWithPolicy(construct, DefaultCacheMax, DefaultCacheTTL)
}

// NewFactoryWithPolicy builds a Factory with an explicit cache size and TTL.
func NewFactoryWithPolicy(construct Constructor, cacheMax int, cacheTTL time.Duration) *Factory {
	return &Factory{
		construct: construct,
		cacheMax:  cacheMax,
		cacheTTL:  cacheTTL,
		entries:   make(map[domain.AggregateID]*factoryEntry),
		order:     list.New(),
	}
}

// Load returns the live Aggregate for id, constructing and reloading it on
// a cache miss (or returning the cached instance after reloading it,
// unless opts.NoReload). Concurrent Load calls for the same id share one
// in-flight construction+reload; the entry is evicted if that shared call
// fails, so the next caller retries from scratch.
func (f *Factory) Load(ctx context.Context, id domain.AggregateID, opts LoadOptions) (*Aggregate, error) {
	key := id.String()

	result, err, _ := f.group.Do(key, func() (any, error) {
		agg, hit := f.lookup(ctx, id)
		if !hit {
			agg = f.construct(id)
		}

		if !opts.NoReload {
			if err := agg.Reload(ctx); err != nil {
				if !hit {
					// construction failed to even reload once; don't cache it.
					return nil, err
				}
				f.evictByID(ctx, id, "reload_failure")
				return nil, err
			}
		}

		f.store(ctx, id, agg)
		return agg, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Aggregate), nil
}

func (f *Factory) lookup(ctx context.Context, id domain.AggregateID) (*Aggregate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		f.evictLocked(ctx, entry, "ttl")
		return nil, false
	}
	f.order.MoveToFront(entry.elem)
	return entry.aggregate, true
}

func (f *Factory) store(ctx context.Context, id domain.AggregateID, agg *Aggregate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.entries[id]; ok {
		existing.expiresAt = time.Now().Add(f.cacheTTL)
		f.order.MoveToFront(existing.elem)
		return
	}

	entry := &factoryEntry{id: id, aggregate: agg, expiresAt: time.Now().Add(f.cacheTTL)}
	entry.elem = f.order.PushFront(entry)
	f.entries[id] = entry

	for f.order.Len() > f.cacheMax {
		oldest := f.order.Back()
		if oldest == nil {
			break
		}
		f.evictLocked(ctx, oldest.Value.(*factoryEntry), "capacity")
	}
}

func (f *Factory) evictByID(ctx context.Context, id domain.AggregateID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.entries[id]; ok {
		f.evictLocked(ctx, entry, reason)
	}
}

// evictLocked must be called with f.mu held.
func (f *Factory) evictLocked(ctx context.Context, entry *factoryEntry, reason string) {
	f.order.Remove(entry.elem)
	delete(f.entries, entry.id)
	if f.metrics != nil {
		f.metrics.RecordFactoryEviction(ctx, reason)
	}
}

// NewConstructor builds a Constructor that wires every new Aggregate with
// the given adapters, initial state, and registration callback (which
// should call OnCommand/OnEvent on the instance it's handed).
func NewConstructor(st store.Adapter, strm stream.Adapter, initialState func() any, opts Options, register func(*Aggregate)) Constructor {
	return func(id domain.AggregateID) *Aggregate {
		agg := New(id, st, strm, initialState(), opts)
		register(agg)
		return agg
	}
}
