// Package config defines the ConfigAdapter contract (§4.6): the mapping
// from event type to the set of subscriber streams interested in it, which
// the Broker consults to fan out each ingress event. Concrete backends
// (memory, sqlite) persist domain.StreamRegistration rows; Cached wraps any
// backend with the bounded, TTL'd, non-invalidating lookup cache §4.6 and
// §9 call for.
package config

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/arque-run/arque/pkg/domain"
)

// Adapter is the ConfigAdapter contract.
type Adapter interface {
	// SaveStream upserts a stream registration keyed by id.
	SaveStream(ctx context.Context, reg domain.StreamRegistration) error

	// FindStreams reverse-looks-up every stream registration whose event
	// set contains eventType.
	FindStreams(ctx context.Context, eventType uint32) ([]string, error)
}

// DefaultCacheMax is the default bounded LRU size for Cached.
const DefaultCacheMax = 4096

// DefaultCacheTTL is the default cache entry lifetime. No pack example
// imports a third-party LRU (see DESIGN.md); this is a hand-rolled bounded
// LRU over container/list, following the decorator shape rather than any
// specific teacher file. 30s balances single-process demo responsiveness
// (§9's open question: "new subscribers may take up to cacheTTL to be
// seen") against meaningfully reducing load on the backing Adapter.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	eventType uint32
	streams   []string
	expiresAt time.Time
	elem      *list.Element
}

// Cached wraps an Adapter with a bounded, TTL-expiring LRU cache over
// FindStreams. There is deliberately no cache invalidation on SaveStream
// (§9's open question is resolved that way): new registrations become
// visible to readers of this cache within cacheTTL, not immediately. There
// is also no negative caching: a miss against the backend is never cached,
// so a stream registered after a miss is visible on the very next call.
type Cached struct {
	backend  Adapter
	cacheMax int
	cacheTTL time.Duration

	mu      sync.Mutex
	entries map[uint32]*cacheEntry
	order   *list.List // front = most recently used
}

// NewCached wraps backend with the default cache policy.
func NewCached(backend Adapter) *Cached {
	return NewCachedWithPolicy(backend, DefaultCacheMax, DefaultCacheTTL)
}

// NewCachedWithPolicy wraps backend with an explicit cache size and TTL.
func NewCachedWithPolicy(backend Adapter, cacheMax int, cacheTTL time.Duration) *Cached {
	return &Cached{
		backend:  backend,
		cacheMax: cacheMax,
		cacheTTL: cacheTTL,
		entries:  make(map[uint32]*cacheEntry),
		order:    list.New(),
	}
}

// SaveStream forwards to the backend unconditionally; see the no-invalidation note above.
func (c *Cached) SaveStream(ctx context.Context, reg domain.StreamRegistration) error {
	return c.backend.SaveStream(ctx, reg)
}

// FindStreams serves from cache when a live entry exists, else queries the
// backend and populates the cache (never on a miss/empty result — no
// negative caching).
func (c *Cached) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	if streams, ok := c.lookup(eventType); ok {
		return streams, nil
	}

	streams, err := c.backend.FindStreams(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if len(streams) > 0 {
		c.store(eventType, streams)
	}
	return streams, nil
}

func (c *Cached) lookup(eventType uint32) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[eventType]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.evict(entry)
		return nil, false
	}
	c.order.MoveToFront(entry.elem)
	return entry.streams, true
}

func (c *Cached) store(eventType uint32, streams []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[eventType]; ok {
		existing.streams = streams
		existing.expiresAt = time.Now().Add(c.cacheTTL)
		c.order.MoveToFront(existing.elem)
		return
	}

	entry := &cacheEntry{
		eventType: eventType,
		streams:   streams,
		expiresAt: time.Now().Add(c.cacheTTL),
	}
	entry.elem = c.order.PushFront(entry)
	c.entries[eventType] = entry

	for c.order.Len() > c.cacheMax {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evict(oldest.Value.(*cacheEntry))
	}
}

// evict must be called with c.mu held.
func (c *Cached) evict(entry *cacheEntry) {
	c.order.Remove(entry.elem)
	delete(c.entries, entry.eventType)
}

var _ Adapter = (*Cached)(nil)
