// Package memory implements config.Adapter entirely in-memory.
package memory

import (
	"context"
	"sync"

	"github.com/arque-run/arque/pkg/config"
	"github.com/arque-run/arque/pkg/domain"
)

// Adapter is an in-memory config.Adapter. Safe for concurrent use.
type Adapter struct {
	mu   sync.RWMutex
	byID map[string]domain.StreamRegistration
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{byID: make(map[string]domain.StreamRegistration)}
}

func (a *Adapter) SaveStream(ctx context.Context, reg domain.StreamRegistration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.byID[reg.ID] = reg
	return nil
}

func (a *Adapter) FindStreams(ctx context.Context, eventType uint32) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var streams []string
	for _, reg := range a.byID {
		if reg.Contains(eventType) {
			streams = append(streams, reg.ID)
		}
	}
	return streams, nil
}

var _ config.Adapter = (*Adapter)(nil)
