package profile

import (
	"context"
	"sync"

	"github.com/example/provider-dispatch/internal/models"
)

// Store is the read-only provider profile lookup the scorer depends on.
// Profile CRUD lives in a separate service; the engine only reads.
type Store interface {
	Get(ctx context.Context, providerID string) (models.ProviderProfile, error)
}

// Memory is an in-process Store for tests and single-node setups.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]models.ProviderProfile
}

func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]models.ProviderProfile)}
}

func (m *Memory) Put(p models.ProviderProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ProviderID] = p
}

func (m *Memory) Get(_ context.Context, providerID string) (models.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[providerID]
	if !ok {
		return models.ProviderProfile{}, models.ErrNotFound
	}
	return p, nil
}
