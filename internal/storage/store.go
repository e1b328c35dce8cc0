package storage

import (
	"context"
	"sync"

	"github.com/example/provider-dispatch/internal/models"
)

// AuditStore persists offer and match records for audit. Records are
// append-only from the engine's point of view: an offer row is written
// once per transition with its current state, never deleted.
type AuditStore interface {
	SaveOffer(ctx context.Context, o models.Offer) error
	SaveMatch(ctx context.Context, m models.Match) error
	SaveRequest(ctx context.Context, r models.ServiceRequest) error
}

// Memory keeps audit records in process; the default when no database is
// configured and the store used throughout the tests.
type Memory struct {
	mu       sync.RWMutex
	offers   map[string]models.Offer
	matches  map[string]models.Match
	requests map[string]models.ServiceRequest
}

func NewMemory() *Memory {
	return &Memory{
		offers:   make(map[string]models.Offer),
		matches:  make(map[string]models.Match),
		requests: make(map[string]models.ServiceRequest),
	}
}

func (m *Memory) SaveOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
	return nil
}

func (m *Memory) SaveMatch(_ context.Context, match models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[match.RequestID] = match
	return nil
}

func (m *Memory) SaveRequest(_ context.Context, r models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *Memory) GetOffer(id string) (models.Offer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	return o, ok
}

func (m *Memory) GetMatch(requestID string) (models.Match, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match, ok := m.matches[requestID]
	return match, ok
}
