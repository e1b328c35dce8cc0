package availability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/provider-dispatch/internal/geo"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/observability"
)

// Tracker is the source of truth for provider state and location
// heartbeats. Provider-initiated calls mutate state and location; the
// offer coordinator is the only caller of Claim and Release.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*models.ProviderAvailability
	index     geo.Index
	staleness time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewTracker(index geo.Index, staleness time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		providers: make(map[string]*models.ProviderAvailability),
		index:     index,
		staleness: staleness,
		logger:    logger,
		now:       time.Now,
	}
}

// SetNow overrides the clock for tests.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }

// SetAvailability is the provider-initiated state toggle. Going offline
// removes the provider from the spatial index; location is optional and
// updates the heartbeat when present.
func (t *Tracker) SetAvailability(providerID string, state models.ProviderState, loc *models.Coord) error {
	if providerID == "" {
		return models.Invalid("provider_id", "must not be empty")
	}
	switch state {
	case models.ProviderAvailable, models.ProviderOffline:
	case models.ProviderBusy:
		return models.Invalid("state", "busy is assigned by the engine, not the provider")
	default:
		return models.Invalid("state", "unknown provider state")
	}

	t.mu.Lock()
	p := t.getOrCreate(providerID)
	prev := p.State
	p.State = state
	if loc != nil {
		p.Location = *loc
	}
	p.LastHeartbeatAt = t.now()
	snap := *p
	t.mu.Unlock()

	t.syncIndex(snap)
	if prev != state {
		t.adjustOnlineGauge(prev, state)
	}
	return nil
}

// UpdateLocation is the high-frequency heartbeat path. It must stay
// cheap: one map write and an index upsert.
func (t *Tracker) UpdateLocation(providerID string, loc models.Coord) error {
	if providerID == "" {
		return models.Invalid("provider_id", "must not be empty")
	}
	t.mu.Lock()
	p := t.getOrCreate(providerID)
	p.Location = loc
	p.LastHeartbeatAt = t.now()
	snap := *p
	t.mu.Unlock()

	t.syncIndex(snap)
	return nil
}

// ApplyHeartbeat ingests the full heartbeat shape from Kafka or the HTTP
// heartbeat endpoint.
func (t *Tracker) ApplyHeartbeat(hb models.ProviderHeartbeat) error {
	if hb.ProviderID == "" {
		return models.Invalid("provider_id", "must not be empty")
	}
	t.mu.Lock()
	p := t.getOrCreate(hb.ProviderID)
	prev := p.State
	p.Location = hb.Location
	p.LastHeartbeatAt = t.now()
	p.InstantAvailability = hb.Instant
	if len(hb.ServiceTypes) > 0 {
		p.ServiceTypes = hb.ServiceTypes
	}
	// a heartbeat never overrides an engine-assigned busy state
	if hb.State != "" && p.State != models.ProviderBusy {
		p.State = hb.State
	}
	snap := *p
	t.mu.Unlock()

	t.syncIndex(snap)
	if prev != snap.State {
		t.adjustOnlineGauge(prev, snap.State)
	}
	return nil
}

// Claim transitions a provider Available -> Busy for one request. It is
// the single cross-request serialization point: two match resolutions
// racing for the same provider resolve here, and exactly one wins.
func (t *Tracker) Claim(providerID, requestID string) bool {
	t.mu.Lock()
	p, ok := t.providers[providerID]
	if !ok || p.State != models.ProviderAvailable {
		t.mu.Unlock()
		return false
	}
	p.State = models.ProviderBusy
	p.CurrentAssignment = requestID
	snap := *p
	t.mu.Unlock()

	t.syncIndex(snap)
	observability.ProvidersOnline.Dec()
	return true
}

// Release returns a provider to Available when its assignment completes
// or its winning request unwinds. A release for a different request id is
// ignored; the provider has since been claimed elsewhere.
func (t *Tracker) Release(providerID, requestID string) {
	t.mu.Lock()
	p, ok := t.providers[providerID]
	if !ok || p.State != models.ProviderBusy || p.CurrentAssignment != requestID {
		t.mu.Unlock()
		return
	}
	p.State = models.ProviderAvailable
	p.CurrentAssignment = ""
	snap := *p
	t.mu.Unlock()

	t.syncIndex(snap)
	observability.ProvidersOnline.Inc()
}

// Get returns a snapshot of one provider's availability record.
func (t *Tracker) Get(providerID string) (models.ProviderAvailability, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.providers[providerID]
	if !ok {
		return models.ProviderAvailability{}, false
	}
	return *p, true
}

// SweepStale flips Available providers whose heartbeat exceeded the
// staleness threshold to Offline and drops them from the index. Returns
// the number of providers swept.
func (t *Tracker) SweepStale() int {
	now := t.now()
	var swept []string

	t.mu.Lock()
	for id, p := range t.providers {
		if p.State == models.ProviderAvailable && now.Sub(p.LastHeartbeatAt) > t.staleness {
			p.State = models.ProviderOffline
			swept = append(swept, id)
		}
	}
	t.mu.Unlock()

	for _, id := range swept {
		t.index.Remove(id)
		observability.ProvidersOnline.Dec()
		observability.StaleProvidersSwept.Inc()
	}
	if len(swept) > 0 {
		t.logger.Info("stale providers swept", "count", len(swept))
	}
	return len(swept)
}

func (t *Tracker) getOrCreate(providerID string) *models.ProviderAvailability {
	p, ok := t.providers[providerID]
	if !ok {
		p = &models.ProviderAvailability{ProviderID: providerID, State: models.ProviderOffline}
		t.providers[providerID] = p
	}
	return p
}

func (t *Tracker) syncIndex(p models.ProviderAvailability) {
	if p.State == models.ProviderOffline {
		t.index.Remove(p.ProviderID)
		return
	}
	t.index.Upsert(geo.Entry{
		ProviderID:   p.ProviderID,
		Location:     p.Location,
		State:        p.State,
		ServiceTypes: p.ServiceTypes,
		LastBeat:     p.LastHeartbeatAt,
	})
}

func (t *Tracker) adjustOnlineGauge(prev, next models.ProviderState) {
	if prev != models.ProviderAvailable && next == models.ProviderAvailable {
		observability.ProvidersOnline.Inc()
	}
	if prev == models.ProviderAvailable && next != models.ProviderAvailable {
		observability.ProvidersOnline.Dec()
	}
}
