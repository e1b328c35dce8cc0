package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/stream"
)

// Registry is the authoritative store of request, offer and match state.
// All lifecycle transitions go through compare-and-set methods here, so a
// request resolves exactly once no matter how many goroutines race, and
// every successful transition is published to subscribers.
//
// Offer and match records are append-only: they are never deleted, only
// superseded via their state field.
type Registry struct {
	mu            sync.RWMutex
	requests      map[string]*models.ServiceRequest
	offers        map[string]*models.Offer
	requestOffers map[string][]string
	matches       map[string]*models.Match
	excluded      map[string]map[string]struct{}

	RequestUpdates *stream.Broker[models.ServiceRequest]
	OfferUpdates   *stream.Broker[models.Offer]

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		requests:       make(map[string]*models.ServiceRequest),
		offers:         make(map[string]*models.Offer),
		requestOffers:  make(map[string][]string),
		matches:        make(map[string]*models.Match),
		excluded:       make(map[string]map[string]struct{}),
		RequestUpdates: stream.NewBroker[models.ServiceRequest](),
		OfferUpdates:   stream.NewBroker[models.Offer](),
		now:            time.Now,
	}
}

// SetNow overrides the clock for tests.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

// --- requests ---

func (r *Registry) CreateRequest(req models.ServiceRequest) {
	r.mu.Lock()
	cp := req
	r.requests[req.ID] = &cp
	r.excluded[req.ID] = make(map[string]struct{})
	snap := r.snapshotRequestLocked(req.ID)
	r.mu.Unlock()

	r.RequestUpdates.Publish(req.ID, snap)
}

func (r *Registry) GetRequest(id string) (models.ServiceRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.requests[id]; !ok {
		return models.ServiceRequest{}, false
	}
	return r.snapshotRequestLocked(id), true
}

// TransitionRequest performs the write-once terminal CAS on request
// state. mutate, when non-nil, runs inside the critical section on
// success to attach fields like the matched provider id.
func (r *Registry) TransitionRequest(id string, from, to models.RequestState, mutate func(*models.ServiceRequest)) bool {
	r.mu.Lock()
	req, ok := r.requests[id]
	if !ok || req.State != from {
		r.mu.Unlock()
		return false
	}
	req.State = to
	req.UpdatedAt = r.now()
	if mutate != nil {
		mutate(req)
	}
	snap := r.snapshotRequestLocked(id)
	r.mu.Unlock()

	r.RequestUpdates.Publish(id, snap)
	return true
}

// ExpandRadius grows the search radius by step, clamped to the request's
// max. The radius is monotonically non-decreasing; the bool reports
// whether the radius actually grew.
func (r *Registry) ExpandRadius(id string, step float64) (float64, bool) {
	r.mu.Lock()
	req, ok := r.requests[id]
	if !ok || req.State != models.RequestSearching {
		r.mu.Unlock()
		return 0, false
	}
	prev := req.SearchRadiusMiles
	next := prev + step
	if next > req.MaxRadiusMiles {
		next = req.MaxRadiusMiles
	}
	req.SearchRadiusMiles = next
	req.UpdatedAt = r.now()
	snap := r.snapshotRequestLocked(id)
	r.mu.Unlock()

	if next > prev {
		r.RequestUpdates.Publish(id, snap)
	}
	return next, next > prev
}

// Exclude adds a provider to the request's exclusion set. The set only
// ever grows.
func (r *Registry) Exclude(requestID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.excluded[requestID]
	if !ok {
		return
	}
	set[providerID] = struct{}{}
}

// ExcludedSet returns a copy of the request's exclusion set.
func (r *Registry) ExcludedSet(requestID string) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.excluded[requestID]))
	for id := range r.excluded[requestID] {
		out[id] = struct{}{}
	}
	return out
}

// --- offers ---

// PutOffer appends a new pending offer. It refuses a second pending
// offer for the same (request, provider) pair.
func (r *Registry) PutOffer(o models.Offer) bool {
	r.mu.Lock()
	for _, oid := range r.requestOffers[o.RequestID] {
		ex := r.offers[oid]
		if ex.ProviderID == o.ProviderID && ex.State == models.OfferPending {
			r.mu.Unlock()
			return false
		}
	}
	cp := o
	r.offers[o.ID] = &cp
	r.requestOffers[o.RequestID] = append(r.requestOffers[o.RequestID], o.ID)
	r.mu.Unlock()

	r.OfferUpdates.Publish(o.ProviderID, o)
	return true
}

func (r *Registry) GetOffer(id string) (models.Offer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.offers[id]
	if !ok {
		return models.Offer{}, false
	}
	return *o, true
}

// TransitionOffer is the CAS from Pending to a terminal offer state.
// Exactly one caller wins for any given offer.
func (r *Registry) TransitionOffer(id string, to models.OfferState) (models.Offer, bool) {
	r.mu.Lock()
	o, ok := r.offers[id]
	if !ok || o.State != models.OfferPending {
		r.mu.Unlock()
		return models.Offer{}, false
	}
	o.State = to
	ts := r.now()
	o.RespondedAt = &ts
	snap := *o
	r.mu.Unlock()

	r.OfferUpdates.Publish(snap.ProviderID, snap)
	return snap, true
}

// OffersForRequest returns snapshots of all offers ever issued for a
// request, oldest first.
func (r *Registry) OffersForRequest(requestID string) []models.Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.requestOffers[requestID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.offers[id])
	}
	return out
}

// PendingOffers returns the currently pending offers for a request.
func (r *Registry) PendingOffers(requestID string) []models.Offer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Offer
	for _, id := range r.requestOffers[requestID] {
		if o := r.offers[id]; o.State == models.OfferPending {
			out = append(out, *o)
		}
	}
	return out
}

// --- matches ---

func (r *Registry) PutMatch(m models.Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := m
	r.matches[m.RequestID] = &cp
}

func (r *Registry) GetMatch(requestID string) (models.Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[requestID]
	if !ok {
		return models.Match{}, false
	}
	return *m, true
}

func (r *Registry) snapshotRequestLocked(id string) models.ServiceRequest {
	req := r.requests[id]
	snap := *req
	ex := r.excluded[id]
	snap.ExcludedProviderIDs = make([]string, 0, len(ex))
	for pid := range ex {
		snap.ExcludedProviderIDs = append(snap.ExcludedProviderIDs, pid)
	}
	sort.Strings(snap.ExcludedProviderIDs)
	return snap
}
