package offers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/provider-dispatch/internal/dispatch"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/observability"
	"github.com/example/provider-dispatch/internal/payments"
	"github.com/example/provider-dispatch/internal/registry"
	"github.com/example/provider-dispatch/internal/scoring"
	"github.com/example/provider-dispatch/internal/storage"
)

// ProviderClaimer is the slice of the availability tracker the
// coordinator needs: the Available->Busy claim and its inverse.
type ProviderClaimer interface {
	Claim(providerID, requestID string) bool
	Release(providerID, requestID string)
}

// Coordinator owns the offer protocol: it issues bounded-time offers,
// resolves accept/reject races, and performs the terminal transitions of
// a request.
//
// All offer transitions and all request terminal transitions run under
// one mutex, so the winning accept's sequence — match record, request
// CAS, sibling cancellation, provider claim — is never interleaved with
// an expiry, a cancellation, or a competing accept.
type Coordinator struct {
	reg     *registry.Registry
	claimer ProviderClaimer
	notify  dispatch.Sender
	audit   storage.AuditStore
	escrow  payments.EscrowHolder // optional
	logger  *slog.Logger

	maxParallel int
	ttl         time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	now   func() time.Time
	newID func() string
}

func NewCoordinator(reg *registry.Registry, claimer ProviderClaimer, notify dispatch.Sender, audit storage.AuditStore, maxParallel int, ttl time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		reg:         reg,
		claimer:     claimer,
		notify:      notify,
		audit:       audit,
		logger:      logger,
		maxParallel: maxParallel,
		ttl:         ttl,
		timers:      make(map[string]*time.Timer),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// SetEscrow wires the optional payment hold collaborator.
func (c *Coordinator) SetEscrow(e payments.EscrowHolder) { c.escrow = e }

// SetNow overrides the clock for tests.
func (c *Coordinator) SetNow(now func() time.Time) { c.now = now }

// IssueOffers tops the request up to min(K, candidates) pending offers
// from the ranked candidate list, best first. Returns the number of new
// offers issued.
func (c *Coordinator) IssueOffers(ctx context.Context, req models.ServiceRequest, ranked []scoring.Scored) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.reg.GetRequest(req.ID)
	if !ok || cur.State != models.RequestSearching {
		return 0
	}

	pending := len(c.reg.PendingOffers(req.ID))
	issued := 0
	for _, cand := range ranked {
		if pending+issued >= c.maxParallel {
			break
		}
		now := c.now()
		o := models.Offer{
			ID:            c.newID(),
			RequestID:     req.ID,
			ProviderID:    cand.ProviderID,
			Score:         cand.Score,
			Factors:       cand.Factors,
			PriceEstimate: cand.Price,
			State:         models.OfferPending,
			OfferedAt:     now,
			ExpiresAt:     now.Add(c.ttl),
		}
		// refused when this provider already holds a pending offer for
		// the request
		if !c.reg.PutOffer(o) {
			continue
		}
		c.timers[o.ID] = time.AfterFunc(c.ttl, func() { c.expire(o.ID) })
		c.persistAndNotify(ctx, o)
		observability.OffersIssued.Inc()
		issued++
	}
	return issued
}

// Accept resolves a provider's accept attempt. Exactly one accept per
// request ever wins; every other attempt returns won=false with a
// reason, never an error, because losing the race is expected behavior.
func (c *Coordinator) Accept(ctx context.Context, offerID, providerID string) (models.AcceptResult, error) {
	o, ok := c.reg.GetOffer(offerID)
	if !ok {
		return models.AcceptResult{}, models.ErrNotFound
	}
	if o.ProviderID != providerID {
		return models.AcceptResult{}, models.Invalid("provider_id", "offer belongs to a different provider")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	o, _ = c.reg.GetOffer(offerID)
	if o.State != models.OfferPending {
		reason := lostReason(o.State)
		if req, ok := c.reg.GetRequest(o.RequestID); ok && req.State == models.RequestMatched {
			reason = "already matched"
		}
		observability.AcceptRacesLost.Inc()
		return models.AcceptResult{Won: false, Reason: reason}, nil
	}
	if o.IsExpired(c.now()) {
		// deadline passed but the timer has not fired yet; resolve as
		// expired rather than letting a late accept win
		c.resolveOfferLocked(ctx, offerID, models.OfferExpired)
		observability.AcceptRacesLost.Inc()
		return models.AcceptResult{Won: false, Reason: "offer expired"}, nil
	}

	req, ok := c.reg.GetRequest(o.RequestID)
	if !ok || req.State != models.RequestSearching {
		observability.AcceptRacesLost.Inc()
		return models.AcceptResult{Won: false, Reason: "request already resolved"}, nil
	}

	// cross-request serialization: another request's win may have
	// claimed this provider a moment ago
	if !c.claimer.Claim(providerID, o.RequestID) {
		c.resolveOfferLocked(ctx, offerID, models.OfferCancelled)
		observability.AcceptRacesLost.Inc()
		return models.AcceptResult{Won: false, Reason: "provider no longer available"}, nil
	}

	if !c.reg.TransitionRequest(o.RequestID, models.RequestSearching, models.RequestMatched, func(r *models.ServiceRequest) {
		r.MatchedProviderID = providerID
	}) {
		c.claimer.Release(providerID, o.RequestID)
		observability.AcceptRacesLost.Inc()
		return models.AcceptResult{Won: false, Reason: "request already resolved"}, nil
	}

	accepted, _ := c.reg.TransitionOffer(offerID, models.OfferAccepted)
	c.stopTimerLocked(offerID)
	c.persistAndNotify(ctx, accepted)
	observability.OffersByEnd.WithLabelValues(string(models.OfferAccepted)).Inc()

	match := models.Match{
		RequestID:  o.RequestID,
		ProviderID: providerID,
		OfferID:    offerID,
		MatchedAt:  c.now(),
	}
	c.reg.PutMatch(match)
	if err := c.audit.SaveMatch(ctx, match); err != nil {
		c.logger.Warn("match audit write failed", "request_id", match.RequestID, "error", err)
	}
	if cur, ok := c.reg.GetRequest(o.RequestID); ok {
		if err := c.audit.SaveRequest(ctx, cur); err != nil {
			c.logger.Warn("request audit write failed", "request_id", cur.ID, "error", err)
		}
	}

	// losing providers are never claimed; their pending offers just end
	for _, sib := range c.reg.PendingOffers(o.RequestID) {
		c.resolveOfferLocked(ctx, sib.ID, models.OfferCancelled)
	}

	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(c.now().Sub(req.CreatedAt).Seconds())
	c.holdEscrow(req, accepted)

	c.logger.Info("match formed",
		"request_id", match.RequestID, "provider_id", providerID, "offer_id", offerID, "score", o.Score)
	return models.AcceptResult{Won: true}, nil
}

// Reject resolves a provider's decline. The provider joins the request's
// exclusion set and is not offered this request again. Rejecting an
// already-resolved offer is a no-op.
func (c *Coordinator) Reject(ctx context.Context, offerID, providerID string) error {
	o, ok := c.reg.GetOffer(offerID)
	if !ok {
		return models.ErrNotFound
	}
	if o.ProviderID != providerID {
		return models.Invalid("provider_id", "offer belongs to a different provider")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolveOfferLocked(ctx, offerID, models.OfferRejected) {
		c.reg.Exclude(o.RequestID, providerID)
	}
	return nil
}

// CancelSearch terminates a searching request and all its pending
// offers. Returns false when the request was already resolved.
func (c *Coordinator) CancelSearch(ctx context.Context, requestID, reason string) bool {
	return c.terminate(ctx, requestID, models.RequestCancelled, reason)
}

// ExpireSearch marks a request that exhausted its radius without a
// match. Returns false when the request was already resolved.
func (c *Coordinator) ExpireSearch(ctx context.Context, requestID string) bool {
	expired := c.terminate(ctx, requestID, models.RequestExpired, "")
	if expired {
		observability.SearchesExpired.Inc()
	}
	return expired
}

// PendingCount reports the live pending offers for a request.
func (c *Coordinator) PendingCount(requestID string) int {
	return len(c.reg.PendingOffers(requestID))
}

func (c *Coordinator) terminate(ctx context.Context, requestID string, to models.RequestState, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := c.reg.TransitionRequest(requestID, models.RequestSearching, to, func(r *models.ServiceRequest) {
		r.CancelReason = reason
	})
	if !ok {
		return false
	}
	for _, o := range c.reg.PendingOffers(requestID) {
		c.resolveOfferLocked(ctx, o.ID, models.OfferCancelled)
	}
	if cur, ok := c.reg.GetRequest(requestID); ok {
		if err := c.audit.SaveRequest(ctx, cur); err != nil {
			c.logger.Warn("request audit write failed", "request_id", requestID, "error", err)
		}
	}
	return true
}

// expire fires from the per-offer timer. It is idempotent: the CAS in
// resolveOfferLocked makes a late fire on an already-resolved offer a
// no-op.
func (c *Coordinator) expire(offerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveOfferLocked(context.Background(), offerID, models.OfferExpired)
}

// resolveOfferLocked is the single place pending offers become terminal.
// Callers hold c.mu.
func (c *Coordinator) resolveOfferLocked(ctx context.Context, offerID string, to models.OfferState) bool {
	o, ok := c.reg.TransitionOffer(offerID, to)
	if !ok {
		return false
	}
	c.stopTimerLocked(offerID)
	c.persistAndNotify(ctx, o)
	observability.OffersByEnd.WithLabelValues(string(to)).Inc()
	return true
}

func (c *Coordinator) stopTimerLocked(offerID string) {
	if t, ok := c.timers[offerID]; ok {
		t.Stop()
		delete(c.timers, offerID)
	}
}

// persistAndNotify writes the audit record and sends the single
// at-most-once notification for one offer transition.
func (c *Coordinator) persistAndNotify(ctx context.Context, o models.Offer) {
	if err := c.audit.SaveOffer(ctx, o); err != nil {
		c.logger.Warn("offer audit write failed", "offer_id", o.ID, "error", err)
	}
	if err := c.notify.Notify(o.ProviderID, o); err != nil {
		c.logger.Debug("offer notify failed", "offer_id", o.ID, "provider_id", o.ProviderID, "error", err)
	}
}

// holdEscrow places a best-effort payment hold once a match forms.
// Failures never unwind the match; reconciliation happens downstream.
func (c *Coordinator) holdEscrow(req models.ServiceRequest, o models.Offer) {
	if c.escrow == nil || o.PriceEstimate <= 0 {
		return
	}
	amountCents := int64(o.PriceEstimate * 100)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		holdID, err := c.escrow.Hold(ctx, amountCents, "usd", req.CustomerID)
		if err != nil {
			c.logger.Warn("escrow hold failed", "request_id", req.ID, "error", err)
			return
		}
		c.logger.Info("escrow hold placed", "request_id", req.ID, "hold_id", holdID)
	}()
}

func lostReason(s models.OfferState) string {
	switch s {
	case models.OfferAccepted:
		return "already matched"
	case models.OfferExpired:
		return "offer expired"
	case models.OfferCancelled:
		return "request already resolved"
	case models.OfferRejected:
		return "offer already rejected"
	default:
		return "offer not pending"
	}
}
