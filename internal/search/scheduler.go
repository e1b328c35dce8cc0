package search

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/provider-dispatch/internal/config"
	"github.com/example/provider-dispatch/internal/geo"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/observability"
	"github.com/example/provider-dispatch/internal/offers"
	"github.com/example/provider-dispatch/internal/registry"
	"github.com/example/provider-dispatch/internal/scoring"
	"github.com/example/provider-dispatch/internal/storage"
)

// Scheduler owns each request's search loop end to end: scan, offer,
// expand, terminate. Every searching request runs one goroutine; the
// loop stops as soon as the request leaves Searching, however that
// happened.
type Scheduler struct {
	reg    *registry.Registry
	index  geo.Index
	scorer *scoring.Scorer
	coord  *offers.Coordinator
	avail  scoring.AvailabilityView
	audit  storage.AuditStore
	cfg    config.MatchConfig
	logger *slog.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup

	now func() time.Time
}

func NewScheduler(reg *registry.Registry, index geo.Index, scorer *scoring.Scorer, coord *offers.Coordinator, avail scoring.AvailabilityView, audit storage.AuditStore, cfg config.MatchConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reg:    reg,
		index:  index,
		scorer: scorer,
		coord:  coord,
		avail:  avail,
		audit:  audit,
		cfg:    cfg,
		logger: logger,
		loops:  make(map[string]context.CancelFunc),
		now:    time.Now,
	}
}

// SetNow overrides the clock for tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// CreateParams are the caller-supplied fields of a new request.
type CreateParams struct {
	CustomerID  string
	Location    models.Coord
	Service     models.ServiceDescriptor
	Constraints models.Constraints
}

func (p CreateParams) validate() error {
	if p.CustomerID == "" {
		return models.Invalid("customer_id", "must not be empty")
	}
	if p.Location.Lat < -90 || p.Location.Lat > 90 {
		return models.Invalid("location.lat", "out of range")
	}
	if p.Location.Lon < -180 || p.Location.Lon > 180 {
		return models.Invalid("location.lon", "out of range")
	}
	if p.Service.Type == "" {
		return models.Invalid("service.type", "must not be empty")
	}
	switch p.Service.Urgency {
	case models.UrgencyEmergency, models.UrgencyToday, models.UrgencyScheduled:
	default:
		return models.Invalid("service.urgency", "unknown urgency class")
	}
	return nil
}

// StartSearch registers a new Searching request and starts its loop.
// Returns the request id.
func (s *Scheduler) StartSearch(ctx context.Context, p CreateParams) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	now := s.now()
	req := models.ServiceRequest{
		ID:                uuid.NewString(),
		CustomerID:        p.CustomerID,
		Location:          p.Location,
		Service:           p.Service,
		Constraints:       p.Constraints,
		State:             models.RequestSearching,
		SearchRadiusMiles: s.cfg.InitialRadiusMiles,
		MaxRadiusMiles:    s.cfg.MaxRadiusMiles,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.reg.CreateRequest(req)
	if err := s.audit.SaveRequest(ctx, req); err != nil {
		s.logger.Warn("request audit write failed", "request_id", req.ID, "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.loops[req.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx, req.ID)

	observability.SearchesStarted.Inc()
	observability.SearchesActive.Inc()
	s.logger.Info("search started",
		"request_id", req.ID, "customer_id", req.CustomerID,
		"service_type", req.Service.Type, "urgency", req.Service.Urgency)
	return req.ID, nil
}

// CancelSearch resolves a searching request as Cancelled and tears down
// its loop. Unknown ids return NotFound; an already-resolved request is
// a no-op.
func (s *Scheduler) CancelSearch(ctx context.Context, requestID, reason string) error {
	if _, ok := s.reg.GetRequest(requestID); !ok {
		return models.ErrNotFound
	}
	s.coord.CancelSearch(ctx, requestID, reason)
	s.stopLoop(requestID)
	return nil
}

// Status returns the externally visible request view, including a rough
// provider ETA once matched.
func (s *Scheduler) Status(requestID string) (models.RequestStatus, error) {
	req, ok := s.reg.GetRequest(requestID)
	if !ok {
		return models.RequestStatus{}, models.ErrNotFound
	}
	st := models.RequestStatus{State: req.State, MatchedProviderID: req.MatchedProviderID}
	if req.State == models.RequestMatched && req.MatchedProviderID != "" {
		if pa, ok := s.avail.Get(req.MatchedProviderID); ok {
			miles := geo.HaversineMiles(pa.Location, req.Location)
			st.ETAMinutes = miles / 18 * 60
		}
	}
	return st, nil
}

// Shutdown stops every running loop and waits for them to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.loops {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run is the per-request search loop. Ticks are staggered with jitter so
// a burst of requests does not align its query load on the index.
func (s *Scheduler) run(ctx context.Context, requestID string) {
	defer s.wg.Done()
	defer observability.SearchesActive.Dec()
	defer s.stopLoop(requestID)

	if s.cfg.TickJitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(s.cfg.TickJitter)))):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	lastExpand := s.now()
	// first scan immediately; waiting a full tick would add dead time to
	// every emergency request
	if done := s.tick(ctx, requestID, &lastExpand); done {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := s.tick(ctx, requestID, &lastExpand); done {
				return
			}
		}
	}
}

// tick runs one scan cycle. Returns true when the loop should stop.
func (s *Scheduler) tick(ctx context.Context, requestID string, lastExpand *time.Time) bool {
	req, ok := s.reg.GetRequest(requestID)
	if !ok || req.State != models.RequestSearching {
		return true
	}

	exclude := s.reg.ExcludedSet(requestID)
	cands, err := s.index.Search(ctx, geo.Query{
		Center:      req.Location,
		RadiusMiles: req.SearchRadiusMiles,
		ServiceType: req.Service.Type,
		Exclude:     exclude,
		Now:         s.now(),
	})
	if err != nil {
		s.logger.Warn("spatial query failed", "request_id", requestID, "error", err)
		return false
	}

	ranked := s.scorer.Rank(ctx, req, cands)
	s.coord.IssueOffers(ctx, req, ranked)

	pending := s.coord.PendingCount(requestID)
	covered := pending >= min(s.cfg.MaxParallelOffers, len(ranked))
	starved := len(ranked) == 0 || covered

	if !starved {
		return false
	}
	if s.now().Sub(*lastExpand) < s.cfg.RadiusExpandEvery {
		return false
	}

	if req.SearchRadiusMiles >= req.MaxRadiusMiles {
		// radius exhausted: give outstanding offers their chance, then
		// give up
		if pending == 0 {
			if s.coord.ExpireSearch(ctx, requestID) {
				s.logger.Info("search expired", "request_id", requestID, "radius_miles", req.SearchRadiusMiles)
			}
			return true
		}
		return false
	}

	if radius, grew := s.reg.ExpandRadius(requestID, s.cfg.RadiusStepMiles); grew {
		*lastExpand = s.now()
		s.logger.Debug("search radius expanded", "request_id", requestID, "radius_miles", radius)
	}
	return false
}

func (s *Scheduler) stopLoop(requestID string) {
	s.mu.Lock()
	cancel, ok := s.loops[requestID]
	if ok {
		delete(s.loops, requestID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
