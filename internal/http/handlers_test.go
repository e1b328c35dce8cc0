package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/provider-dispatch/internal/availability"
	"github.com/example/provider-dispatch/internal/config"
	"github.com/example/provider-dispatch/internal/dispatch"
	"github.com/example/provider-dispatch/internal/geo"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/offers"
	"github.com/example/provider-dispatch/internal/pricing"
	"github.com/example/provider-dispatch/internal/profile"
	"github.com/example/provider-dispatch/internal/registry"
	"github.com/example/provider-dispatch/internal/scoring"
	"github.com/example/provider-dispatch/internal/search"
	"github.com/example/provider-dispatch/internal/storage"
)

type apiFixture struct {
	srv      *Server
	reg      *registry.Registry
	tracker  *availability.Tracker
	profiles *profile.Memory
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := config.MatchConfig{
		MaxParallelOffers:  2,
		OfferTTL:           time.Minute,
		InitialRadiusMiles: 5,
		MaxRadiusMiles:     25,
		RadiusStepMiles:    5,
		RadiusExpandEvery:  5 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		TickJitter:         0,
		StalenessThreshold: 5 * time.Minute,
		SweepInterval:      time.Minute,
		CellSizeMiles:      5,
		Weights:            config.DefaultWeightTable(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	grid := geo.NewGrid(cfg.CellSizeMiles, cfg.StalenessThreshold)
	tracker := availability.NewTracker(grid, cfg.StalenessThreshold, logger)
	profiles := profile.NewMemory()
	scorer := &scoring.Scorer{
		Profiles:     profiles,
		Prices:       pricing.NewFlat(),
		Availability: tracker,
		Weights:      cfg.Weights,
		Logger:       logger,
	}
	audit := storage.NewMemory()
	coord := offers.NewCoordinator(reg, tracker, dispatch.Nop{}, audit, cfg.MaxParallelOffers, cfg.OfferTTL, logger)
	sched := search.NewScheduler(reg, grid, scorer, coord, tracker, audit, cfg, logger)
	t.Cleanup(sched.Shutdown)

	srv := NewServer(sched, coord, tracker, reg, nil, dispatch.NewWSRegistry(), logger)
	return &apiFixture{srv: srv, reg: reg, tracker: tracker, profiles: profiles}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) addProvider(t *testing.T, id string) {
	t.Helper()
	at := models.Coord{Lat: 37.7849, Lon: -122.4194}
	require.NoError(t, f.tracker.SetAvailability(id, models.ProviderAvailable, &at))
	f.profiles.Put(models.ProviderProfile{ProviderID: id, Rating: 4.5})
}

func validCreateBody() map[string]any {
	return map[string]any{
		"customer_id": "cust-1",
		"location":    map[string]float64{"lat": 37.7749, "lon": -122.4194},
		"service": map[string]any{
			"type":    "plumbing",
			"urgency": "emergency",
		},
	}
}

func TestCreateRequest(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["request_id"])

	req, ok := f.reg.GetRequest(resp["request_id"])
	require.True(t, ok)
	assert.Equal(t, models.RequestSearching, req.State)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		f.srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing customer", func(t *testing.T) {
		body := validCreateBody()
		delete(body, "customer_id")
		rec := f.do(t, http.MethodPost, "/api/v1/requests", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "customer_id")
	})

	t.Run("bad urgency", func(t *testing.T) {
		body := validCreateBody()
		body["service"] = map[string]any{"type": "plumbing", "urgency": "someday"}
		rec := f.do(t, http.MethodPost, "/api/v1/requests", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetRequestStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(t, http.MethodGet, "/api/v1/requests/"+created["request_id"], nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st models.RequestStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.RequestSearching, st.State)

	rec = f.do(t, http.MethodGet, "/api/v1/requests/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRequest(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["request_id"]

	rec = f.do(t, http.MethodDelete, "/api/v1/requests/"+id+"?reason=found+someone", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req, _ := f.reg.GetRequest(id)
	assert.Equal(t, models.RequestCancelled, req.State)
	assert.Equal(t, "found someone", req.CancelReason)

	// cancelling an already-cancelled request is still a 204
	rec = f.do(t, http.MethodDelete, "/api/v1/requests/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/requests/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOfferAcceptAndReject(t *testing.T) {
	f := newAPIFixture(t)
	f.addProvider(t, "p1")
	f.addProvider(t, "p2")

	rec := f.do(t, http.MethodPost, "/api/v1/requests", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["request_id"]

	var pending []models.Offer
	require.Eventually(t, func() bool {
		pending = f.reg.PendingOffers(id)
		return len(pending) == 2
	}, time.Second, 2*time.Millisecond)

	var p1Offer, p2Offer models.Offer
	for _, o := range pending {
		switch o.ProviderID {
		case "p1":
			p1Offer = o
		case "p2":
			p2Offer = o
		}
	}

	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+p2Offer.ID+"/reject", map[string]string{"provider_id": "p2"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+p1Offer.ID+"/accept", map[string]string{"provider_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.AcceptResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Won)

	req, _ := f.reg.GetRequest(id)
	assert.Equal(t, models.RequestMatched, req.State)
	assert.Equal(t, "p1", req.MatchedProviderID)

	// a second accept on the resolved offer loses, but is not an error
	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+p1Offer.ID+"/accept", map[string]string{"provider_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Won)
}

func TestOfferActionErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.addProvider(t, "p1")

	rec := f.do(t, http.MethodPost, "/api/v1/requests", validCreateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	var pending []models.Offer
	require.Eventually(t, func() bool {
		pending = f.reg.PendingOffers(created["request_id"])
		return len(pending) == 1
	}, time.Second, 2*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/api/v1/offers/no-such-offer/accept", map[string]string{"provider_id": "p1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// wrong provider on a real offer
	rec = f.do(t, http.MethodPost, "/api/v1/offers/"+pending[0].ID+"/accept", map[string]string{"provider_id": "imposter"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetAvailability(t *testing.T) {
	f := newAPIFixture(t)

	loc := models.Coord{Lat: 37.78, Lon: -122.42}
	rec := f.do(t, http.MethodPost, "/api/v1/providers/availability", setAvailabilityBody{
		ProviderID: "p1", State: models.ProviderAvailable, Location: &loc,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	p, ok := f.tracker.Get("p1")
	require.True(t, ok)
	assert.Equal(t, models.ProviderAvailable, p.State)

	// busy is engine-owned, not self-serve
	rec = f.do(t, http.MethodPost, "/api/v1/providers/availability", setAvailabilityBody{
		ProviderID: "p1", State: models.ProviderBusy,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/internal/providers/heartbeat", models.ProviderHeartbeat{
		ProviderID: "p1",
		Location:   models.Coord{Lat: 37.78, Lon: -122.42},
		State:      models.ProviderAvailable,
		SentAt:     time.Now(),
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	p, ok := f.tracker.Get("p1")
	require.True(t, ok)
	assert.Equal(t, 37.78, p.Location.Lat)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
