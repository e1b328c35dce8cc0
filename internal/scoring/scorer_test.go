package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/provider-dispatch/internal/config"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/pricing"
	"github.com/example/provider-dispatch/internal/profile"
)

type stubAvailability map[string]models.ProviderAvailability

func (s stubAvailability) Get(providerID string) (models.ProviderAvailability, bool) {
	a, ok := s[providerID]
	return a, ok
}

type failingEstimator struct{}

func (failingEstimator) Estimate(context.Context, models.ServiceDescriptor, float64) (float64, error) {
	return 0, errors.New("pricing service down")
}

func newTestScorer(profiles *profile.Memory, avail stubAvailability) *Scorer {
	return &Scorer{
		Profiles:     profiles,
		Prices:       pricing.NewFlat(),
		Availability: avail,
		Weights:      config.DefaultWeightTable(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func cand(id string, miles float64) models.Candidate {
	return models.Candidate{ProviderID: id, DistanceMiles: miles}
}

func available(id string) models.ProviderAvailability {
	return models.ProviderAvailability{ProviderID: id, State: models.ProviderAvailable}
}

func emergencyRequest() models.ServiceRequest {
	return models.ServiceRequest{
		ID:                "req-1",
		Location:          models.Coord{Lat: 37.7749, Lon: -122.4194},
		Service:           models.ServiceDescriptor{Type: "plumbing", Urgency: models.UrgencyEmergency},
		State:             models.RequestSearching,
		SearchRadiusMiles: 5,
		MaxRadiusMiles:    25,
	}
}

// For an emergency the arrival weight dominates: a close mediocre
// provider should outrank a farther excellent one.
func TestRankEmergencyPrefersProximityOverRating(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "far-expert", Rating: 4.9})
	profiles.Put(models.ProviderProfile{ProviderID: "near-average", Rating: 3.5})

	s := newTestScorer(profiles, stubAvailability{
		"far-expert":   available("far-expert"),
		"near-average": available("near-average"),
	})

	out := s.Rank(context.Background(), emergencyRequest(), []models.Candidate{
		cand("far-expert", 2.0),
		cand("near-average", 0.5),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "near-average", out[0].ProviderID)
	assert.Greater(t, out[0].Score, out[1].Score)
	for _, sc := range out {
		assert.GreaterOrEqual(t, sc.Score, 0)
		assert.LessOrEqual(t, sc.Score, 100)
		assert.Greater(t, sc.Price, 0.0)
	}
}

// For scheduled work, price and rating outweigh arrival time and the
// ordering flips back toward the expert.
func TestRankScheduledPrefersRating(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "far-expert", Rating: 4.9})
	profiles.Put(models.ProviderProfile{ProviderID: "near-average", Rating: 3.5})

	s := newTestScorer(profiles, stubAvailability{
		"far-expert":   available("far-expert"),
		"near-average": available("near-average"),
	})

	req := emergencyRequest()
	req.Service.Urgency = models.UrgencyScheduled

	out := s.Rank(context.Background(), req, []models.Candidate{
		cand("far-expert", 2.0),
		cand("near-average", 0.5),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "far-expert", out[0].ProviderID)
}

func TestRankIsDeterministic(t *testing.T) {
	profiles := profile.NewMemory()
	av := stubAvailability{}
	var cands []models.Candidate
	for _, id := range []string{"c", "a", "b"} {
		profiles.Put(models.ProviderProfile{ProviderID: id, Rating: 4.0})
		av[id] = available(id)
		cands = append(cands, cand(id, 1.0))
	}
	s := newTestScorer(profiles, av)

	first := s.Rank(context.Background(), emergencyRequest(), cands)
	require.Len(t, first, 3)
	// identical score and distance: ties break on provider id
	assert.Equal(t, "a", first[0].ProviderID)
	assert.Equal(t, "b", first[1].ProviderID)
	assert.Equal(t, "c", first[2].ProviderID)

	for i := 0; i < 5; i++ {
		again := s.Rank(context.Background(), emergencyRequest(), cands)
		require.Equal(t, first, again)
	}
}

func TestRankMinRatingIsAHardFilter(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "ok", Rating: 4.5})
	profiles.Put(models.ProviderProfile{ProviderID: "low", Rating: 3.0})

	s := newTestScorer(profiles, stubAvailability{
		"ok": available("ok"), "low": available("low"),
	})

	req := emergencyRequest()
	min := 4.0
	req.Constraints.MinRating = &min

	out := s.Rank(context.Background(), req, []models.Candidate{cand("ok", 1), cand("low", 1)})
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].ProviderID)
}

func TestRankMaxPriceIsAHardFilter(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "near", Rating: 4.0})
	profiles.Put(models.ProviderProfile{ProviderID: "far", Rating: 4.0})

	s := newTestScorer(profiles, stubAvailability{
		"near": available("near"), "far": available("far"),
	})

	req := emergencyRequest()
	// flat emergency pricing: base 35 * 1.5 = 52.5 plus mileage, so a 60
	// ceiling keeps the near candidate and drops the far one
	max := 60.0
	req.Constraints.MaxPrice = &max

	out := s.Rank(context.Background(), req, []models.Candidate{cand("near", 1), cand("far", 20)})
	require.Len(t, out, 1)
	assert.Equal(t, "near", out[0].ProviderID)
}

func TestRankMissingProfileWithHardConstraintDrops(t *testing.T) {
	s := newTestScorer(profile.NewMemory(), stubAvailability{"ghost": available("ghost")})

	req := emergencyRequest()
	req.Constraints.RequiredSkills = []string{"gas-certified"}

	out := s.Rank(context.Background(), req, []models.Candidate{cand("ghost", 1)})
	assert.Empty(t, out, "eligibility cannot be proven without profile data")
}

func TestRankMissingProfileWithoutConstraintsScoresNeutral(t *testing.T) {
	s := newTestScorer(profile.NewMemory(), stubAvailability{"ghost": available("ghost")})

	out := s.Rank(context.Background(), emergencyRequest(), []models.Candidate{cand("ghost", 1)})
	require.Len(t, out, 1)
	assert.Equal(t, neutralFactor, out[0].Factors.Rating)
	assert.Equal(t, 100.0, out[0].Factors.SkillMatch)
}

func TestRankPricingFailure(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "p1", Rating: 4.0})
	s := newTestScorer(profiles, stubAvailability{"p1": available("p1")})
	s.Prices = failingEstimator{}

	t.Run("neutral without price ceiling", func(t *testing.T) {
		out := s.Rank(context.Background(), emergencyRequest(), []models.Candidate{cand("p1", 1)})
		require.Len(t, out, 1)
		assert.Equal(t, neutralFactor, out[0].Factors.Price)
	})

	t.Run("dropped when a ceiling cannot be checked", func(t *testing.T) {
		req := emergencyRequest()
		max := 100.0
		req.Constraints.MaxPrice = &max
		out := s.Rank(context.Background(), req, []models.Candidate{cand("p1", 1)})
		assert.Empty(t, out)
	})
}

func TestRankMidAssignmentPenalty(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "free", Rating: 4.0})
	profiles.Put(models.ProviderProfile{ProviderID: "wrapping-up", Rating: 4.0})

	busy := available("wrapping-up")
	busy.CurrentAssignment = "req-other"

	s := newTestScorer(profiles, stubAvailability{
		"free": available("free"), "wrapping-up": busy,
	})

	out := s.Rank(context.Background(), emergencyRequest(), []models.Candidate{
		cand("free", 1), cand("wrapping-up", 1),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "free", out[0].ProviderID)

	var withJob, without Scored
	for _, sc := range out {
		if sc.ProviderID == "wrapping-up" {
			withJob = sc
		} else {
			without = sc
		}
	}
	assert.Less(t, withJob.Factors.Arrival, without.Factors.Arrival)
	assert.Less(t, withJob.Factors.Availability, without.Factors.Availability)
}

func TestSkillMatchPartialOverlap(t *testing.T) {
	assert.Equal(t, 100.0, skillMatch(nil, nil))
	assert.Equal(t, 100.0, skillMatch(nil, []string{"plumbing"}))
	assert.Equal(t, 50.0, skillMatch([]string{"plumbing", "gas"}, []string{"plumbing"}))
	assert.Equal(t, 0.0, skillMatch([]string{"gas"}, []string{"plumbing"}))
}

func TestInstantAvailabilityBonus(t *testing.T) {
	profiles := profile.NewMemory()
	profiles.Put(models.ProviderProfile{ProviderID: "instant", Rating: 4.0})
	profiles.Put(models.ProviderProfile{ProviderID: "plain", Rating: 4.0})

	inst := available("instant")
	inst.InstantAvailability = true

	s := newTestScorer(profiles, stubAvailability{
		"instant": inst, "plain": available("plain"),
	})

	out := s.Rank(context.Background(), emergencyRequest(), []models.Candidate{
		cand("instant", 1), cand("plain", 1),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "instant", out[0].ProviderID)
}
