package scoring

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/provider-dispatch/internal/config"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/pricing"
	"github.com/example/provider-dispatch/internal/profile"
)

// AvailabilityView is the read side of the availability tracker.
type AvailabilityView interface {
	Get(providerID string) (models.ProviderAvailability, bool)
}

// Scored pairs a candidate with its composite score and the factor
// breakdown that produced it.
type Scored struct {
	models.Candidate
	Score   int
	Factors models.FactorBreakdown
	Price   float64
}

// Scorer ranks spatial candidates with a weighted multi-factor score.
// Each factor is normalized to 0-100 before weighting, so the composite
// is also 0-100. Ranking is deterministic: ties break by distance
// ascending, then provider id.
type Scorer struct {
	Profiles     profile.Store
	Prices       pricing.Estimator
	Availability AvailabilityView
	Weights      config.WeightTable
	AvgSpeedMph  float64
	Logger       *slog.Logger
	Now          func() time.Time
}

const (
	neutralFactor = 50.0
	// minutes a provider wrapping up another assignment is assumed to
	// need before travelling
	midAssignmentDelayMinutes = 15.0
	defaultPriceScale         = 500.0
)

// Rank scores and orders the candidates for a request, best first.
// Candidates that fail a hard constraint, or whose missing collaborator
// data is required by one, are dropped.
func (s *Scorer) Rank(ctx context.Context, req models.ServiceRequest, cands []models.Candidate) []Scored {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	weights := s.Weights.For(req.Service.Urgency)

	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		sc, ok := s.scoreOne(ctx, req, c, weights, now)
		if !ok {
			continue
		}
		out = append(out, sc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DistanceMiles != out[j].DistanceMiles {
			return out[i].DistanceMiles < out[j].DistanceMiles
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}

func (s *Scorer) scoreOne(ctx context.Context, req models.ServiceRequest, c models.Candidate, w config.Weights, now time.Time) (Scored, bool) {
	var f models.FactorBreakdown

	prof, profErr := s.Profiles.Get(ctx, c.ProviderID)
	if profErr != nil {
		// hard constraints need profile data; without it the candidate
		// cannot be proven eligible
		if len(req.Constraints.RequiredSkills) > 0 || req.Constraints.MinRating != nil {
			return Scored{}, false
		}
		if !errors.Is(profErr, models.ErrNotFound) {
			s.Logger.Warn("profile lookup failed, scoring with neutral defaults",
				"provider_id", c.ProviderID, "error", profErr)
		}
	}

	if profErr == nil && req.Constraints.MinRating != nil && prof.Rating < *req.Constraints.MinRating {
		return Scored{}, false
	}

	// distance: closer is higher, scaled against the request's search
	// ceiling so expansion keeps earlier scores comparable
	f.Distance = clamp(100 * (1 - c.DistanceMiles/req.MaxRadiusMiles))

	avail, haveAvail := s.Availability.Get(c.ProviderID)

	// arrival: travel time at average speed, plus a wrap-up delay when
	// the provider is still on another assignment
	arrivalMinutes := c.DistanceMiles / s.speed() * 60
	if haveAvail && avail.CurrentAssignment != "" {
		arrivalMinutes += midAssignmentDelayMinutes
	}
	f.Arrival = clamp(100 - 4*arrivalMinutes)

	price, priceErr := s.Prices.Estimate(ctx, req.Service, c.DistanceMiles)
	if priceErr != nil {
		if req.Constraints.MaxPrice != nil {
			return Scored{}, false
		}
		s.Logger.Warn("price estimate failed, scoring with neutral default",
			"provider_id", c.ProviderID, "error", priceErr)
		f.Price = neutralFactor
	} else {
		if req.Constraints.MaxPrice != nil && price > *req.Constraints.MaxPrice {
			return Scored{}, false
		}
		scale := defaultPriceScale
		if req.Constraints.MaxPrice != nil {
			scale = *req.Constraints.MaxPrice
		}
		f.Price = clamp(100 * (1 - price/scale))
	}

	if profErr == nil {
		f.Rating = clamp(prof.Rating * 20)
		f.SkillMatch = skillMatch(req.Constraints.RequiredSkills, prof.Skills)
	} else {
		f.Rating = neutralFactor
		f.SkillMatch = 100
	}

	f.Availability = s.availabilityFactor(prof, avail, haveAvail, profErr == nil, now)

	composite := f.Distance*w.Distance +
		f.Arrival*w.Arrival +
		f.Price*w.Price +
		f.Rating*w.Rating +
		f.SkillMatch*w.SkillMatch +
		f.Availability*w.Availability

	return Scored{
		Candidate: c,
		Score:     int(math.Round(composite)),
		Factors:   f,
		Price:     price,
	}, true
}

// availabilityFactor starts from a neutral-positive base and applies the
// mid-assignment and off-hours penalties plus the instant-availability
// bonus.
func (s *Scorer) availabilityFactor(prof models.ProviderProfile, avail models.ProviderAvailability, haveAvail, haveProf bool, now time.Time) float64 {
	v := 70.0
	if haveAvail {
		if avail.InstantAvailability {
			v += 30
		}
		if avail.CurrentAssignment != "" {
			v -= 40
		}
	}
	hours := avail.WorkingHours
	if haveProf {
		hours = prof.WorkingHours
	}
	if !hours.Contains(now) {
		v -= 50
	}
	return clamp(v)
}

// skillMatch is the percentage of required skills the provider holds;
// 100 when nothing is required.
func skillMatch(required, held []string) float64 {
	if len(required) == 0 {
		return 100
	}
	have := make(map[string]struct{}, len(held))
	for _, s := range held {
		have[s] = struct{}{}
	}
	matched := 0
	for _, r := range required {
		if _, ok := have[r]; ok {
			matched++
		}
	}
	return 100 * float64(matched) / float64(len(required))
}

func (s *Scorer) speed() float64 {
	if s.AvgSpeedMph > 0 {
		return s.AvgSpeedMph
	}
	return 18 // urban driving average
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
