package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/provider-dispatch/internal/models"
)

// Weights is the per-urgency-class scoring weight vector. Each field
// multiplies the corresponding normalized 0-100 factor; fields must sum
// to 1.0.
type Weights struct {
	Distance     float64
	Arrival      float64
	Price        float64
	Rating       float64
	SkillMatch   float64
	Availability float64
}

const weightSumTolerance = 1e-6

func (w Weights) Sum() float64 {
	return w.Distance + w.Arrival + w.Price + w.Rating + w.SkillMatch + w.Availability
}

func (w Weights) Validate() error {
	if s := w.Sum(); math.Abs(s-1.0) > weightSumTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.6f", s)
	}
	return nil
}

// WeightTable maps urgency classes to their weight vectors.
type WeightTable map[models.UrgencyClass]Weights

// DefaultWeightTable encodes the dispatch policy: emergency requests rank
// arrival time highest and price lowest; scheduled requests weight price
// and rating higher.
func DefaultWeightTable() WeightTable {
	return WeightTable{
		models.UrgencyEmergency: {
			Distance:     0.15,
			Arrival:      0.40,
			Price:        0.05,
			Rating:       0.15,
			SkillMatch:   0.15,
			Availability: 0.10,
		},
		models.UrgencyToday: {
			Distance:     0.15,
			Arrival:      0.25,
			Price:        0.15,
			Rating:       0.20,
			SkillMatch:   0.15,
			Availability: 0.10,
		},
		models.UrgencyScheduled: {
			Distance:     0.10,
			Arrival:      0.10,
			Price:        0.30,
			Rating:       0.25,
			SkillMatch:   0.15,
			Availability: 0.10,
		},
	}
}

func (t WeightTable) Validate() error {
	for _, class := range []models.UrgencyClass{models.UrgencyEmergency, models.UrgencyToday, models.UrgencyScheduled} {
		w, ok := t[class]
		if !ok {
			return fmt.Errorf("missing weight vector for urgency class %q", class)
		}
		if err := w.Validate(); err != nil {
			return fmt.Errorf("urgency class %q: %w", class, err)
		}
	}
	return nil
}

// For returns the weight vector for an urgency class, falling back to the
// "today" vector for unknown classes.
func (t WeightTable) For(class models.UrgencyClass) Weights {
	if w, ok := t[class]; ok {
		return w
	}
	return t[models.UrgencyToday]
}

// ParseWeights parses a comma-separated k=v list, e.g.
// "distance=0.15,arrival=0.40,price=0.05,rating=0.15,skill=0.15,availability=0.10".
func ParseWeights(s string) (Weights, error) {
	var w Weights
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return w, fmt.Errorf("malformed weight entry %q", part)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return w, fmt.Errorf("weight %q: %w", kv[0], err)
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "distance":
			w.Distance = f
		case "arrival":
			w.Arrival = f
		case "price":
			w.Price = f
		case "rating":
			w.Rating = f
		case "skill", "skill_match":
			w.SkillMatch = f
		case "availability":
			w.Availability = f
		default:
			return w, fmt.Errorf("unknown weight %q", kv[0])
		}
	}
	if err := w.Validate(); err != nil {
		return w, err
	}
	return w, nil
}
