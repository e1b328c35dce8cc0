package pricing

import (
	"context"

	"github.com/example/provider-dispatch/internal/models"
)

// Estimator supplies price estimates to the scorer. The pricing formula
// is owned by an external service; the engine only consumes the number.
type Estimator interface {
	Estimate(ctx context.Context, service models.ServiceDescriptor, distanceMiles float64) (float64, error)
}

// Flat is the in-process fallback used when no external estimator is
// wired: a call-out fee plus mileage and labor components. Good enough
// to keep relative candidate ordering sensible.
type Flat struct {
	BaseFee   float64
	PerMile   float64
	PerMinute float64
}

func NewFlat() *Flat {
	return &Flat{BaseFee: 35, PerMile: 1.5, PerMinute: 0.8}
}

func (f *Flat) Estimate(_ context.Context, service models.ServiceDescriptor, distanceMiles float64) (float64, error) {
	price := f.BaseFee + f.PerMile*distanceMiles + f.PerMinute*float64(service.EstimatedDurationMinutes)
	if service.Urgency == models.UrgencyEmergency {
		price *= 1.5
	}
	return price, nil
}
