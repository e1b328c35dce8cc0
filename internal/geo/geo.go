package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/provider-dispatch/internal/models"
)

// Query describes one spatial lookup. Exclude holds provider ids the
// request has already rejected; Now is passed in so staleness filtering
// is deterministic under test.
type Query struct {
	Center      models.Coord
	RadiusMiles float64
	ServiceType string
	Exclude     map[string]struct{}
	Now         time.Time
}

// Index is the minimal interface the search scheduler needs. An empty
// result is a valid outcome, not an error.
type Index interface {
	Search(ctx context.Context, q Query) ([]models.Candidate, error)
	Upsert(e Entry)
	Remove(providerID string)
}

// Entry is the slice of provider state the index needs to answer
// queries without consulting the tracker.
type Entry struct {
	ProviderID   string
	Location     models.Coord
	State        models.ProviderState
	ServiceTypes []string
	LastBeat     time.Time
}

type cellKey struct{ row, col int }

// Grid buckets providers into coarse cells sized to typical search radii.
// A query computes the cell rectangle overlapping the radius as a cheap
// prefilter, then applies exact haversine distance to drop false
// positives.
type Grid struct {
	mu        sync.RWMutex
	cellMiles float64
	staleness time.Duration
	cells     map[cellKey]map[string]struct{}
	entries   map[string]Entry
}

func NewGrid(cellMiles float64, staleness time.Duration) *Grid {
	if cellMiles <= 0 {
		cellMiles = 5
	}
	return &Grid{
		cellMiles: cellMiles,
		staleness: staleness,
		cells:     make(map[cellKey]map[string]struct{}),
		entries:   make(map[string]Entry),
	}
}

const milesPerLatDegree = 69.0

func (g *Grid) cellFor(c models.Coord) cellKey {
	deg := g.cellMiles / milesPerLatDegree
	return cellKey{
		row: int(math.Floor(c.Lat / deg)),
		col: int(math.Floor(c.Lon / deg)),
	}
}

func (g *Grid) Upsert(e Entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.entries[e.ProviderID]; ok {
		oldCell := g.cellFor(old.Location)
		newCell := g.cellFor(e.Location)
		if oldCell != newCell {
			delete(g.cells[oldCell], e.ProviderID)
			if len(g.cells[oldCell]) == 0 {
				delete(g.cells, oldCell)
			}
		}
	}
	g.entries[e.ProviderID] = e
	k := g.cellFor(e.Location)
	if g.cells[k] == nil {
		g.cells[k] = make(map[string]struct{})
	}
	g.cells[k][e.ProviderID] = struct{}{}
}

func (g *Grid) Remove(providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[providerID]
	if !ok {
		return
	}
	k := g.cellFor(e.Location)
	delete(g.cells[k], providerID)
	if len(g.cells[k]) == 0 {
		delete(g.cells, k)
	}
	delete(g.entries, providerID)
}

func (g *Grid) Search(ctx context.Context, q Query) ([]models.Candidate, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	deg := g.cellMiles / milesPerLatDegree
	latDelta := q.RadiusMiles / milesPerLatDegree
	// longitude degrees shrink with latitude; clamp cos to keep the
	// rectangle finite near the poles
	cosLat := math.Cos(q.Center.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonDelta := q.RadiusMiles / (milesPerLatDegree * cosLat)

	rowLo := int(math.Floor((q.Center.Lat - latDelta) / deg))
	rowHi := int(math.Floor((q.Center.Lat + latDelta) / deg))
	colLo := int(math.Floor((q.Center.Lon - lonDelta) / deg))
	colHi := int(math.Floor((q.Center.Lon + lonDelta) / deg))

	var out []models.Candidate
	for row := rowLo; row <= rowHi; row++ {
		for col := colLo; col <= colHi; col++ {
			for id := range g.cells[cellKey{row, col}] {
				e := g.entries[id]
				if !g.eligible(e, q, now) {
					continue
				}
				d := HaversineMiles(q.Center, e.Location)
				if d > q.RadiusMiles {
					continue
				}
				out = append(out, models.Candidate{ProviderID: id, Location: e.Location, DistanceMiles: d})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMiles != out[j].DistanceMiles {
			return out[i].DistanceMiles < out[j].DistanceMiles
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (g *Grid) eligible(e Entry, q Query, now time.Time) bool {
	if e.State != models.ProviderAvailable {
		return false
	}
	if g.staleness > 0 && now.Sub(e.LastBeat) > g.staleness {
		return false
	}
	if _, excluded := q.Exclude[e.ProviderID]; excluded {
		return false
	}
	if q.ServiceType != "" && len(e.ServiceTypes) > 0 {
		found := false
		for _, t := range e.ServiceTypes {
			if t == q.ServiceType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HaversineMiles is the great-circle distance between two points in miles.
func HaversineMiles(a, b models.Coord) float64 {
	const earthRadiusMiles = 3958.8
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMiles * c
}
