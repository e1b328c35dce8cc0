package geo

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/provider-dispatch/internal/models"
)

// RedisGeo implements Index on top of Redis GEO commands, for deployments
// where several dispatch processes share one provider pool. Provider
// metadata lives in a hash alongside the geo set.
type RedisGeo struct {
	client    *redis.Client
	key       string
	staleness time.Duration
}

func NewRedisGeo(addr, password, key string, staleness time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, staleness: staleness}
}

func (r *RedisGeo) Upsert(e Entry) {
	ctx := context.Background()
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: e.Location.Lon,
		Latitude:  e.Location.Lat,
		Name:      e.ProviderID,
	}).Result()
	_ = r.client.HSet(ctx, metaKey(e.ProviderID), map[string]interface{}{
		"state":         string(e.State),
		"service_types": strings.Join(e.ServiceTypes, ","),
		"last_beat":     e.LastBeat.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Remove(providerID string) {
	ctx := context.Background()
	_ = r.client.ZRem(ctx, r.key, providerID).Err()
	_ = r.client.Del(ctx, metaKey(providerID)).Err()
}

func (r *RedisGeo) Search(ctx context.Context, q Query) ([]models.Candidate, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Center.Lon,
			Latitude:   q.Center.Lat,
			Radius:     q.RadiusMiles,
			RadiusUnit: "mi",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		if _, excluded := q.Exclude[g.Name]; excluded {
			continue
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["state"] != string(models.ProviderAvailable) {
			continue
		}
		if r.staleness > 0 {
			beat, err := time.Parse(time.RFC3339Nano, m["last_beat"])
			if err != nil || now.Sub(beat) > r.staleness {
				continue
			}
		}
		if q.ServiceType != "" && m["service_types"] != "" && !hasType(m["service_types"], q.ServiceType) {
			continue
		}
		out = append(out, models.Candidate{
			ProviderID:    g.Name,
			Location:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMiles: g.Dist,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMiles != out[j].DistanceMiles {
			return out[i].DistanceMiles < out[j].DistanceMiles
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func hasType(csv, want string) bool {
	for _, t := range strings.Split(csv, ",") {
		if strings.TrimSpace(t) == want {
			return true
		}
	}
	return false
}

func metaKey(id string) string { return "provider:meta:" + id }
